package guest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple", "'simple'"},
		{"/path/with spaces", "'/path/with spaces'"},
		{"it's", "'it'\\''s'"},
		{"", "''"},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shellQuote(tt.input), "shellQuote(%q)", tt.input)
	}
}

func TestMountCommands(t *testing.T) {
	assert.Equal(t, "mkdir -p '/root/lava-install'", MkdirCommand("/root/lava-install"))
	assert.Equal(t, `mount /dev/cdrom '/root/lava-install'; echo "lava-mount-status=$?"`, MountCommand("/root/lava-install"))
	assert.Equal(t, "umount /dev/cdrom", UmountCommand())
}

func TestMountStatus(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   int
		wantOK bool
	}{
		{
			name:   "success",
			output: "lava-mount-status=0\r\n",
			want:   0,
			wantOK: true,
		},
		{
			name:   "failure with message",
			output: "mount: no medium found on /dev/sr0\r\nlava-mount-status=32\r\n",
			want:   32,
			wantOK: true,
		},
		{
			name:   "echoed command only",
			output: `mount /dev/cdrom '/x'; echo "lava-mount-status=$?"` + "\r\n",
			wantOK: false,
		},
		{
			name:   "echo and status",
			output: `mount /dev/cdrom '/x'; echo "lava-mount-status=$?"` + "\r\nlava-mount-status=0\r\n",
			want:   0,
			wantOK: true,
		},
		{
			name:   "nothing",
			output: "",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MountStatus(tt.output)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandLine(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		libraryPath string
		command     string
		want        string
	}{
		{
			name:    "no environment",
			command: "/root/lava-install/bin/file /root/lava-install/a.bin",
			want:    "/root/lava-install/bin/file /root/lava-install/a.bin",
		},
		{
			name:        "library path only",
			libraryPath: "/root/lava-install/lib",
			command:     "./target",
			want:        "LD_LIBRARY_PATH='/root/lava-install/lib' ./target",
		},
		{
			name:        "sorted and merged",
			env:         map[string]string{"ZZ": "1", "LD_LIBRARY_PATH": "/ignored", "Home": "/r o"},
			libraryPath: "/lib",
			command:     "./t",
			want:        "Home='/r o' LD_LIBRARY_PATH='/lib' ZZ='1' ./t",
		},
		{
			name:    "env kept without library path",
			env:     map[string]string{"LD_LIBRARY_PATH": "/custom"},
			command: "./t",
			want:    "LD_LIBRARY_PATH='/custom' ./t",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CommandLine(tt.env, tt.libraryPath, tt.command))
		})
	}
}

func TestInputPath(t *testing.T) {
	assert.Equal(t, "/root/lava-install/a.bin", InputPath("/root/lava-install", "a.bin"))
	assert.Equal(t, "/root/lava-install/a.bin", InputPath("/root/lava-install/", "a.bin"))
}
