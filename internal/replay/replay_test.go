package replay

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func baseOptions() Options {
	return Options{
		Qemu:       "/panda/qemu-system-i386",
		Recording:  "/data/target/target-1.0-a.bin.iso",
		Pandalog:   "/data/target/queries-target-1.0-a.bin.iso.plog",
		OS:         "linux-32-debian:3.2.0-4-686-pae",
		Process:    "target",
		InstallDir: "/data/target/target-1.0/lava-install",
		Input:      "/data/target/target-1.0/lava-install/a.bin",
	}
}

func TestCommand(t *testing.T) {
	got, err := Command(baseOptions())
	require.NoError(t, err)

	want := []string{
		"/panda/qemu-system-i386",
		"-replay", "/data/target/target-1.0-a.bin.iso",
		"-pandalog", "/data/target/queries-target-1.0-a.bin.iso.plog",
		"-os", "linux-32-debian:3.2.0-4-686-pae",
		"-panda", "pri",
		"-panda", "pri_dwarf:proc=target,g_debugpath=/data/target/target-1.0/lava-install,h_debugpath=/data/target/target-1.0/lava-install",
		"-panda", "pri_taint:hypercall",
		"-panda", "taint2:no_tp",
		"-panda", "tainted_branch",
		"-panda", "file_taint:pos,enable_taint_on_open=true,filename=/data/target/target-1.0/lava-install/a.bin",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Command() mismatch (-want +got):\n%s", diff)
	}
	assert.NotContains(t, strings.Join(got, " "), "log_untainted")
}

func TestCommand_Variants(t *testing.T) {
	tests := []struct {
		name      string
		chaff     bool
		input     string
		wantTaint string
		wantFile  string
	}{
		{
			name:      "chaff logs untainted values",
			chaff:     true,
			input:     "/g/a.bin",
			wantTaint: "pri_taint:hypercall,log_untainted",
			wantFile:  "file_taint:pos,enable_taint_on_open=true,filename=/g/a.bin",
		},
		{
			name:      "stdin input",
			input:     StdinInput,
			wantTaint: "pri_taint:hypercall",
			wantFile:  "file_taint:pos,enable_taint_on_open=true,filename=stdin",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions()
			opts.Chaff = tt.chaff
			opts.Input = tt.input
			got, err := Command(opts)
			require.NoError(t, err)
			assert.Contains(t, got, tt.wantTaint)
			assert.Contains(t, got, tt.wantFile)
		})
	}
}

func TestProcessName(t *testing.T) {
	tests := []struct {
		command string
		want    string
		wantErr bool
	}{
		{command: "{install_dir}/bin/file -m magic {input_file}", want: "file"},
		{command: "'/opt/my tools/tiff2pdf' x", want: "tiff2pdf"},
		{command: "./target", want: "target"},
		{command: "   ", wantErr: true},
		{command: "'unterminated", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got, err := ProcessName(tt.command)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPandalogPath(t *testing.T) {
	assert.Equal(t, "/data/target/queries-target-1.0-a.bin.iso.plog",
		PandalogPath("/data/target", "/data/target/target-1.0-a.bin.iso"))
}

type fakeRunner struct {
	calls [][]string
	errs  []error
}

func (f *fakeRunner) Run(_ context.Context, command []string, _, _ io.Writer) error {
	f.calls = append(f.calls, command)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func TestRunner(t *testing.T) {
	failed := errors.New("exit status 1")

	tests := []struct {
		name      string
		useRR     bool
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{name: "success", wantCalls: 1},
		{name: "failure without rr", errs: []error{failed}, wantCalls: 1, wantErr: true},
		{name: "failure recovered under rr", useRR: true, errs: []error{failed, nil}, wantCalls: 2},
		{name: "rr fallback also fails", useRR: true, errs: []error{failed, failed}, wantCalls: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &fakeRunner{errs: tt.errs}
			r := &Runner{Runner: fr, UseRR: tt.useRR, Logger: zap.NewNop()}

			_, err := r.Run(context.Background(), baseOptions())
			if tt.wantErr {
				require.ErrorIs(t, err, failed)
			} else {
				require.NoError(t, err)
			}
			require.Len(t, fr.calls, tt.wantCalls)
			if tt.wantCalls == 2 {
				assert.Equal(t, []string{"rr", "record", "/panda/qemu-system-i386", "-replay", "/data/target/target-1.0-a.bin.iso"}, fr.calls[1])
			}
		})
	}
}
