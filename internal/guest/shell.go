// Package guest composes the shell command lines typed into the guest console.
package guest

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CDROM is the guest device the provisioned image is inserted into
const CDROM = "/dev/cdrom"

// mountStatusMarker precedes the exit status of a mount attempt in console output
const mountStatusMarker = "lava-mount-status="

var mountStatusRe = regexp.MustCompile(mountStatusMarker + `(\d+)`)

// shellQuote wraps a string in single quotes with proper escaping for shell interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// MkdirCommand creates dir and its parents
func MkdirCommand(dir string) string {
	return "mkdir -p " + shellQuote(dir)
}

// MountCommand mounts the CD drive on dir and reports the mount status on
// its own line, so the caller can tell a failed attempt from a prompt.
func MountCommand(dir string) string {
	return fmt.Sprintf("mount %s %s; echo \"%s$?\"", CDROM, shellQuote(dir), mountStatusMarker)
}

// UmountCommand releases the CD drive after a failed mount attempt
func UmountCommand() string {
	return "umount " + CDROM
}

// MountStatus extracts the status reported by MountCommand from console
// output. ok is false when no status line is present.
func MountStatus(output string) (status int, ok bool) {
	// The echoed command contains the marker followed by "$?", which the
	// pattern does not match.
	m := mountStatusRe.FindAllStringSubmatch(output, -1)
	if len(m) == 0 {
		return 0, false
	}
	status, err := strconv.Atoi(m[len(m)-1][1])
	if err != nil {
		return 0, false
	}
	return status, true
}

// EnvPrefix renders env as NAME='value' assignments sorted by name, ready to
// precede a command. libraryPath, when non-empty, is added as LD_LIBRARY_PATH
// and takes precedence over an LD_LIBRARY_PATH entry in env.
func EnvPrefix(env map[string]string, libraryPath string) string {
	merged := make(map[string]string, len(env)+1)
	for k, v := range env {
		merged[k] = v
	}
	if libraryPath != "" {
		merged["LD_LIBRARY_PATH"] = libraryPath
	}

	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + shellQuote(merged[k])
	}
	return strings.Join(parts, " ")
}

// CommandLine prefixes command with the environment assignments
func CommandLine(env map[string]string, libraryPath, command string) string {
	prefix := EnvPrefix(env, libraryPath)
	if prefix == "" {
		return command
	}
	return prefix + " " + command
}

// InputPath is where the input file appears in the guest once the image is
// mounted on installDir
func InputPath(installDir, inputBase string) string {
	return strings.TrimRight(installDir, "/") + "/" + inputBase
}
