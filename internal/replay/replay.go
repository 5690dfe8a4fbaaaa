// Package replay re-executes a recording with the taint analysis plugins loaded.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/MinhTranCA/lava/internal/emulator"
	"github.com/MinhTranCA/lava/internal/subprocess"
)

// StdinInput makes the file taint plugin seed taint on standard input
const StdinInput = "stdin"

// Options describe one replay
type Options struct {
	Qemu string

	// Recording is the name given to begin_record
	Recording string

	// Pandalog is where the analysis log is written
	Pandalog string

	// OS is the guest OS descriptor understood by the introspection plugin
	OS string

	// Process is the guest process to resolve debug symbols for
	Process string

	// InstallDir is the guest and host debug path
	InstallDir string

	// Input is the guest path of the tainted file, or StdinInput
	Input string

	// Chaff also logs untainted values
	Chaff bool
}

// PandalogPath returns the deterministic analysis log location for a recording
func PandalogPath(workDir, recording string) string {
	return filepath.Join(workDir, "queries-"+filepath.Base(recording)+".plog")
}

// ProcessName returns the base name of the program started by a guest command
func ProcessName(command string) (string, error) {
	words, err := shlex.Split(command)
	if err != nil {
		return "", fmt.Errorf("failed to split command %q: %w", command, err)
	}
	if len(words) == 0 {
		return "", errors.New("empty command")
	}
	// Guest paths are always slash separated
	return path.Base(words[0]), nil
}

// Plugins returns the analysis chain in load order
func Plugins(opts Options) []emulator.Plugin {
	taintArgs := []string{"hypercall"}
	if opts.Chaff {
		taintArgs = append(taintArgs, "log_untainted")
	}
	return []emulator.Plugin{
		{Name: "pri"},
		{Name: "pri_dwarf", Args: []string{
			"proc=" + opts.Process,
			"g_debugpath=" + opts.InstallDir,
			"h_debugpath=" + opts.InstallDir,
		}},
		{Name: "pri_taint", Args: taintArgs},
		{Name: "taint2", Args: []string{"no_tp"}},
		{Name: "tainted_branch"},
		{Name: "file_taint", Args: []string{
			"pos",
			"enable_taint_on_open=true",
			"filename=" + opts.Input,
		}},
	}
}

// Command returns the replay invocation
func Command(opts Options) ([]string, error) {
	var b emulator.CommandBuilder
	b.SetBinary(opts.Qemu)
	b.SetFlag("-replay", opts.Recording)
	b.SetFlag("-pandalog", opts.Pandalog)
	b.SetFlag("-os", opts.OS)
	for _, p := range Plugins(opts) {
		b.AddPlugin(p)
	}
	return b.Build()
}

// FallbackCommand replays the recording plainly under the rr recorder
func FallbackCommand(opts Options) ([]string, error) {
	var b emulator.CommandBuilder
	b.SetWrapper("rr", "record")
	b.SetBinary(opts.Qemu)
	b.SetFlag("-replay", opts.Recording)
	return b.Build()
}

// Runner runs the analysis replay
type Runner struct {
	Runner subprocess.Runner

	// UseRR enables the rr fallback when the replay fails
	UseRR bool

	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// Run replays the recording and returns the time spent
func (r *Runner) Run(ctx context.Context, opts Options) (time.Duration, error) {
	start := time.Now()
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	command, err := Command(opts)
	if err != nil {
		return 0, err
	}
	logger.Info("pandalog", zap.String("path", opts.Pandalog))
	logger.Debug("replay", zap.String("cmd", subprocess.Join(command)))

	runErr := r.Runner.Run(ctx, command, r.Stdout, r.Stderr)
	if runErr == nil {
		return time.Since(start), nil
	}
	if !r.UseRR || ctx.Err() != nil {
		return time.Since(start), fmt.Errorf("replay failed: %w", runErr)
	}

	logger.Warn("replay failed, retrying under rr", zap.Error(runErr))
	fallback, err := FallbackCommand(opts)
	if err != nil {
		return time.Since(start), err
	}
	if err := r.Runner.Run(ctx, fallback, r.Stdout, r.Stderr); err != nil {
		return time.Since(start), fmt.Errorf("replay under rr failed: %w", err)
	}
	return time.Since(start), nil
}
