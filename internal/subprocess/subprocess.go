// Package subprocess runs the external tools a run depends on (archivers,
// the emulator in replay mode, database tooling, the bug finder).
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Runner runs a command to completion
type Runner interface {
	Run(ctx context.Context, command []string, stdout, stderr io.Writer) error
}

// Local runs commands as local subprocesses.
type Local struct {
	// Dir is the working directory of the subprocesses; if unspecified, that
	// of the current process will be used.
	Dir string

	Logger *zap.Logger
}

// Run runs a command until completion or until ctx is canceled, in which
// case the whole process group is killed so nothing is orphaned.
func (r *Local) Run(ctx context.Context, command []string, stdout, stderr io.Writer) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if r.Logger != nil {
		r.Logger.Debug("starting", zap.String("cmd", Join(command)), zap.String("dir", r.Dir))
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", command[0], err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Negative pid addresses the process group
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return ctx.Err()
	}
}

// Output runs a command and returns its stdout
func Output(ctx context.Context, r Runner, command []string) (string, error) {
	var stdout, stderr strings.Builder
	if err := r.Run(ctx, command, &stdout, &stderr); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}

// ExitCode returns the exit status carried by err, or -1
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Join renders a command line for display
func Join(command []string) string {
	quoted := make([]string, len(command))
	for i, arg := range command {
		if arg == "" || strings.ContainsAny(arg, " \t\n'\"\\$`;&|<>(){}*?") {
			quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
			continue
		}
		quoted[i] = arg
	}
	return strings.Join(quoted, " ")
}
