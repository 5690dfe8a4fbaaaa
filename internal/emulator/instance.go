package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MinhTranCA/lava/internal/subprocess"
)

const (
	dialAttempts = 20
	dialInterval = 100 * time.Millisecond
)

// LaunchOptions describe an emulator started for recording
type LaunchOptions struct {
	Record RecordOptions

	// TempParent is where the run directory is created; os.TempDir() when empty
	TempParent string
	RunID      string

	// ReadyTimeout bounds the wait for the emulator to bind both channels.
	// Expiry is only a warning; connecting is attempted regardless.
	ReadyTimeout time.Duration

	// ConsolePrompt is the guest shell prompt used when echoing commands
	ConsolePrompt string

	// Echo receives the transcript of both channels; nil disables it
	Echo io.Writer

	// Stdout and Stderr receive the emulator's own output
	Stdout io.Writer
	Stderr io.Writer

	Logger *zap.Logger
}

// Instance is a running emulator with its monitor and console connected
type Instance struct {
	Monitor *Session
	Console *Session

	cmd       *exec.Cmd
	endpoints *Endpoints
	logs      []*os.File
	logger    *zap.Logger

	waitDone chan struct{}
	waitErr  error

	shutdownOnce sync.Once
	shutdownErr  error
}

// Launch starts the emulator, waits for its channels and connects to them.
// On error nothing is left running and the run directory is removed.
func Launch(ctx context.Context, opts LaunchOptions) (_ *Instance, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ep, err := NewEndpoints(opts.TempParent, opts.RunID)
	if err != nil {
		return nil, err
	}
	inst := &Instance{endpoints: ep, logger: logger, waitDone: make(chan struct{})}
	defer func() {
		if err != nil {
			_ = inst.Shutdown(0)
		}
	}()

	watcher, err := NewWatcher(logger, ep.Monitor, ep.Serial)
	if err != nil {
		return nil, err
	}
	defer watcher.Close()

	command, err := RecordCommand(opts.Record, ep)
	if err != nil {
		return nil, err
	}
	logger.Info("starting emulator", zap.String("cmd", subprocess.Join(command)))

	inst.cmd = exec.Command(command[0], command[1:]...)
	inst.cmd.Stdout = opts.Stdout
	inst.cmd.Stderr = opts.Stderr
	inst.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := inst.cmd.Start(); err != nil {
		close(inst.waitDone)
		return nil, fmt.Errorf("failed to start emulator: %w", err)
	}
	go func() {
		inst.waitErr = inst.cmd.Wait()
		close(inst.waitDone)
	}()

	readyCtx := ctx
	if opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, opts.ReadyTimeout)
		defer cancel()
	}
	if err := watcher.WaitAll(readyCtx, ep.Monitor, ep.Serial); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("emulator channels not observed in time, connecting anyway",
			zap.Duration("timeout", opts.ReadyTimeout), zap.Error(err))
	}

	monitorLog, err := inst.openLog(ep.MonitorLog())
	if err != nil {
		return nil, err
	}
	consoleLog, err := inst.openLog(ep.ConsoleLog())
	if err != nil {
		return nil, err
	}

	monitorConn, err := inst.dial(ctx, ep.Monitor)
	if err != nil {
		return nil, err
	}
	inst.Monitor = NewSession(monitorConn, SessionConfig{
		Name:   "monitor",
		Prompt: MonitorPrompt,
		Log:    monitorLog,
		Echo:   opts.Echo,
		Logger: logger,
	})

	consoleConn, err := inst.dial(ctx, ep.Serial)
	if err != nil {
		return nil, err
	}
	inst.Console = NewSession(consoleConn, SessionConfig{
		Name:   "console",
		Prompt: opts.ConsolePrompt,
		Log:    consoleLog,
		Echo:   opts.Echo,
		Logger: logger,
	})

	return inst, nil
}

func (i *Instance) openLog(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log %s: %w", path, err)
	}
	i.logs = append(i.logs, f)
	return f, nil
}

// dial connects to a unix socket, retrying briefly while the emulator binds it
func (i *Instance) dial(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	var lastErr error
	for range dialAttempts {
		select {
		case <-i.waitDone:
			return nil, fmt.Errorf("emulator exited before %s was available: %w", path, i.exitErr())
		default:
		}
		conn, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialInterval):
		}
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", path, lastErr)
}

func (i *Instance) exitErr() error {
	if i.waitErr != nil {
		return i.waitErr
	}
	return errors.New("exit status 0")
}

// Dir returns the run directory holding the channel endpoints and logs
func (i *Instance) Dir() string {
	return i.endpoints.Dir
}

// Exited reports whether the emulator process has terminated
func (i *Instance) Exited() bool {
	select {
	case <-i.waitDone:
		return true
	default:
		return false
	}
}

// Shutdown asks the emulator to quit, waits up to quitTimeout, then
// terminates it and removes the run directory. It runs once; later calls
// return the first result.
func (i *Instance) Shutdown(quitTimeout time.Duration) error {
	i.shutdownOnce.Do(func() {
		i.shutdownErr = i.shutdown(quitTimeout)
	})
	return i.shutdownErr
}

func (i *Instance) shutdown(quitTimeout time.Duration) error {
	var errs error

	if i.Monitor != nil && i.Monitor.State() != StateClosed && !i.Exited() {
		// The monitor may be in an undefined state after a failed expect;
		// quit is still worth sending.
		if err := i.Monitor.sendLine(CmdQuit); err != nil {
			i.logger.Debug("quit not delivered", zap.Error(err))
		}
	}

	if i.cmd != nil && i.cmd.Process != nil {
		select {
		case <-i.waitDone:
		case <-time.After(quitTimeout):
			i.logger.Warn("emulator did not quit, terminating")
			_ = syscall.Kill(-i.cmd.Process.Pid, syscall.SIGTERM)
			select {
			case <-i.waitDone:
			case <-time.After(quitTimeout + time.Second):
				_ = syscall.Kill(-i.cmd.Process.Pid, syscall.SIGKILL)
				<-i.waitDone
			}
		}
	}

	for _, s := range []*Session{i.Monitor, i.Console} {
		if s != nil {
			errs = multierr.Append(errs, ignoreClosed(s.Close()))
		}
	}
	for _, f := range i.logs {
		errs = multierr.Append(errs, f.Close())
	}
	errs = multierr.Append(errs, i.endpoints.Remove())
	return errs
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
