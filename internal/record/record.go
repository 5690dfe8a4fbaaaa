// Package record drives a booted guest through one recorded execution of the
// target program.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MinhTranCA/lava/internal/config"
	"github.com/MinhTranCA/lava/internal/emulator"
	"github.com/MinhTranCA/lava/internal/guest"
	"github.com/MinhTranCA/lava/internal/logging"
)

// Channel is one textual control channel of a running emulator
type Channel interface {
	Send(cmd string) error
	Expect(ctx context.Context, pattern string, timeout time.Duration) (emulator.Result, error)
	Run(ctx context.Context, cmd, pattern string, timeout time.Duration) (string, error)
}

// Machine is a running emulator with its monitor and guest console
type Machine interface {
	Monitor() Channel
	Console() Channel
	Shutdown(quitTimeout time.Duration) error
}

// Launcher starts an emulator ready to be driven
type Launcher func(ctx context.Context, opts emulator.LaunchOptions) (Machine, error)

// LaunchEmulator is the Launcher backed by a real emulator process
func LaunchEmulator(ctx context.Context, opts emulator.LaunchOptions) (Machine, error) {
	inst, err := emulator.Launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	return instance{inst}, nil
}

type instance struct {
	*emulator.Instance
}

func (i instance) Monitor() Channel { return i.Instance.Monitor }
func (i instance) Console() Channel { return i.Instance.Console }

// Plan is everything one recording needs
type Plan struct {
	Project *config.Project

	// Image is the provisioned disk image; its path also names the recording
	Image string

	// InstallDir is where the image is mounted in the guest
	InstallDir string

	// InputBase is the input file name inside the image
	InputBase string

	Display int
	RunID   string
}

// Orchestrator sequences the guest-side steps of a recording
type Orchestrator struct {
	Launch   Launcher
	Timeouts config.Timeouts
	UseRR    bool

	// TempParent holds the per-run channel directory; os.TempDir() when empty
	TempParent string

	LaunchOptions func(*emulator.LaunchOptions)

	Logger *zap.Logger
}

// Record boots the guest, mounts the image, records one run of the target
// command and shuts the emulator down. The emulator is shut down on every
// return path. It returns the time spent.
func (o *Orchestrator) Record(ctx context.Context, plan Plan) (_ time.Duration, err error) {
	start := time.Now()
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := emulator.LaunchOptions{
		Record: emulator.RecordOptions{
			Qemu:     plan.Project.Qemu,
			Disk:     plan.Project.Qcow,
			Snapshot: plan.Project.Snapshot,
			Display:  plan.Display,
			UseRR:    o.UseRR,
		},
		TempParent:    o.TempParent,
		RunID:         plan.RunID,
		ReadyTimeout:  o.Timeouts.ChannelReady,
		ConsolePrompt: plan.Project.ConsolePrompt(),
		Logger:        logger,
	}
	if o.LaunchOptions != nil {
		o.LaunchOptions(&opts)
	}

	machine, err := o.Launch(ctx, opts)
	if err != nil {
		return time.Since(start), fmt.Errorf("failed to launch emulator: %w", err)
	}
	defer func() {
		if shutdownErr := machine.Shutdown(o.Timeouts.Quit); shutdownErr != nil {
			logger.Warn("emulator teardown incomplete", zap.Error(shutdownErr))
		}
	}()

	d := &driver{
		monitor: machine.Monitor(),
		console: machine.Console(),
		prompt:  plan.Project.ConsolePrompt(),
		timeout: o.Timeouts.Command,
		retry:   o.Timeouts.MountRetry,
		logger:  logger,
	}
	if err := d.record(ctx, plan); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

type driver struct {
	monitor Channel
	console Channel
	prompt  string
	timeout time.Duration
	retry   time.Duration
	logger  *zap.Logger
}

func (d *driver) record(ctx context.Context, plan Plan) error {
	if err := d.align(ctx); err != nil {
		return err
	}

	logging.Progress(d.logger, "Inserting CD...")
	if err := d.runMonitor(ctx, emulator.ChangeMedium(plan.Image)); err != nil {
		return err
	}
	if _, err := d.runConsole(ctx, guest.MkdirCommand(plan.InstallDir), d.prompt, d.timeout); err != nil {
		return err
	}
	if err := d.mount(ctx, plan.InstallDir); err != nil {
		return err
	}

	logging.Progress(d.logger, "Beginning recording queries...")
	if err := d.runMonitor(ctx, emulator.BeginRecord(plan.Image)); err != nil {
		return err
	}

	logging.Progress(d.logger, "Running command inside guest...")
	p := plan.Project
	inputFile := guest.InputPath(plan.InstallDir, plan.InputBase)
	line := guest.CommandLine(p.Env, p.GuestLibraryPath(plan.InstallDir), p.GuestCommand(plan.InstallDir, inputFile))
	if _, err := d.runConsole(ctx, line, p.Expectation(), 0); err != nil {
		return err
	}

	logging.Progress(d.logger, "Ending recording...")
	return d.runMonitor(ctx, emulator.CmdEndRecord)
}

// align brings both channels to their idle prompts
func (d *driver) align(ctx context.Context) error {
	if _, err := d.monitor.Expect(ctx, emulator.MonitorPrompt, d.timeout); err != nil {
		return fmt.Errorf("failed to reach monitor prompt: %w", err)
	}
	if err := d.console.Send(""); err != nil {
		return err
	}
	if _, err := d.console.Expect(ctx, d.prompt, d.timeout); err != nil {
		return fmt.Errorf("failed to reach guest prompt: %w", err)
	}
	return nil
}

func (d *driver) runMonitor(ctx context.Context, cmd string) error {
	if _, err := d.monitor.Run(ctx, cmd, emulator.MonitorPrompt, d.timeout); err != nil {
		return fmt.Errorf("monitor command %q failed: %w", cmd, err)
	}
	return nil
}

func (d *driver) runConsole(ctx context.Context, cmd, expect string, timeout time.Duration) (string, error) {
	out, err := d.console.Run(ctx, cmd, expect, timeout)
	if err != nil {
		var te *emulator.TimeoutError
		if errors.As(err, &te) {
			d.logger.Error("guest output before timeout", zap.String("partial", te.Partial))
		}
		return out, fmt.Errorf("guest command %q failed: %w", cmd, err)
	}
	return out, nil
}

// mount retries until the image is mounted on dir. The guest may auto-mount
// the medium first, in which case the explicit mount fails until the
// auto-mount is released.
func (d *driver) mount(ctx context.Context, dir string) error {
	for attempt := 1; ; attempt++ {
		out, err := d.runConsole(ctx, guest.MountCommand(dir), d.prompt, d.timeout)
		if err != nil {
			return err
		}
		status, ok := guest.MountStatus(out)
		if ok && status == 0 {
			d.logger.Debug("image mounted", zap.String("dir", dir), zap.Int("attempts", attempt))
			return nil
		}
		d.logger.Debug("mount attempt failed", zap.Int("attempt", attempt), zap.Int("status", status))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retry):
		}
		if _, err := d.runConsole(ctx, guest.UmountCommand(), d.prompt, d.timeout); err != nil {
			return err
		}
	}
}
