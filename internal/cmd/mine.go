package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MinhTranCA/lava/internal/config"
	"github.com/MinhTranCA/lava/internal/emulator"
	"github.com/MinhTranCA/lava/internal/guest"
	"github.com/MinhTranCA/lava/internal/iso"
	"github.com/MinhTranCA/lava/internal/logging"
	"github.com/MinhTranCA/lava/internal/network"
	"github.com/MinhTranCA/lava/internal/record"
	"github.com/MinhTranCA/lava/internal/replay"
	"github.com/MinhTranCA/lava/internal/results"
	"github.com/MinhTranCA/lava/internal/runs"
	"github.com/MinhTranCA/lava/internal/source"
	"github.com/MinhTranCA/lava/internal/subprocess"
)

var mineCmd = &cobra.Command{
	Use:   "mine <project.json> <input>",
	Short: "Record, replay and taint-analyze one run of the target on an input",
	Long: `Mine a project for injectable bugs using one input file.

This command:
  - Builds a CD image holding the instrumented build and the input
  - Boots the guest snapshot and records the target running on the input
  - Replays the recording with taint analysis into a pandalog
  - Creates the project's results database if needed and runs the bug finder

Examples:
  lava mine ~/lava/file.json ~/inputs/a.bin
  lava --debug mine file.json a.bin`,
	Args: cobra.ExactArgs(2),
	RunE: runMine,
}

func init() {
	rootCmd.AddCommand(mineCmd)
}

func runMine(cmd *cobra.Command, args []string) error {
	// Everything is validated before anything is touched on disk
	settings, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	project, err := config.LoadProject(args[0])
	if err != nil {
		return err
	}
	inputFile, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("invalid input path: %w", err)
	}
	if info, err := os.Stat(inputFile); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	} else if info.IsDir() {
		return fmt.Errorf("input %s is a directory", inputFile)
	}
	procName, err := replay.ProcessName(project.Command)
	if err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}

	if !project.ReadsInputFile() {
		logger.Warn("command never receives the input file; taint will only be seeded if the target opens it by itself",
			zap.String("command", project.Command))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := runs.NewStore(settings.RunsDir)
	if err != nil {
		return fmt.Errorf("failed to access run store: %w", err)
	}
	run := runs.NewRun(project.Name, project.Path, inputFile, project.DB)
	log := logger.With(zap.String("run", run.ID))
	save := func() {
		if err := store.Save(run); err != nil {
			log.Warn("failed to save run record", zap.Error(err))
		}
	}
	save()

	m := &miner{
		settings: settings,
		project:  project,
		input:    inputFile,
		procName: procName,
		run:      run,
		save:     save,
		logger:   log,
	}
	err = m.mine(ctx)
	finishRun(run, err)
	save()
	return err
}

// finishRun closes the record, keeping the exit status of a failed tool
func finishRun(run *runs.Run, err error) {
	run.Finish(err)
	if code := subprocess.ExitCode(err); code > 0 {
		run.ExitCode = code
	}
}

type miner struct {
	settings *config.Settings
	project  *config.Project
	input    string
	procName string
	run      *runs.Run
	save     func()
	logger   *zap.Logger
}

func (m *miner) phase(name string) {
	m.run.Enter(name)
	m.save()
}

func (m *miner) done(name, what string, d time.Duration) {
	m.run.Record(name, d)
	m.save()
	fmt.Printf("%s complete %.2f seconds\n", what, d.Seconds())
}

func (m *miner) mine(ctx context.Context) error {
	workDir := m.project.WorkDir()
	runner := &subprocess.Local{Dir: workDir, Logger: m.logger}

	m.phase(runs.PhaseProvision)
	start := time.Now()
	sourceDir, err := source.Dir(ctx, runner, workDir, m.project.Tarfile)
	if err != nil {
		return err
	}
	installDir := source.InstallDir(sourceDir)
	m.logger.Debug("source tree", zap.String("dir", sourceDir), zap.String("install_dir", installDir))

	logging.Progress(m.logger, fmt.Sprintf("Creating ISO %s...", iso.ImagePath(sourceDir, m.input)))
	provisioner := &iso.Provisioner{
		Runner: runner,
		Logger: m.logger,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	image, err := provisioner.Build(ctx, sourceDir, installDir, m.input, filepath.Join(workDir, "inputs"))
	if err != nil {
		return err
	}
	m.run.Image = image.Path
	if m.logger.Core().Enabled(zap.DebugLevel) {
		if files, err := iso.Contents(ctx, runner, image.Path); err == nil {
			m.logger.Debug("image contents", zap.Strings("files", files))
		}
	}

	display, err := network.NewAllocator().Allocate()
	if err != nil {
		return err
	}
	m.run.Display = display
	m.logger.Debug("display allocated", zap.Int("display", display), zap.Int("port", network.VNCBasePort+display))
	m.done(runs.PhaseProvision, "provisioning", time.Since(start))

	m.phase(runs.PhaseRecord)
	logging.Progress(m.logger, "Starting first and only recording...")
	orchestrator := &record.Orchestrator{
		Launch:   record.LaunchEmulator,
		Timeouts: m.settings.Timeouts,
		UseRR:    m.settings.UseRR,
		LaunchOptions: func(o *emulator.LaunchOptions) {
			o.Echo = os.Stdout
			o.Stdout = os.Stderr
			o.Stderr = os.Stderr
		},
		Logger: m.logger,
	}
	took, err := orchestrator.Record(ctx, record.Plan{
		Project:    m.project,
		Image:      image.Path,
		InstallDir: installDir,
		InputBase:  image.InputBase,
		Display:    display,
		RunID:      m.run.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to record: %w", err)
	}
	m.done(runs.PhaseRecord, "panda record", took)

	m.phase(runs.PhaseReplay)
	logging.Progress(m.logger, "Starting first and only replay, tainting on file open...")
	pandalog := replay.PandalogPath(workDir, image.Path)
	m.run.Pandalog = pandalog
	taintInput := guest.InputPath(installDir, image.InputBase)
	if m.project.UsesStdin() {
		taintInput = replay.StdinInput
	}
	replayer := &replay.Runner{
		Runner: runner,
		UseRR:  m.settings.UseRR,
		Stdout: os.Stdout,
		Stderr: os.Stdout,
		Logger: m.logger,
	}
	took, err = replayer.Run(ctx, replay.Options{
		Qemu:       m.project.Qemu,
		Recording:  image.Path,
		Pandalog:   pandalog,
		OS:         m.project.PandaOS,
		Process:    m.procName,
		InstallDir: installDir,
		Input:      taintInput,
		Chaff:      m.project.UsesChaff(),
	})
	if err != nil {
		return err
	}
	m.done(runs.PhaseReplay, "taint analysis", took)

	m.phase(runs.PhaseHandoff)
	handoff := &results.Handoff{
		Store: &results.Postgres{Config: results.Config{
			URL:         m.settings.Database.URL,
			PingTimeout: m.settings.Database.PingTimeout,
		}},
		Runner: runner,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: m.logger,
	}
	took, err = handoff.Run(ctx, results.Request{
		Database:    m.project.DB,
		SchemaPath:  m.settings.SchemaPath(),
		FBI:         m.settings.FBIPath(),
		ProjectFile: m.project.Path,
		SourceDir:   sourceDir,
		Pandalog:    pandalog,
		InputBase:   image.InputBase,
	})
	if err != nil {
		return err
	}
	m.done(runs.PhaseHandoff, "fib", took)

	counts, err := handoff.Counts(ctx, m.project.DB)
	if err != nil {
		return err
	}
	m.run.Counts = &counts
	fmt.Println("total dua:", counts.Dua)
	fmt.Println("total atp:", counts.AttackPoint)
	fmt.Println("total bug:", counts.Bug)
	return nil
}
