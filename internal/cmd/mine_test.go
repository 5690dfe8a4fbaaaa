package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MinhTranCA/lava/internal/runs"
	"github.com/MinhTranCA/lava/internal/subprocess"
)

// writeConfig points the run store at a temp dir and returns the config path
// and the runs dir
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	runsDir := filepath.Join(dir, "runs")
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("lava_dir: %s\nruns_dir: %s\n", dir, runsDir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path, runsDir
}

func execute(args ...string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestMine_InvalidProjectHasNoSideEffects(t *testing.T) {
	cfg, runsDir := writeConfig(t)
	dir := t.TempDir()

	project := filepath.Join(dir, "p.json")
	require.NoError(t, os.WriteFile(project, []byte(`{"name": "file"}`), 0644))
	input := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0644))

	err := execute("--config", cfg, "mine", project, input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qemu")

	_, statErr := os.Stat(runsDir)
	assert.True(t, os.IsNotExist(statErr), "no run record should be written")
}

func TestMine_MissingInput(t *testing.T) {
	cfg, runsDir := writeConfig(t)
	dir := t.TempDir()

	project := filepath.Join(dir, "p.json")
	require.NoError(t, os.WriteFile(project, []byte(`{
		"qemu": "qemu", "snapshot": "root", "directory": "/d", "command": "./t {input_file}",
		"qcow": "q", "name": "t", "tarfile": "t.tgz", "library_path": "", "db": "t",
		"panda_os_string": "linux"
	}`), 0644))

	err := execute("--config", cfg, "mine", project, filepath.Join(dir, "missing.bin"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read input")

	_, statErr := os.Stat(runsDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMine_RequiresTwoArgs(t *testing.T) {
	cfg, _ := writeConfig(t)
	require.Error(t, execute("--config", cfg, "mine", "only-one"))
}

func TestPrune_RemovesFinishedRuns(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	cfg, runsDir := writeConfig(t)
	store, err := runs.NewStore(runsDir)
	require.NoError(t, err)

	finished := runs.NewRun("a", "", "", "")
	finished.Finish(nil)
	running := runs.NewRun("b", "", "", "")
	require.NoError(t, store.Save(finished))
	require.NoError(t, store.Save(running))

	require.NoError(t, execute("--config", cfg, "prune"))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, running.ID, list[0].ID)

	require.NoError(t, execute("--config", cfg, "runs"))
}

func TestPrune_KeepsDirectoriesOfRunningRuns(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	t.Cleanup(func() { pruneAll = false })
	cfg, runsDir := writeConfig(t)
	store, err := runs.NewStore(runsDir)
	require.NoError(t, err)

	running := runs.NewRun("a", "", "", "")
	require.NoError(t, store.Save(running))
	live, err := os.MkdirTemp("", "lava-run-"+running.ID+"-")
	require.NoError(t, err)
	stale, err := os.MkdirTemp("", "lava-run-gone-")
	require.NoError(t, err)

	require.NoError(t, execute("--config", cfg, "prune"))
	assert.DirExists(t, live)
	assert.NoDirExists(t, stale)

	require.NoError(t, execute("--config", cfg, "prune", "--all"))
	assert.NoDirExists(t, live)
	list, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRunDirID(t *testing.T) {
	assert.Equal(t, "3f2a9c1b", runDirID("/tmp/lava-run-3f2a9c1b-123456"))
	assert.Equal(t, "x", runDirID("lava-run-x"))
}

func TestFinishRun_KeepsToolExitStatus(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("sh not available")
	}
	toolErr := (&subprocess.Local{}).Run(context.Background(), []string{"/bin/sh", "-c", "exit 4"}, nil, nil)
	require.Error(t, toolErr)

	run := runs.NewRun("file", "", "", "")
	finishRun(run, fmt.Errorf("failed to run bug finder: %w", toolErr))
	assert.Equal(t, runs.StatusFailed, run.Status)
	assert.Equal(t, 4, run.ExitCode)

	other := runs.NewRun("file", "", "", "")
	finishRun(other, errors.New("no display"))
	assert.Zero(t, other.ExitCode)

	ok := runs.NewRun("file", "", "", "")
	finishRun(ok, nil)
	assert.Equal(t, runs.StatusSucceeded, ok.Status)
	assert.Zero(t, ok.ExitCode)
}
