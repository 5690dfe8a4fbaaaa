package subprocess

import (
	"bytes"
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestLocalRun(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	r := &Local{Dir: dir, Logger: zap.NewNop()}

	var stdout bytes.Buffer
	err := r.Run(context.Background(), []string{"sh", "-c", "pwd"}, &stdout, nil)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), dir)
}

func TestLocalRun_ExitCode(t *testing.T) {
	requireSh(t)
	r := &Local{}

	err := r.Run(context.Background(), []string{"sh", "-c", "exit 3"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
}

func TestLocalRun_ContextCancelKills(t *testing.T) {
	requireSh(t)
	r := &Local{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Run(ctx, []string{"sh", "-c", "sleep 30"}, nil, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLocalRun_EmptyCommand(t *testing.T) {
	err := (&Local{}).Run(context.Background(), nil, nil, nil)
	require.Error(t, err)
}

func TestOutput_IncludesStderr(t *testing.T) {
	requireSh(t)
	_, err := Output(context.Background(), &Local{}, []string{"sh", "-c", "echo boom >&2; exit 1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "qemu -replay '/tmp/a b.iso'", Join([]string{"qemu", "-replay", "/tmp/a b.iso"}))
	assert.Equal(t, "echo 'it'\\''s'", Join([]string{"echo", "it's"}))
	assert.Equal(t, "x ''", Join([]string{"x", ""}))
}
