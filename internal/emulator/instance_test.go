package emulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fakeEmulatorEnv = "LAVA_FAKE_EMULATOR"

// Behaviours of the fake emulator, selected through fakeEmulatorEnv
const (
	fakeNormal = "normal"
	// fakeLate binds its sockets well after the caller stops waiting for them
	fakeLate = "late"
	// fakeDeaf ignores quit but dies on SIGTERM
	fakeDeaf = "deaf"
	// fakeStubborn ignores quit and SIGTERM
	fakeStubborn = "stubborn"
)

const fakeLateDelay = 500 * time.Millisecond

func init() {
	if mode := os.Getenv(fakeEmulatorEnv); mode != "" {
		os.Exit(fakeEmulator(mode, os.Args[1:]))
	}
}

// fakeEmulator binds the monitor and serial sockets named on its command
// line, answers console lines with a prompt, and exits on quit unless mode
// says otherwise.
func fakeEmulator(mode string, args []string) int {
	switch mode {
	case fakeLate:
		time.Sleep(fakeLateDelay)
	case fakeStubborn:
		signal.Ignore(syscall.SIGTERM)
	}

	var monitor, serial string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-monitor":
			monitor = socketPath(args[i+1])
		case "-serial":
			serial = socketPath(args[i+1])
		}
	}
	if monitor == "" || serial == "" {
		fmt.Fprintln(os.Stderr, "missing -monitor or -serial")
		return 2
	}

	listen := func(path string) net.Listener {
		_ = os.Remove(path)
		l, err := net.Listen("unix", path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return l
	}
	ml := listen(monitor)
	sl := listen(serial)

	go func() {
		conn, err := sl.Accept()
		if err != nil {
			return
		}
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			fmt.Fprintf(conn, "%s\r\nok\r\n%s ", sc.Text(), prompt)
		}
	}()

	conn, err := ml.Accept()
	if err != nil {
		return 2
	}
	fmt.Fprintf(conn, "QEMU monitor\r\n%s ", MonitorPrompt)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if sc.Text() == CmdQuit && (mode == fakeNormal || mode == fakeLate) {
			return 0
		}
		fmt.Fprintf(conn, "%s\r\n%s ", sc.Text(), MonitorPrompt)
	}
	if mode == fakeDeaf || mode == fakeStubborn {
		// Only a signal ends it
		time.Sleep(time.Hour)
	}
	return 0
}

func socketPath(arg string) string {
	arg = strings.TrimPrefix(arg, "unix:")
	if i := strings.IndexByte(arg, ','); i >= 0 {
		arg = arg[:i]
	}
	return arg
}

// launchFake starts the test binary as an emulator behaving as mode
func launchFake(t *testing.T, mode string, readyTimeout time.Duration) *Instance {
	t.Helper()
	t.Setenv(fakeEmulatorEnv, mode)

	inst, err := Launch(context.Background(), LaunchOptions{
		Record: RecordOptions{
			Qemu:     os.Args[0],
			Disk:     "disk.qcow2",
			Snapshot: "root",
			Display:  10,
		},
		TempParent:    t.TempDir(),
		RunID:         "fake",
		ReadyTimeout:  readyTimeout,
		ConsolePrompt: prompt,
		Logger:        zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(0) })
	return inst
}

// exitSignal returns the signal that ended the emulator, or 0
func exitSignal(inst *Instance) syscall.Signal {
	var exitErr *exec.ExitError
	if !errors.As(inst.waitErr, &exitErr) {
		return 0
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return 0
	}
	return ws.Signal()
}

func TestLaunchAndShutdown(t *testing.T) {
	inst := launchFake(t, fakeNormal, 5*time.Second)
	dir := inst.Dir()

	_, err := inst.Monitor.Expect(context.Background(), MonitorPrompt, 5*time.Second)
	require.NoError(t, err)

	out, err := inst.Console.Run(context.Background(), "uname", prompt, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok\r\n", out)

	require.NoError(t, inst.Shutdown(5*time.Second))
	assert.True(t, inst.Exited())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// Shutdown runs once
	require.NoError(t, inst.Shutdown(0))
}

func TestLaunch_ConnectsAfterReadinessTimeout(t *testing.T) {
	start := time.Now()
	inst := launchFake(t, fakeLate, 50*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), fakeLateDelay)

	_, err := inst.Monitor.Expect(context.Background(), MonitorPrompt, 5*time.Second)
	require.NoError(t, err)
	out, err := inst.Console.Run(context.Background(), "uname", prompt, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok\r\n", out)

	require.NoError(t, inst.Shutdown(5*time.Second))
	assert.Equal(t, syscall.Signal(0), exitSignal(inst), "should exit on quit")
}

func TestShutdown_TerminatesEmulatorIgnoringQuit(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		wantSignal syscall.Signal
	}{
		{name: "terminated", mode: fakeDeaf, wantSignal: syscall.SIGTERM},
		{name: "killed", mode: fakeStubborn, wantSignal: syscall.SIGKILL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := launchFake(t, tt.mode, 5*time.Second)
			dir := inst.Dir()

			_, err := inst.Monitor.Expect(context.Background(), MonitorPrompt, 5*time.Second)
			require.NoError(t, err)

			start := time.Now()
			require.NoError(t, inst.Shutdown(100*time.Millisecond))
			assert.Less(t, time.Since(start), 10*time.Second)

			assert.True(t, inst.Exited())
			assert.Equal(t, tt.wantSignal, exitSignal(inst))
			_, err = os.Stat(dir)
			assert.True(t, os.IsNotExist(err), "run directory should be removed")
		})
	}
}
