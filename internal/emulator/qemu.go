package emulator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MonitorPrompt is the idle marker of the emulator's monitor
const MonitorPrompt = "(qemu)"

// Monitor commands understood by the record/replay capable emulator
const (
	CmdQuit      = "quit"
	CmdEndRecord = "end_record"
)

// ChangeMedium returns the monitor command inserting image into the guest CD drive
func ChangeMedium(image string) string {
	return "change ide1-cd0 " + image
}

// BeginRecord returns the monitor command starting a recording named name
func BeginRecord(name string) string {
	return "begin_record " + name
}

// CommandBuilder assembles an emulator invocation. It does not validate
// flags, only that a binary has been set.
type CommandBuilder struct {
	wrapper []string
	binary  string
	args    []string
}

// SetBinary sets the emulator executable
func (b *CommandBuilder) SetBinary(path string) {
	b.binary = path
}

// SetWrapper runs the emulator under another program, e.g. "rr", "record"
func (b *CommandBuilder) SetWrapper(args ...string) {
	b.wrapper = args
}

// SetFlag appends raw arguments
func (b *CommandBuilder) SetFlag(args ...string) {
	b.args = append(b.args, args...)
}

// AddUnixServer binds a character device flag (e.g. -monitor) to a
// listening unix socket at path that does not wait for a client
func (b *CommandBuilder) AddUnixServer(flag, path string) {
	b.SetFlag(flag, fmt.Sprintf("unix:%s,server,nowait", path))
}

// SetVNC exposes the display on VNC display number n
func (b *CommandBuilder) SetVNC(display int) {
	b.SetFlag("-vnc", ":"+strconv.Itoa(display))
}

// AddPlugin loads an analysis plugin
func (b *CommandBuilder) AddPlugin(p Plugin) {
	b.SetFlag("-panda", p.String())
}

// Build returns the full command line
func (b *CommandBuilder) Build() ([]string, error) {
	if b.binary == "" {
		return nil, errors.New("emulator binary not set")
	}
	cmd := make([]string, 0, len(b.wrapper)+1+len(b.args))
	cmd = append(cmd, b.wrapper...)
	cmd = append(cmd, b.binary)
	cmd = append(cmd, b.args...)
	return cmd, nil
}

// Plugin is an analysis plugin with its comma separated arguments
type Plugin struct {
	Name string
	Args []string
}

func (p Plugin) String() string {
	if len(p.Args) == 0 {
		return p.Name
	}
	return p.Name + ":" + strings.Join(p.Args, ",")
}

// RecordOptions describe the emulator started for recording
type RecordOptions struct {
	Qemu     string
	Disk     string
	Snapshot string
	Display  int
	UseRR    bool
}

// RecordCommand boots disk from snapshot with the monitor and serial port on ep
func RecordCommand(opts RecordOptions, ep *Endpoints) ([]string, error) {
	var b CommandBuilder
	if opts.UseRR {
		b.SetWrapper("rr", "record")
	}
	b.SetBinary(opts.Qemu)
	b.SetFlag(opts.Disk)
	b.SetFlag("-loadvm", opts.Snapshot)
	b.AddUnixServer("-monitor", ep.Monitor)
	b.AddUnixServer("-serial", ep.Serial)
	b.SetVNC(opts.Display)
	return b.Build()
}
