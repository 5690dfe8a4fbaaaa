package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// VNC displays map onto TCP ports starting at VNCBasePort
const (
	VNCBasePort = 5900
	VNCPortEnd  = 6000

	// Displays below FirstDisplay are left to interactive users
	FirstDisplay = 10
	LastDisplay  = 100
)

// ErrNoDisplay is returned when every display in [FirstDisplay, LastDisplay) is taken
var ErrNoDisplay = errors.New("no free VNC display")

// tcpListen is the st column value for LISTEN in /proc/net/tcp
const tcpListen = "0A"

// DefaultTables are the kernel socket tables scanned for listening ports
var DefaultTables = []string{"/proc/net/tcp", "/proc/net/tcp6"}

// Allocator picks a VNC display not used by any listening socket on the host
type Allocator struct {
	// Tables are /proc/net/tcp style files; missing files are skipped
	Tables []string
}

// NewAllocator returns an allocator over the host's socket tables
func NewAllocator() *Allocator {
	return &Allocator{Tables: DefaultTables}
}

// Allocate returns the lowest free display index
func (a *Allocator) Allocate() (int, error) {
	ports, err := a.ListeningPorts()
	if err != nil {
		return 0, err
	}
	return PickDisplay(ports)
}

// ListeningPorts returns the local ports of all listening TCP sockets
func (a *Allocator) ListeningPorts() ([]int, error) {
	seen := make(map[int]bool)
	for _, table := range a.Tables {
		f, err := os.Open(table)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read socket table: %w", err)
		}
		ports, err := ParseTCPTable(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", table, err)
		}
		for _, p := range ports {
			seen[p] = true
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// ParseTCPTable extracts listening local ports from /proc/net/tcp{,6} content.
//
// Format (after the header line):
//
//	sl  local_address rem_address   st ...
//	0: 0100007F:170C 00000000:0000 0A ...
func ParseTCPTable(r io.Reader) ([]int, error) {
	var ports []int
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != tcpListen {
			continue
		}
		idx := strings.LastIndexByte(fields[1], ':')
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseUint(fields[1][idx+1:], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("bad local address %q: %w", fields[1], err)
		}
		ports = append(ports, int(port))
	}
	return ports, scanner.Err()
}

// PickDisplay returns the lowest display in [FirstDisplay, LastDisplay) whose
// port is not among ports
func PickDisplay(ports []int) (int, error) {
	taken := make(map[int]bool)
	for _, p := range ports {
		if p >= VNCBasePort && p < VNCPortEnd {
			taken[p-VNCBasePort] = true
		}
	}
	for d := FirstDisplay; d < LastDisplay; d++ {
		if !taken[d] {
			return d, nil
		}
	}
	return 0, ErrNoDisplay
}
