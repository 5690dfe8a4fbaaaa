package emulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle position of a Session
type State int

const (
	StateCreated State = iota
	StateReady
	// StateUndefined follows an unmatched expect; the peer's position in its
	// output is unknown and the session must not be driven further.
	StateUndefined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateUndefined:
		return "undefined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome classifies the end of an Expect call
type Outcome int

const (
	Matched Outcome = iota
	TimedOut
	PeerClosed
)

// Result is what an Expect call observed. Text is the output preceding the
// match, or everything buffered so far when there was no match.
type Result struct {
	Outcome Outcome
	Text    string
}

var (
	// ErrTimeout is wrapped by every *TimeoutError
	ErrTimeout = errors.New("timed out waiting for output")

	// ErrClosed is returned once the peer has hung up or the session was closed
	ErrClosed = errors.New("channel closed")

	// ErrUnusable is returned by Send after an unmatched expect or Close
	ErrUnusable = errors.New("session is unusable")
)

// TimeoutError reports an expectation that was not met in time
type TimeoutError struct {
	Channel string
	Pattern string
	Timeout time.Duration
	Partial string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %q not seen within %s", e.Channel, e.Pattern, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// SessionConfig describes how a Session reports what it does
type SessionConfig struct {
	// Name identifies the channel in logs and errors
	Name string

	// Prompt prefixes commands echoed to Echo
	Prompt string

	// Log receives every byte read from the channel
	Log io.Writer

	// Echo receives sent commands and captured output; nil disables echoing
	Echo io.Writer

	Logger *zap.Logger
}

// Session is a line-oriented expect session over one channel. One command is
// outstanding at a time; callers serialize Send and Expect.
type Session struct {
	cfg    SessionConfig
	conn   io.ReadWriteCloser
	logger *zap.Logger

	mu      sync.Mutex
	buf     []byte
	readErr error
	state   State

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps conn and starts reading from it
func NewSession(conn io.ReadWriteCloser, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		cfg:    cfg,
		conn:   conn,
		logger: logger.With(zap.String("channel", cfg.Name)),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop is the only reader of conn. Matching happens against the buffer
// it fills, never against conn directly.
func (s *Session) readLoop() {
	defer close(s.done)

	chunk := make([]byte, 4096)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			if s.cfg.Log != nil {
				_, _ = s.cfg.Log.Write(chunk[:n])
			}
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
			s.wake()
		}
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.wake()
			return
		}
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Name returns the channel name
func (s *Session) Name() string {
	return s.cfg.Name
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send writes cmd followed by a newline and echoes it
func (s *Session) Send(cmd string) error {
	switch st := s.State(); st {
	case StateUndefined, StateClosed:
		return fmt.Errorf("%s: cannot send %q: %w (%s)", s.cfg.Name, cmd, ErrUnusable, st)
	}

	if s.cfg.Echo != nil {
		_, _ = fmt.Fprintf(s.cfg.Echo, "%s %s\n", s.cfg.Prompt, cmd)
	}
	return s.sendLine(cmd)
}

func (s *Session) sendLine(cmd string) error {
	s.logger.Debug("send", zap.String("cmd", cmd))
	if _, err := io.WriteString(s.conn, cmd+"\n"); err != nil {
		return fmt.Errorf("failed to send to %s: %w", s.cfg.Name, err)
	}
	return nil
}

// Expect blocks until pattern appears in the channel output, timeout elapses
// (timeout <= 0 waits forever) or ctx is done. On a match the output before
// the pattern is returned and both are consumed. Otherwise the buffered
// output is left in place and returned as partial text.
func (s *Session) Expect(ctx context.Context, pattern string, timeout time.Duration) (Result, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	want := []byte(pattern)

	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return Result{Outcome: PeerClosed}, fmt.Errorf("%s: %w", s.cfg.Name, ErrClosed)
		}
		if i := bytes.Index(s.buf, want); i >= 0 {
			before := string(s.buf[:i])
			s.buf = append([]byte(nil), s.buf[i+len(want):]...)
			s.state = StateReady
			s.mu.Unlock()
			return Result{Outcome: Matched, Text: before}, nil
		}
		partial := string(s.buf)
		readErr := s.readErr
		if readErr != nil {
			s.state = StateUndefined
		}
		s.mu.Unlock()

		if readErr != nil {
			s.logger.Warn("channel closed while waiting", zap.String("pattern", pattern), zap.String("partial", partial))
			if errors.Is(readErr, io.EOF) {
				readErr = ErrClosed
			}
			return Result{Outcome: PeerClosed, Text: partial}, fmt.Errorf("%s: waiting for %q: %w", s.cfg.Name, pattern, readErr)
		}

		select {
		case <-s.notify:
		case <-deadline:
			s.setState(StateUndefined)
			s.logger.Warn("expectation timed out", zap.String("pattern", pattern), zap.String("partial", partial))
			return Result{Outcome: TimedOut, Text: partial}, &TimeoutError{
				Channel: s.cfg.Name,
				Pattern: pattern,
				Timeout: timeout,
				Partial: partial,
			}
		case <-ctx.Done():
			s.setState(StateUndefined)
			return Result{Outcome: TimedOut, Text: partial}, ctx.Err()
		}
	}
}

// Run sends cmd, waits for pattern and returns the output with the echoed
// command line removed. The output is echoed as well.
func (s *Session) Run(ctx context.Context, cmd, pattern string, timeout time.Duration) (string, error) {
	if err := s.Send(cmd); err != nil {
		return "", err
	}
	res, err := s.Expect(ctx, pattern, timeout)
	if err != nil {
		if s.cfg.Echo != nil && res.Text != "" {
			_, _ = fmt.Fprintln(s.cfg.Echo, res.Text)
		}
		return res.Text, err
	}

	out := StripEcho(res.Text)
	if s.cfg.Echo != nil && out != "" {
		_, _ = fmt.Fprintln(s.cfg.Echo, strings.TrimRight(out, "\r\n"))
	}
	return out, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close closes the channel and waits for the reader to stop
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		err = s.conn.Close()
		<-s.done
	})
	return err
}

// StripEcho drops the first line of text, which is the peer echoing the command
func StripEcho(text string) string {
	i := strings.IndexByte(text, '\n')
	if i < 0 {
		return ""
	}
	return text[i+1:]
}
