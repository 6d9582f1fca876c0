package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var commandContext = exec.CommandContext

// ExecMicrophone captures audio by running ffmpeg and reading Opus/WebM
// from its stdout.
type ExecMicrophone struct {
	binary string
	format string
	device string
}

// MicrophoneOption customizes an ExecMicrophone.
type MicrophoneOption func(*ExecMicrophone)

// WithBinary overrides the ffmpeg binary path.
func WithBinary(binary string) MicrophoneOption {
	return func(m *ExecMicrophone) {
		if binary != "" {
			m.binary = binary
		}
	}
}

// WithDevice overrides the input format and device.
func WithDevice(format, device string) MicrophoneOption {
	return func(m *ExecMicrophone) {
		if format != "" {
			m.format = format
		}
		if device != "" {
			m.device = device
		}
	}
}

// NewExecMicrophone returns a microphone backed by the platform's default
// capture device.
func NewExecMicrophone(opts ...MicrophoneOption) *ExecMicrophone {
	m := &ExecMicrophone{binary: "ffmpeg"}
	switch runtime.GOOS {
	case "darwin":
		m.format, m.device = "avfoundation", ":0"
	case "windows":
		m.format, m.device = "dshow", "audio=default"
	default:
		m.format, m.device = "pulse", "default"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Args returns the ffmpeg arguments used for capture.
func (m *ExecMicrophone) Args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", m.format, "-i", m.device,
		"-c:a", "libopus",
		"-f", "webm", "pipe:1",
	}
}

// Open starts the capture process and waits until it produces audio. A
// missing binary, a process that fails to start, or one that exits before
// writing anything (a denied or absent device) is reported as
// ErrMicrophoneUnavailable. A device that is slow to produce its first
// frame is given startupWait before Open returns anyway.
func (m *ExecMicrophone) Open(ctx context.Context) (io.ReadCloser, error) {
	cmd := commandContext(ctx, m.binary, m.Args()...) //nolint:gosec
	cmd.Cancel = func() error { return interrupt(cmd.Process) }
	cmd.WaitDelay = stopGrace
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrMicrophoneUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}

	s := &execStream{
		cmd:     cmd,
		stdout:  bufio.NewReaderSize(stdout, chunkSize),
		stderr:  stderr,
		peeked:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go func() {
		defer close(s.peeked)
		if _, err := s.stdout.Peek(1); err != nil {
			s.peekErr = err
		}
	}()

	timer := time.NewTimer(startupWait)
	defer timer.Stop()
	select {
	case <-s.peeked:
		if s.peekErr != nil {
			// No audio before stdout closed: the process is gone or going.
			_ = cmd.Wait()
			return nil, fmt.Errorf("%w: %s", ErrMicrophoneUnavailable, stderr.describe(cmd.ProcessState))
		}
	case <-ctx.Done():
		// cmd.Cancel interrupts the process; WaitDelay bounds the wait.
		_ = cmd.Wait()
		return nil, ctx.Err()
	case <-timer.C:
	}
	return s, nil
}

var (
	startupWait = 2 * time.Second
	stopGrace   = 3 * time.Second
)

const stderrTail = 512

// interrupt asks the recorder to finish the file. Platforms without
// SIGINT delivery fall back to killing the process.
func interrupt(p *os.Process) error {
	if err := p.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return p.Kill()
	}
	return nil
}

type execStream struct {
	cmd    *exec.Cmd
	stdout *bufio.Reader
	stderr *tailBuffer

	peeked  chan struct{}
	peekErr error

	stopping    atomic.Bool
	exitedEarly atomic.Bool
	drained     chan struct{}
	drainOnce   sync.Once

	once sync.Once
	err  error
}

func (s *execStream) Read(p []byte) (int, error) {
	<-s.peeked
	n, err := s.stdout.Read(p)
	if err != nil {
		if !s.stopping.Load() {
			s.exitedEarly.Store(true)
		}
		s.drainOnce.Do(func() { close(s.drained) })
		if s.stopping.Load() {
			return n, io.EOF
		}
	}
	return n, err
}

// Close interrupts the capture process so it can flush the final frames,
// waits for stdout to be read to EOF, and then reaps the process. A process
// that ignores the interrupt is killed after stopGrace.
func (s *execStream) Close() error {
	s.once.Do(func() {
		s.stopping.Store(true)
		if !s.exitedEarly.Load() {
			_ = interrupt(s.cmd.Process)
		}
		timer := time.NewTimer(stopGrace)
		defer timer.Stop()
		select {
		case <-s.drained:
		case <-timer.C:
			_ = s.cmd.Process.Kill()
		}
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			if s.exitedEarly.Load() {
				s.err = fmt.Errorf("%w: %s", ErrMicrophoneUnavailable, s.stderr.describe(s.cmd.ProcessState))
			}
		default:
			s.err = err
		}
	})
	return s.err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) describe(state *os.ProcessState) string {
	b.mu.Lock()
	msg := strings.TrimSpace(string(b.buf))
	b.mu.Unlock()
	status := "exited"
	if state != nil {
		status = state.String()
	}
	if msg == "" {
		return "recorder " + status
	}
	return "recorder " + status + ": " + msg
}
