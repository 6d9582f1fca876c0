// Package capture records voice summaries from a microphone.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"bookbuddy/pkg/domain"
)

// AudioContentType tags every finalized recording.
const AudioContentType = "audio/webm"

const chunkSize = 32 << 10

var (
	// ErrMicrophoneUnavailable surfaces a denied or missing capture device.
	ErrMicrophoneUnavailable = errors.New("cannot access microphone")
	// ErrNotRecording is returned by Stop while idle.
	ErrNotRecording = errors.New("not recording")
)

// Microphone opens an exclusive audio stream. Closing the stream releases
// the device.
type Microphone interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// State of a Recorder.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// Recorder is a two-state (Idle, Recording) machine that buffers audio
// chunks and emits one finalized clip per session.
type Recorder struct {
	mic        Microphone
	onComplete func(domain.Blob)

	mu      sync.Mutex
	state   State
	stream  io.ReadCloser
	chunks  [][]byte
	readErr error
	done    chan struct{}
}

// NewRecorder builds a recorder. onComplete, when set, receives each
// finalized clip exactly once.
func NewRecorder(mic Microphone, onComplete func(domain.Blob)) *Recorder {
	return &Recorder{mic: mic, onComplete: onComplete}
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start acquires the microphone and begins buffering. Starting while a
// session is active is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Recording {
		return nil
	}
	if r.mic == nil {
		return ErrMicrophoneUnavailable
	}
	stream, err := r.mic.Open(ctx)
	if err != nil {
		if errors.Is(err, ErrMicrophoneUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
	}
	r.state = Recording
	r.stream = stream
	r.chunks = nil
	r.readErr = nil
	r.done = make(chan struct{})
	go r.buffer(stream, r.done)
	return nil
}

func (r *Recorder) buffer(stream io.Reader, done chan<- struct{}) {
	defer close(done)
	for {
		buf := make([]byte, chunkSize)
		n, err := stream.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.chunks = append(r.chunks, buf[:n])
			r.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.mu.Lock()
				r.readErr = err
				r.mu.Unlock()
			}
			return
		}
	}
}

// Stop ends the session: it releases the microphone, waits for the last
// chunk, and returns the concatenated clip. The device is released on every
// path out of Recording, including a failed read.
func (r *Recorder) Stop() (domain.Blob, error) {
	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return domain.Blob{}, ErrNotRecording
	}
	stream, done := r.stream, r.done
	r.mu.Unlock()

	closeErr := stream.Close()
	<-done

	r.mu.Lock()
	clip := domain.Blob{Data: bytes.Join(r.chunks, nil), ContentType: AudioContentType}
	readErr := r.readErr
	r.state = Idle
	r.stream = nil
	r.chunks = nil
	r.done = nil
	r.mu.Unlock()

	if readErr != nil && !isClosedRead(readErr) {
		return domain.Blob{}, fmt.Errorf("read microphone: %w", readErr)
	}
	if closeErr != nil && len(clip.Data) == 0 {
		if errors.Is(closeErr, ErrMicrophoneUnavailable) {
			return domain.Blob{}, closeErr
		}
		return domain.Blob{}, fmt.Errorf("release microphone: %w", closeErr)
	}
	if r.onComplete != nil {
		r.onComplete(clip)
	}
	return clip, nil
}

// Toggle starts when idle and stops when recording. The clip is non-nil
// only when a session ended.
func (r *Recorder) Toggle(ctx context.Context) (*domain.Blob, error) {
	if r.State() == Idle {
		return nil, r.Start(ctx)
	}
	clip, err := r.Stop()
	if err != nil {
		return nil, err
	}
	return &clip, nil
}

func isClosedRead(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}
