package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"ideamic/internal/ports"
)

const (
	readBufferSize = 4096
	stopGrace      = 1200 * time.Millisecond
)

// pcmStream is a live capture process exposed as a single-track stream.
type pcmStream struct {
	id         string
	sampleRate int
	channels   int
	track      *pcmTrack
}

func (s *pcmStream) ID() string { return s.id }

func (s *pcmStream) Tracks() []ports.Track {
	return []ports.Track{s.track}
}

// pcmTrack fans the capture process output out to at most one attached sink.
// Output read while no sink is attached is dropped.
type pcmTrack struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error
	logger  *slog.Logger

	mu       sync.Mutex
	live     bool
	sink     func([]byte)
	sinkID   int
	nextSink int

	stopOnce sync.Once
	stopErr  error
}

func newPCMTrack(process *os.Process, stdout io.ReadCloser, stderr *bytes.Buffer, waitErr <-chan error, logger *slog.Logger) *pcmTrack {
	t := &pcmTrack{
		stdout:  stdout,
		stderr:  stderr,
		process: process,
		waitErr: waitErr,
		logger:  logger,
		live:    true,
	}
	go t.readLoop()
	return t
}

func (t *pcmTrack) Kind() string { return ports.TrackKindAudio }

func (t *pcmTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// attach replaces the current sink and returns a function that detaches it.
func (t *pcmTrack) attach(sink func([]byte)) func() {
	t.mu.Lock()
	t.nextSink++
	id := t.nextSink
	t.sink = sink
	t.sinkID = id
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		if t.sinkID == id {
			t.sink = nil
		}
		t.mu.Unlock()
	}
}

func (t *pcmTrack) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.stdout.Read(buf)
		if n > 0 {
			t.mu.Lock()
			sink := t.sink
			t.mu.Unlock()
			if sink != nil {
				sink(append([]byte(nil), buf[:n]...))
			}
		}
		if err != nil {
			t.mu.Lock()
			wasLive := t.live
			t.live = false
			t.mu.Unlock()
			if wasLive && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Warn("capture stream ended", slog.String("error", err.Error()))
			} else if wasLive {
				t.logger.Warn("capture process exited")
			}
			return
		}
	}
}

// Stop interrupts the capture process, killing it if it does not exit within
// the grace period.
func (t *pcmTrack) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.live = false
		t.sink = nil
		t.mu.Unlock()

		if t.process != nil {
			_ = t.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-t.waitErr:
			if ok {
				t.stopErr = normalizeStopErr(err)
			}
		case <-time.After(stopGrace):
			if t.process != nil {
				_ = t.process.Kill()
			}
			err, ok := <-t.waitErr
			if ok {
				t.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := t.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) && t.stopErr == nil {
			t.stopErr = closeErr
		}
		if t.stopErr != nil && t.stderr != nil && t.stderr.Len() > 0 {
			t.stopErr = fmt.Errorf("%w: %s", t.stopErr, trimOutput(t.stderr.String()))
		}
		if t.stopErr != nil {
			t.logger.Warn("capture process did not stop cleanly", slog.String("error", t.stopErr.Error()))
		}
	})
}

// An interrupted ffmpeg exits non-zero; that is the expected shutdown path.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func trimOutput(input string) string {
	if input == "" {
		return input
	}
	return string(bytes.TrimSpace([]byte(input)))
}
