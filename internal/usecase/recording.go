package usecase

import (
	"bytes"
	"context"
	"sync"
	"time"

	"ideamic/internal/domain"
	"ideamic/internal/ports"
)

type recording struct {
	id       string
	encoder  ports.Encoder
	mimeType string

	// Guarded by Recorder.mu.
	chunks    [][]byte
	elapsed   int
	cause     domain.StopCause
	discarded bool
	clock     *clockRun

	flushed   chan struct{}
	flushOnce sync.Once
	stopOnce  sync.Once

	done       chan struct{}
	finishOnce sync.Once
	result     *domain.FinalizedAudio
	err        error
}

type clockRun struct {
	ticker ports.Ticker
	quit   chan struct{}
}

func newRecording(id string, encoder ports.Encoder, mimeType string) *recording {
	return &recording{
		id:       id,
		encoder:  encoder,
		mimeType: mimeType,
		flushed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *recording) markFlushed() {
	r.flushOnce.Do(func() {
		close(r.flushed)
	})
}

func (r *recording) finish(result *domain.FinalizedAudio, err error) {
	r.finishOnce.Do(func() {
		r.result = result
		r.err = err
		close(r.done)
	})
}

// finalize must be called with Recorder.mu held.
func (r *recording) finalize() domain.FinalizedAudio {
	size := 0
	for _, chunk := range r.chunks {
		size += len(chunk)
	}
	var buf bytes.Buffer
	buf.Grow(size)
	for _, chunk := range r.chunks {
		buf.Write(chunk)
	}

	audio := domain.FinalizedAudio{
		ID:       r.id,
		Data:     buf.Bytes(),
		MIMEType: r.mimeType,
		Duration: time.Duration(r.elapsed) * time.Second,
		Chunks:   len(r.chunks),
		Cause:    r.cause,
	}
	r.chunks = nil
	return audio
}

func (r *recording) await(ctx context.Context) (*domain.FinalizedAudio, error) {
	select {
	case <-r.done:
		return r.result, r.err
	default:
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
