package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ideamic/internal/domain"
	"ideamic/internal/ports"
)

var (
	ErrNoActiveRecording  = errors.New("no active recording")
	ErrRecordingActive    = errors.New("a recording is already in progress")
	ErrNotRecording       = errors.New("recording is not in progress")
	ErrNotPaused          = errors.New("recording is not paused")
	ErrRecordingCancelled = errors.New("recording cancelled")
)

const (
	DefaultMaxDuration  = 300 * time.Second
	DefaultMaxChunks    = 600
	DefaultTimeslice    = time.Second
	DefaultFlushTimeout = 5 * time.Second
)

// DefaultMIMEPreferences is tried in order; the platform default follows.
var DefaultMIMEPreferences = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	"audio/mp4",
}

// RecorderConfig bounds a recording.
type RecorderConfig struct {
	MaxDuration     time.Duration
	MaxChunks       int
	Timeslice       time.Duration
	FlushTimeout    time.Duration
	MIMEPreferences []string
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.MaxDuration < time.Second {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	if c.Timeslice <= 0 {
		c.Timeslice = DefaultTimeslice
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if len(c.MIMEPreferences) == 0 {
		c.MIMEPreferences = DefaultMIMEPreferences
	}
	return c
}

type streamSource interface {
	GetStream(ctx context.Context) (ports.Stream, error)
	Refresh(ctx context.Context) (ports.Stream, error)
}

// Recorder drives one recording at a time on top of the shared microphone
// stream. It attaches and detaches encoders but never stops stream tracks.
type Recorder struct {
	streams   streamSource
	encoders  ports.EncoderFactory
	clock     ports.Clock
	events    ports.RecorderEvents
	telemetry ports.Telemetry
	logger    *slog.Logger
	cfg       RecorderConfig

	// transition serializes user transitions across the state change and
	// the matching encoder call, so the clock and encoder never drift.
	transition sync.Mutex

	mu       sync.Mutex
	state    domain.RecorderState
	starting bool
	current  *recording
	lastErr  error
}

func NewRecorder(
	streams streamSource,
	encoders ports.EncoderFactory,
	clock ports.Clock,
	events ports.RecorderEvents,
	telemetry ports.Telemetry,
	logger *slog.Logger,
	cfg RecorderConfig,
) *Recorder {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Recorder{
		streams:   streams,
		encoders:  encoders,
		clock:     clock,
		events:    events,
		telemetry: telemetry,
		logger:    logger.With(slog.String("component", "recorder")),
		cfg:       cfg.withDefaults(),
		state:     domain.RecorderIdle,
	}
}

// Start begins a new recording. Only one recording may be active.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != domain.RecorderIdle || r.starting {
		r.mu.Unlock()
		return ErrRecordingActive
	}
	r.starting = true
	r.lastErr = nil
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
	}()

	if r.encoders == nil || !r.encoders.Supported() {
		return r.fail(ctx, domain.NewError(domain.ReasonCapabilityUnsupported, "audio encoder is not available"))
	}

	stream, err := r.streams.GetStream(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}
	if !hasLiveAudioTrack(stream) {
		r.logger.Info("stream has no live audio track, renegotiating", slog.String("stream_id", stream.ID()))
		stream, err = r.streams.Refresh(ctx)
		if err != nil {
			return r.fail(ctx, err)
		}
		if !hasLiveAudioTrack(stream) {
			return r.fail(ctx, domain.NewError(domain.ReasonNoDevice, "stream has no live audio track"))
		}
	}

	mimeType := r.selectMIMEType()
	encoder, err := r.encoders.NewEncoder(stream, mimeType)
	if err != nil {
		return r.fail(ctx, domain.Wrap(fmt.Errorf("create encoder: %w", err), domain.ReasonEncoderConstruction))
	}
	if negotiated := encoder.MIMEType(); negotiated != "" {
		mimeType = negotiated
	}

	rec := newRecording(uuid.NewString(), encoder, mimeType)

	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	r.current = rec
	r.state = domain.RecorderRecording
	r.mu.Unlock()

	err = encoder.Start(r.cfg.Timeslice, ports.EncoderCallbacks{
		OnData:  func(chunk []byte) { r.handleChunk(rec, chunk) },
		OnStop:  rec.markFlushed,
		OnError: func(err error) { r.handleEncoderError(rec, err) },
	})
	if err != nil {
		r.mu.Lock()
		if r.current == rec {
			r.current = nil
			r.state = domain.RecorderIdle
		}
		r.mu.Unlock()
		return r.fail(ctx, domain.Wrap(fmt.Errorf("start encoder: %w", err), domain.ReasonEncoderConstruction))
	}

	r.mu.Lock()
	started := r.current == rec && r.state == domain.RecorderRecording
	if started {
		r.startClock(rec)
	}
	r.mu.Unlock()
	if !started {
		// Torn down (encoder failure, cancel or cap) before the clock started.
		return r.Err()
	}

	r.logger.Info("recording started",
		slog.String("recording_id", rec.id),
		slog.String("stream_id", stream.ID()),
		slog.String("mime_type", mimeType),
	)
	r.telemetry.RecordingStarted(ctx, mimeType)
	r.events.StateChanged(domain.RecorderRecording, domain.ReasonRecordingStarted)
	return nil
}

// Pause freezes the clock and the encoder together.
func (r *Recorder) Pause() error {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	if r.state != domain.RecorderRecording {
		r.mu.Unlock()
		return ErrNotRecording
	}
	rec := r.current
	r.state = domain.RecorderPaused
	r.stopClock(rec)
	r.mu.Unlock()

	if err := rec.encoder.Pause(); err != nil {
		r.handleEncoderError(rec, fmt.Errorf("pause: %w", err))
		return r.Err()
	}
	if !r.holds(rec, domain.RecorderPaused) {
		return ErrNotRecording
	}
	r.events.StateChanged(domain.RecorderPaused, domain.ReasonRecordingPaused)
	return nil
}

// Resume restarts the clock and the encoder without resetting accumulated
// state.
func (r *Recorder) Resume() error {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	if r.state != domain.RecorderPaused {
		r.mu.Unlock()
		return ErrNotPaused
	}
	rec := r.current
	r.state = domain.RecorderRecording
	r.startClock(rec)
	r.mu.Unlock()

	if err := rec.encoder.Resume(); err != nil {
		r.handleEncoderError(rec, fmt.Errorf("resume: %w", err))
		return r.Err()
	}
	if !r.holds(rec, domain.RecorderRecording) {
		return ErrNotRecording
	}
	r.events.StateChanged(domain.RecorderRecording, domain.ReasonRecordingResumed)
	return nil
}

// holds reports whether rec is still the active recording in state.
func (r *Recorder) holds(rec *recording, state domain.RecorderState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current == rec && r.state == state
}

// Stop finalizes the active recording into one blob. If an automatic stop is
// already finalizing, Stop returns that result. The shared stream stays open.
func (r *Recorder) Stop(ctx context.Context) (*domain.FinalizedAudio, error) {
	r.transition.Lock()
	r.mu.Lock()
	rec := r.current
	if rec == nil {
		r.mu.Unlock()
		r.transition.Unlock()
		return nil, ErrNoActiveRecording
	}
	if r.state == domain.RecorderFinalizing {
		r.mu.Unlock()
		r.transition.Unlock()
		return rec.await(ctx)
	}
	r.beginFinalize(rec, domain.StopCauseManual)
	r.mu.Unlock()
	r.transition.Unlock()

	r.events.StateChanged(domain.RecorderFinalizing, domain.ReasonFinalizing)
	r.stopEncoder(rec)
	r.completeFinalize(ctx, rec)
	return rec.await(ctx)
}

// Cancel discards the active recording. It is a no-op when idle or when a
// stop is already finalizing.
func (r *Recorder) Cancel() {
	r.transition.Lock()
	defer r.transition.Unlock()

	r.mu.Lock()
	rec := r.current
	if rec == nil || !r.state.Active() {
		r.mu.Unlock()
		return
	}
	rec.discarded = true
	rec.chunks = nil
	r.stopClock(rec)
	r.current = nil
	r.state = domain.RecorderIdle
	rec.finish(nil, ErrRecordingCancelled)
	r.mu.Unlock()

	r.stopEncoder(rec)
	r.logger.Info("recording cancelled", slog.String("recording_id", rec.id))
	r.telemetry.RecordingCancelled(context.Background())
	r.events.StateChanged(domain.RecorderIdle, domain.ReasonRecordingCancelled)
}

// Status returns a snapshot of the recorder. Permission fields are left for
// the caller to fill.
func (r *Recorder) Status() domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := domain.Status{
		State:       r.state,
		IsRecording: r.state.Active(),
		IsPaused:    r.state == domain.RecorderPaused,
	}
	if r.current != nil {
		status.ElapsedSeconds = r.current.elapsed
		status.MIMEType = r.current.mimeType
	}
	if r.lastErr != nil {
		reason := domain.ReasonOf(r.lastErr)
		status.ErrorReason = reason
		status.Error = domain.UserMessage(reason)
	}
	return status
}

// Err returns the last recording error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Recorder) selectMIMEType() string {
	for _, candidate := range r.cfg.MIMEPreferences {
		if r.encoders.IsTypeSupported(candidate) {
			return candidate
		}
	}
	return ""
}

func (r *Recorder) handleChunk(rec *recording, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	r.mu.Lock()
	if r.current != rec || rec.discarded || len(rec.chunks) >= r.cfg.MaxChunks {
		r.mu.Unlock()
		return
	}
	rec.chunks = append(rec.chunks, append([]byte(nil), chunk...))
	capped := len(rec.chunks) >= r.cfg.MaxChunks && r.state.Active()
	if capped {
		r.beginFinalize(rec, domain.StopCauseChunkCap)
	}
	r.mu.Unlock()

	if capped {
		r.autoStop(rec)
	}
}

func (r *Recorder) handleTick(rec *recording, run *clockRun) {
	r.mu.Lock()
	if r.current != rec || rec.clock != run || r.state != domain.RecorderRecording {
		r.mu.Unlock()
		return
	}
	rec.elapsed++
	elapsed := rec.elapsed
	capped := time.Duration(elapsed)*time.Second >= r.cfg.MaxDuration
	if capped {
		r.beginFinalize(rec, domain.StopCauseDurationCap)
	}
	r.mu.Unlock()

	r.events.ElapsedChanged(elapsed)
	if capped {
		r.autoStop(rec)
	}
}

func (r *Recorder) handleEncoderError(rec *recording, cause error) {
	r.mu.Lock()
	if r.current != rec {
		r.mu.Unlock()
		return
	}
	err := domain.Wrap(fmt.Errorf("encoder failed: %w", cause), domain.ReasonEncoderRuntime)
	rec.discarded = true
	rec.chunks = nil
	r.stopClock(rec)
	r.current = nil
	r.state = domain.RecorderIdle
	r.lastErr = err
	rec.finish(nil, err)
	r.mu.Unlock()

	rec.markFlushed()
	r.stopEncoder(rec)

	reason := domain.ReasonOf(err)
	r.logger.Error("recording aborted",
		slog.String("recording_id", rec.id),
		slog.String("reason", string(reason)),
		slog.String("error", cause.Error()),
	)
	r.telemetry.RecordingFailed(context.Background(), reason)
	r.events.StateChanged(domain.RecorderIdle, domain.ReasonRecordingFailed)
	r.events.RecordingError(reason, domain.UserMessage(reason))
}

// beginFinalize must be called with r.mu held.
func (r *Recorder) beginFinalize(rec *recording, cause domain.StopCause) {
	r.state = domain.RecorderFinalizing
	rec.cause = cause
	r.stopClock(rec)
}

// autoStop runs on the callback that detected a cap. The encoder is stopped
// before returning so no further cap can fire; the flush wait happens
// elsewhere because the flush may be delivered on this same goroutine.
func (r *Recorder) autoStop(rec *recording) {
	r.logger.Info("recording cap reached", slog.String("recording_id", rec.id), slog.String("cause", string(rec.cause)))
	r.events.StateChanged(domain.RecorderFinalizing, domain.ReasonFinalizing)
	r.stopEncoder(rec)
	go r.completeFinalize(context.Background(), rec)
}

func (r *Recorder) completeFinalize(ctx context.Context, rec *recording) {
	timer := time.NewTimer(r.cfg.FlushTimeout)
	select {
	case <-rec.flushed:
	case <-timer.C:
		r.logger.Warn("encoder flush timed out", slog.String("recording_id", rec.id))
	case <-ctx.Done():
		r.logger.Warn("encoder flush abandoned", slog.String("recording_id", rec.id), slog.String("error", ctx.Err().Error()))
	}
	timer.Stop()

	r.mu.Lock()
	if r.current != rec {
		r.mu.Unlock()
		return
	}
	audio := rec.finalize()
	r.current = nil
	r.state = domain.RecorderIdle
	rec.finish(&audio, nil)
	r.mu.Unlock()

	r.logger.Info("recording finalized",
		slog.String("recording_id", audio.ID),
		slog.String("cause", string(audio.Cause)),
		slog.Int("bytes", audio.Size()),
		slog.Int("chunks", audio.Chunks),
	)
	r.telemetry.RecordingFinalized(context.Background(), audio.Cause, audio.Duration)
	r.events.StateChanged(domain.RecorderIdle, domain.ReasonRecordingFinalized)
	r.events.RecordingFinalized(audio)
}

func (r *Recorder) stopEncoder(rec *recording) {
	rec.stopOnce.Do(func() {
		if err := rec.encoder.Stop(); err != nil {
			r.logger.Warn("encoder stop failed", slog.String("recording_id", rec.id), slog.String("error", err.Error()))
		}
	})
}

func (r *Recorder) fail(ctx context.Context, err error) error {
	reason := domain.ReasonOf(err)

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	r.logger.Warn("recording could not start", slog.String("reason", string(reason)), slog.String("error", err.Error()))
	r.telemetry.RecordingFailed(ctx, reason)
	r.events.RecordingError(reason, domain.UserMessage(reason))
	return err
}

// startClock must be called with r.mu held.
func (r *Recorder) startClock(rec *recording) {
	run := &clockRun{ticker: r.clock.NewTicker(time.Second), quit: make(chan struct{})}
	rec.clock = run
	go r.runClock(rec, run)
}

// stopClock must be called with r.mu held.
func (r *Recorder) stopClock(rec *recording) {
	if rec.clock == nil {
		return
	}
	rec.clock.ticker.Stop()
	close(rec.clock.quit)
	rec.clock = nil
}

func (r *Recorder) runClock(rec *recording, run *clockRun) {
	for {
		select {
		case <-run.quit:
			return
		case <-run.ticker.C():
			r.handleTick(rec, run)
		}
	}
}
