package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ideamic/internal/domain"
	"ideamic/internal/ports"
)

// Config controls the capture subsystem.
type Config struct {
	DeviceID       string
	Recorder       RecorderConfig
	HandoffTimeout time.Duration
}

// FormatSupport reports whether an encoding is available on this platform.
type FormatSupport struct {
	MIMEType  string `json:"mimeType"`
	Supported bool   `json:"supported"`
}

// CaptureController is the UI-facing entry point: it owns the permission
// manager and the recorder and hands finalized audio downstream.
type CaptureController struct {
	permissions *PermissionManager
	recorder    *Recorder
	encoders    ports.EncoderFactory
	handoff     captureHandoff
	events      ports.EventSink
	logger      *slog.Logger
	cfg         Config

	unsubscribe func()
}

func NewCaptureController(
	devices ports.MediaDevices,
	encoders ports.EncoderFactory,
	clock ports.Clock,
	transcriber ports.Transcriber,
	classifier ports.Classifier,
	events ports.EventSink,
	telemetry ports.Telemetry,
	logger *slog.Logger,
	cfg Config,
) *CaptureController {
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 60 * time.Second
	}

	c := &CaptureController{
		permissions: NewPermissionManager(devices, telemetry, logger, cfg.DeviceID),
		encoders:    encoders,
		handoff:     newCaptureHandoff(transcriber, classifier, logger.With(slog.String("component", "handoff"))),
		events:      events,
		logger:      logger.With(slog.String("component", "capture-controller")),
		cfg:         cfg,
	}
	c.recorder = NewRecorder(c.permissions, encoders, clock, controllerEvents{c}, telemetry, logger, cfg.Recorder)
	c.unsubscribe = c.permissions.Subscribe(events.PermissionChanged)
	return c
}

// CheckPermission refreshes the permission state from the platform.
func (c *CaptureController) CheckPermission(ctx context.Context) domain.PermissionState {
	return c.permissions.CheckPermission(ctx)
}

// RequestPermission negotiates microphone access, reusing a live stream.
func (c *CaptureController) RequestPermission(ctx context.Context) bool {
	granted := c.permissions.RequestPermission(ctx)
	if !granted {
		reason := domain.ReasonOf(c.permissions.LastFailure())
		c.events.RecordingError(reason, domain.UserMessage(reason))
	}
	return granted
}

// RevokePermission drops the app's microphone stream. An active recording is
// cancelled first.
func (c *CaptureController) RevokePermission() {
	c.recorder.Cancel()
	c.permissions.RevokePermission()
}

func (c *CaptureController) Start(ctx context.Context) error {
	return c.recorder.Start(ctx)
}

func (c *CaptureController) Pause() error {
	return c.recorder.Pause()
}

func (c *CaptureController) Resume() error {
	return c.recorder.Resume()
}

// Stop finalizes the active recording and, when a transcriber is configured,
// hands it off. A hand-off failure does not discard the audio.
func (c *CaptureController) Stop(ctx context.Context) (domain.StopResult, error) {
	audio, err := c.recorder.Stop(ctx)
	if err != nil {
		return domain.StopResult{}, err
	}

	result := domain.StopResult{Audio: *audio}
	if audio.Cause != domain.StopCauseManual || !c.handoff.Enabled() {
		// Cap stops are handed off from the finalized event.
		return result, nil
	}

	handoffCtx, cancel := context.WithTimeout(ctx, c.cfg.HandoffTimeout)
	defer cancel()
	capture, err := c.handoff.Process(handoffCtx, *audio)
	if err != nil {
		c.logger.Warn("capture hand-off failed", slog.String("recording_id", audio.ID), slog.String("error", err.Error()))
		result.CaptureError = handoffMessage(err)
		return result, nil
	}
	result.Capture = &capture
	c.events.CaptureProcessed(capture)
	return result, nil
}

// Cancel discards the active recording.
func (c *CaptureController) Cancel() {
	c.recorder.Cancel()
}

// Status merges permission and recorder state.
func (c *CaptureController) Status() domain.Status {
	status := c.recorder.Status()
	status.Permission = c.permissions.State()
	status.HasPermission = c.permissions.HasPermission()
	return status
}

// SupportedFormats reports the preference list against the platform.
func (c *CaptureController) SupportedFormats() []FormatSupport {
	prefs := c.recorder.cfg.MIMEPreferences
	formats := make([]FormatSupport, 0, len(prefs))
	for _, mimeType := range prefs {
		formats = append(formats, FormatSupport{
			MIMEType:  mimeType,
			Supported: c.encoders != nil && c.encoders.IsTypeSupported(mimeType),
		})
	}
	return formats
}

// Close cancels any recording and releases the microphone.
func (c *CaptureController) Close() {
	c.recorder.Cancel()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.permissions.Close()
}

func (c *CaptureController) processAsync(audio domain.FinalizedAudio) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandoffTimeout)
	defer cancel()

	capture, err := c.handoff.Process(ctx, audio)
	if err != nil {
		c.logger.Warn("capture hand-off failed", slog.String("recording_id", audio.ID), slog.String("error", err.Error()))
		c.events.CaptureFailed(audio.ID, handoffMessage(err))
		return
	}
	c.events.CaptureProcessed(capture)
}

func handoffMessage(err error) string {
	if errors.Is(err, ErrNoTranscript) {
		return "No speech was detected in the recording."
	}
	return "The recording was saved but could not be transcribed."
}

type controllerEvents struct {
	c *CaptureController
}

func (e controllerEvents) StateChanged(state domain.RecorderState, reason domain.StateReason) {
	e.c.events.StateChanged(state, reason)
}

func (e controllerEvents) ElapsedChanged(seconds int) {
	e.c.events.ElapsedChanged(seconds)
}

func (e controllerEvents) RecordingError(reason domain.Reason, message string) {
	e.c.events.RecordingError(reason, message)
}

func (e controllerEvents) RecordingFinalized(audio domain.FinalizedAudio) {
	e.c.events.RecordingFinalized(audio)
	if audio.Cause != domain.StopCauseManual && e.c.handoff.Enabled() {
		go e.c.processAsync(audio)
	}
}
