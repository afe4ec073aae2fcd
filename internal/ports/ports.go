package ports

import (
	"context"
	"errors"
	"time"

	"ideamic/internal/domain"
)

// ErrPermissionQueryUnsupported is returned by platforms without a permission
// subsystem.
var ErrPermissionQueryUnsupported = errors.New("permission query is not supported")

// Constraints describes how the microphone stream should be negotiated.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	Channels         int
	DeviceID         string
}

// TrackKindAudio is the kind reported by microphone tracks.
const TrackKindAudio = "audio"

// Track is one input feed of a stream.
type Track interface {
	Kind() string
	Live() bool
	Stop()
}

// Stream is a live handle to an input device.
type Stream interface {
	ID() string
	Tracks() []Track
}

// MediaDevices negotiates input streams with the platform.
type MediaDevices interface {
	Supported() bool
	GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error)
}

// PermissionQuerier is implemented by platforms that can report the
// microphone permission without prompting.
type PermissionQuerier interface {
	QueryPermission(ctx context.Context) (domain.PermissionState, error)
}

// PermissionWatcher is implemented by platforms that publish out-of-band
// permission changes.
type PermissionWatcher interface {
	WatchPermission(handler func(domain.PermissionState)) (unsubscribe func(), err error)
}

// EncoderCallbacks receive encoder output. OnStop fires once, after the final
// OnData of a stopped encoder.
type EncoderCallbacks struct {
	OnData  func(chunk []byte)
	OnStop  func()
	OnError func(err error)
}

// Encoder converts a live stream into compressed chunks on a timeslice.
type Encoder interface {
	MIMEType() string
	Start(timeslice time.Duration, callbacks EncoderCallbacks) error
	Pause() error
	Resume() error
	Stop() error
}

// EncoderFactory creates encoders attached to a stream.
type EncoderFactory interface {
	Supported() bool
	IsTypeSupported(mimeType string) bool
	NewEncoder(stream Stream, mimeType string) (Encoder, error)
}

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock creates tickers.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

// RecorderEvents emits recorder state to the UI.
type RecorderEvents interface {
	StateChanged(state domain.RecorderState, reason domain.StateReason)
	ElapsedChanged(seconds int)
	RecordingFinalized(audio domain.FinalizedAudio)
	RecordingError(reason domain.Reason, message string)
}

// Telemetry records capture outcomes. Cap stops are reported as finalized
// recordings with their cause, never as errors.
type Telemetry interface {
	PermissionRequested(ctx context.Context, state domain.PermissionState)
	RecordingStarted(ctx context.Context, mimeType string)
	RecordingFinalized(ctx context.Context, cause domain.StopCause, duration time.Duration)
	RecordingCancelled(ctx context.Context)
	RecordingFailed(ctx context.Context, reason domain.Reason)
}

// Transcriber turns a finalized recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio domain.FinalizedAudio) (string, error)
}

// Classifier routes transcript text to an entry kind.
type Classifier interface {
	Classify(text string) (domain.EntryKind, error)
}

// EventSink emits capture state to the UI.
type EventSink interface {
	RecorderEvents
	PermissionChanged(state domain.PermissionState)
	CaptureProcessed(result domain.CaptureResult)
	CaptureFailed(recordingID string, message string)
}
