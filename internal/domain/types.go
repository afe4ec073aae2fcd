package domain

import "time"

// PermissionState models the microphone permission lifecycle.
type PermissionState string

const (
	PermissionChecking PermissionState = "checking"
	PermissionPrompt   PermissionState = "prompt"
	PermissionGranted  PermissionState = "granted"
	PermissionDenied   PermissionState = "denied"
)

// RecorderState models the recording lifecycle.
type RecorderState string

const (
	RecorderIdle       RecorderState = "idle"
	RecorderRecording  RecorderState = "recording"
	RecorderPaused     RecorderState = "paused"
	RecorderFinalizing RecorderState = "finalizing"
)

// Active reports whether an encoder is attached in this state.
func (s RecorderState) Active() bool {
	return s == RecorderRecording || s == RecorderPaused
}

// StopCause records why a recording was finalized. Caps are controlled
// outcomes, not failures.
type StopCause string

const (
	StopCauseManual      StopCause = "manual"
	StopCauseDurationCap StopCause = "duration_cap"
	StopCauseChunkCap    StopCause = "chunk_cap"
)

// StateReason provides a structured reason for recorder state transitions.
type StateReason string

const (
	ReasonRecordingStarted   StateReason = "recording_started"
	ReasonRecordingPaused    StateReason = "recording_paused"
	ReasonRecordingResumed   StateReason = "recording_resumed"
	ReasonFinalizing         StateReason = "finalizing"
	ReasonRecordingFinalized StateReason = "recording_finalized"
	ReasonRecordingCancelled StateReason = "recording_cancelled"
	ReasonRecordingFailed    StateReason = "recording_failed"
)

// FinalizedAudio is the single blob produced when a recording stops.
type FinalizedAudio struct {
	ID       string        `json:"id"`
	Data     []byte        `json:"data"`
	MIMEType string        `json:"mimeType"`
	Duration time.Duration `json:"duration"`
	Chunks   int           `json:"chunks"`
	Cause    StopCause     `json:"cause"`
}

// Size returns the blob length in bytes.
func (a FinalizedAudio) Size() int {
	return len(a.Data)
}

// EntryKind is the destination bucket for captured content.
type EntryKind string

const (
	EntryIdea    EntryKind = "idea"
	EntryTask    EntryKind = "task"
	EntryDiary   EntryKind = "diary"
	EntryContact EntryKind = "contact"
)

// ParseEntryKind accepts the canonical names only.
func ParseEntryKind(value string) (EntryKind, bool) {
	switch EntryKind(value) {
	case EntryIdea, EntryTask, EntryDiary, EntryContact:
		return EntryKind(value), true
	default:
		return "", false
	}
}

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent represents incremental transcription output from a provider.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}

// CaptureResult is what the hand-off pipeline produces for one recording.
type CaptureResult struct {
	RecordingID string    `json:"recordingId"`
	Transcript  string    `json:"transcript"`
	Kind        EntryKind `json:"kind"`
}

// Status summarizes the capture subsystem for the UI.
type Status struct {
	Permission     PermissionState `json:"permission"`
	HasPermission  bool            `json:"hasPermission"`
	State          RecorderState   `json:"state"`
	IsRecording    bool            `json:"isRecording"`
	IsPaused       bool            `json:"isPaused"`
	ElapsedSeconds int             `json:"elapsedSeconds"`
	MIMEType       string          `json:"mimeType,omitempty"`
	ErrorReason    Reason          `json:"errorReason,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// StopResult is returned once a recording is stopped and handed off.
type StopResult struct {
	Audio        FinalizedAudio `json:"audio"`
	Capture      *CaptureResult `json:"capture,omitempty"`
	CaptureError string         `json:"captureError,omitempty"`
}
