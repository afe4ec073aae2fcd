package main

import (
	"fmt"
	"io"
	"sync"

	"ideamic/internal/domain"
)

// terminalEvents prints capture progress and forwards the events the record
// command waits on. Sends never block the recorder.
type terminalEvents struct {
	out io.Writer

	mu      sync.Mutex
	lastErr string

	autoStopped chan domain.FinalizedAudio
	captures    chan domain.CaptureResult
	captureErrs chan string
	failures    chan string
}

func newTerminalEvents(out io.Writer) *terminalEvents {
	return &terminalEvents{
		out:         out,
		autoStopped: make(chan domain.FinalizedAudio, 1),
		captures:    make(chan domain.CaptureResult, 1),
		captureErrs: make(chan string, 1),
		failures:    make(chan string, 1),
	}
}

func (e *terminalEvents) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}

func (e *terminalEvents) StateChanged(state domain.RecorderState, reason domain.StateReason) {
	switch reason {
	case domain.ReasonRecordingStarted:
		e.printf("Recording. Press Ctrl+C to stop.\n")
	case domain.ReasonFinalizing:
		e.printf("\nSaving recording...\n")
	case domain.ReasonRecordingCancelled:
		e.printf("\nRecording discarded.\n")
	}
}

func (e *terminalEvents) ElapsedChanged(seconds int) {
	e.printf("\r%s", formatElapsed(seconds))
}

func (e *terminalEvents) RecordingFinalized(audio domain.FinalizedAudio) {
	if audio.Cause == domain.StopCauseManual {
		return
	}
	select {
	case e.autoStopped <- audio:
	default:
	}
}

func (e *terminalEvents) RecordingError(_ domain.Reason, message string) {
	e.mu.Lock()
	e.lastErr = message
	e.mu.Unlock()
	select {
	case e.failures <- message:
	default:
	}
}

func (e *terminalEvents) PermissionChanged(state domain.PermissionState) {
	if state == domain.PermissionDenied {
		e.printf("Microphone access denied.\n")
	}
}

func (e *terminalEvents) CaptureProcessed(result domain.CaptureResult) {
	select {
	case e.captures <- result:
	default:
	}
}

func (e *terminalEvents) CaptureFailed(_ string, message string) {
	select {
	case e.captureErrs <- message:
	default:
	}
}

// lastError returns the most recent user-facing error message.
func (e *terminalEvents) lastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr == "" {
		return domain.UserMessage(domain.ReasonUnknown)
	}
	return e.lastErr
}

func formatElapsed(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
