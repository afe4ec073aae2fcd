package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ideamic/internal/domain"
)

type fakeController struct {
	events *terminalEvents

	deny     bool
	startErr error
	result   domain.StopResult

	stopCalls   int
	cancelCalls int
}

func (f *fakeController) RequestPermission(context.Context) bool {
	if f.deny {
		f.events.RecordingError(domain.ReasonPermissionDenied, domain.UserMessage(domain.ReasonPermissionDenied))
		return false
	}
	return true
}

func (f *fakeController) Start(context.Context) error {
	return f.startErr
}

func (f *fakeController) Stop(context.Context) (domain.StopResult, error) {
	f.stopCalls++
	return f.result, nil
}

func (f *fakeController) Cancel() {
	f.cancelCalls++
}

func TestRunRecordManualStopWritesFile(t *testing.T) {
	t.Parallel()

	events := newTerminalEvents(&bytes.Buffer{})
	controller := &fakeController{events: events, result: domain.StopResult{
		Audio: domain.FinalizedAudio{
			ID:       "rec-1",
			Data:     []byte("webm-bytes"),
			MIMEType: "audio/webm;codecs=opus",
			Duration: 4 * time.Second,
			Cause:    domain.StopCauseManual,
		},
		Capture: &domain.CaptureResult{RecordingID: "rec-1", Transcript: "call mum", Kind: domain.EntryTask},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(t.TempDir(), "out.webm")
	var out bytes.Buffer
	if err := runRecord(ctx, controller, events, recordOptions{output: path}, &out); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if controller.stopCalls != 1 {
		t.Fatalf("expected one stop, got %d", controller.stopCalls)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "webm-bytes" {
		t.Fatalf("unexpected file contents %q, %v", data, err)
	}
	if !strings.Contains(out.String(), "[task] call mum") || !strings.Contains(out.String(), "4s") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunRecordAutoStopWaitsForCapture(t *testing.T) {
	t.Parallel()

	events := newTerminalEvents(&bytes.Buffer{})
	controller := &fakeController{events: events}
	events.RecordingFinalized(domain.FinalizedAudio{ID: "rec-2", Data: []byte("x"), MIMEType: "audio/wav", Cause: domain.StopCauseDurationCap})
	events.CaptureProcessed(domain.CaptureResult{RecordingID: "rec-2", Transcript: "an idea", Kind: domain.EntryIdea})

	path := filepath.Join(t.TempDir(), "auto.wav")
	var out bytes.Buffer
	if err := runRecord(context.Background(), controller, events, recordOptions{output: path, transcribe: true}, &out); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	if controller.stopCalls != 0 {
		t.Fatalf("auto-stopped recording must not be stopped again")
	}
	if !strings.Contains(out.String(), "duration limit") || !strings.Contains(out.String(), "[idea] an idea") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunRecordAutoStopCaptureFailure(t *testing.T) {
	t.Parallel()

	events := newTerminalEvents(&bytes.Buffer{})
	events.RecordingFinalized(domain.FinalizedAudio{ID: "rec-3", Data: []byte("x"), MIMEType: "audio/wav", Cause: domain.StopCauseChunkCap})
	events.CaptureFailed("rec-3", "The recording was saved but could not be transcribed.")

	var out bytes.Buffer
	err := runRecord(context.Background(), &fakeController{events: events}, events,
		recordOptions{output: filepath.Join(t.TempDir(), "a.wav"), transcribe: true}, &out)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if !strings.Contains(out.String(), "size limit") || !strings.Contains(out.String(), "could not be transcribed") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunRecordPermissionDenied(t *testing.T) {
	t.Parallel()

	events := newTerminalEvents(&bytes.Buffer{})
	controller := &fakeController{events: events, deny: true}

	err := runRecord(context.Background(), controller, events, recordOptions{}, &bytes.Buffer{})
	if err == nil || err.Error() != domain.UserMessage(domain.ReasonPermissionDenied) {
		t.Fatalf("expected denied message, got %v", err)
	}
}

func TestRunRecordStartFailures(t *testing.T) {
	t.Parallel()

	events := newTerminalEvents(&bytes.Buffer{})
	events.RecordingError(domain.ReasonDeviceBusy, domain.UserMessage(domain.ReasonDeviceBusy))
	platform := domain.Wrap(errors.New("pulse: device busy"), domain.ReasonDeviceBusy)

	err := runRecord(context.Background(), &fakeController{events: events, startErr: platform}, events, recordOptions{}, &bytes.Buffer{})
	if err == nil || err.Error() != domain.UserMessage(domain.ReasonDeviceBusy) {
		t.Fatalf("expected user message, got %v", err)
	}

	plain := errors.New("a recording is already in progress")
	err = runRecord(context.Background(), &fakeController{events: newTerminalEvents(&bytes.Buffer{}), startErr: plain}, newTerminalEvents(&bytes.Buffer{}), recordOptions{}, &bytes.Buffer{})
	if !errors.Is(err, plain) {
		t.Fatalf("expected plain error, got %v", err)
	}
}

func TestRunRecordRuntimeFailureCancels(t *testing.T) {
	t.Parallel()

	events := newTerminalEvents(&bytes.Buffer{})
	controller := &fakeController{events: events}
	events.RecordingError(domain.ReasonEncoderRuntime, domain.UserMessage(domain.ReasonEncoderRuntime))

	err := runRecord(context.Background(), controller, events, recordOptions{}, &bytes.Buffer{})
	if err == nil || err.Error() != domain.UserMessage(domain.ReasonEncoderRuntime) {
		t.Fatalf("expected runtime failure, got %v", err)
	}
	if controller.cancelCalls != 1 {
		t.Fatalf("expected cancel, got %d", controller.cancelCalls)
	}
}

func TestTerminalEventsNeverBlock(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	events := newTerminalEvents(&out)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			events.RecordingFinalized(domain.FinalizedAudio{Cause: domain.StopCauseDurationCap})
			events.RecordingError(domain.ReasonUnknown, "x")
			events.CaptureProcessed(domain.CaptureResult{})
			events.CaptureFailed("", "y")
		}
		events.RecordingFinalized(domain.FinalizedAudio{Cause: domain.StopCauseManual})
		events.ElapsedChanged(65)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("event sink blocked")
	}
	if !strings.Contains(out.String(), "1:05") {
		t.Fatalf("expected elapsed output, got %q", out.String())
	}
}

func TestExtensionFor(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"audio/webm;codecs=opus": "webm",
		"audio/ogg;codecs=opus":  "ogg",
		"audio/mp4":              "m4a",
		"audio/wav":              "wav",
		"AUDIO/X-WAV":            "wav",
		"":                       "bin",
	}
	for mimeType, want := range cases {
		if got := extensionFor(mimeType); got != want {
			t.Fatalf("extensionFor(%q) = %q, want %q", mimeType, got, want)
		}
	}

	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := defaultOutputPath(domain.FinalizedAudio{MIMEType: "audio/mp4"}, now); got != "ideamic-20260304-050607.m4a" {
		t.Fatalf("unexpected default path: %q", got)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out.String() != "ideamic dev\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestFormatsCommandWithoutFFMPEG(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("IDEAMIC_CONFIG", "")
	t.Setenv("IDEAMIC_RULES_FILE", "")
	t.Setenv("IDEAMIC_DEFAULT_KIND", "")
	t.Setenv("IDEAMIC_PROMETHEUS_BIND", "")
	t.Setenv("IDEAMIC_MIME_PREFERENCES", "")
	t.Setenv("IDEAMIC_FFMPEG_COMMAND", filepath.Join(home, "missing-ffmpeg"))

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"formats"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("formats failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected header, three preferences and fallback, got %q", out.String())
	}
	for _, line := range lines[1:4] {
		if !strings.HasSuffix(line, "no") {
			t.Fatalf("expected unsupported format, got %q", line)
		}
	}
	if !strings.HasPrefix(lines[4], "audio/wav") || !strings.HasSuffix(lines[4], "fallback") {
		t.Fatalf("unexpected fallback line: %q", lines[4])
	}
}
