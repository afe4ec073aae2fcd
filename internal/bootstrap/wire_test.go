package bootstrap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ideamic/internal/config"
	"ideamic/internal/domain"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"IDEAMIC_CONFIG", "IDEAMIC_RULES_FILE", "IDEAMIC_DEFAULT_KIND",
		"IDEAMIC_PROMETHEUS_BIND", "IDEAMIC_FFMPEG_COMMAND", "DEEPGRAM_API_KEY",
		"IDEAMIC_LOG_LEVEL", "IDEAMIC_LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
	return home
}

func missingFFMPEG(cfg *config.Config) {
	cfg.Audio.FFMPEGCommand = "/nonexistent/ffmpeg"
}

func TestBuildSuccess(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("DEEPGRAM_API_KEY", "test-key")

	var logs bytes.Buffer
	services, err := Build(noopEventSink{}, Options{
		ConfigPath: filepath.Join(home, "config.yaml"),
		LogWriter:  &logs,
		Configure:  missingFFMPEG,
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer func() {
		if err := services.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
	}()

	if services.Controller == nil || services.Logger == nil {
		t.Fatalf("expected controller and logger")
	}
	if services.Config.Audio.FFMPEGCommand != "/nonexistent/ffmpeg" {
		t.Fatalf("expected configure hook to apply, got %q", services.Config.Audio.FFMPEGCommand)
	}
	for _, format := range services.Controller.SupportedFormats() {
		if format.Supported {
			t.Fatalf("expected %s unsupported without ffmpeg", format.MIMEType)
		}
	}
	if !strings.Contains(logs.String(), "transcription=true") {
		t.Fatalf("expected transcription enabled in logs: %s", logs.String())
	}
}

func TestBuildWithoutAPIKeyDisablesTranscription(t *testing.T) {
	home := isolateEnv(t)

	var logs bytes.Buffer
	services, err := Build(noopEventSink{}, Options{
		ConfigPath: filepath.Join(home, "config.yaml"),
		LogWriter:  &logs,
		Configure:  missingFFMPEG,
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer func() { _ = services.Shutdown(context.Background()) }()

	if !strings.Contains(logs.String(), "transcription disabled") {
		t.Fatalf("expected warning about missing key: %s", logs.String())
	}
}

func TestBuildFailsOnInvalidRules(t *testing.T) {
	home := isolateEnv(t)
	rules := filepath.Join(home, "bad.rules")
	if err := os.WriteFile(rules, []byte("not a valid rule\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("IDEAMIC_RULES_FILE", rules)

	if _, err := Build(noopEventSink{}, Options{LogWriter: &bytes.Buffer{}}); err == nil {
		t.Fatalf("expected build error due to invalid rules")
	}
}

func TestBuildFailsOnUnknownDefaultKind(t *testing.T) {
	isolateEnv(t)
	t.Setenv("IDEAMIC_DEFAULT_KIND", "note")

	if _, err := Build(noopEventSink{}, Options{LogWriter: &bytes.Buffer{}}); err == nil {
		t.Fatalf("expected build error due to unknown default kind")
	}
}

func TestServicesShutdownZeroValue(t *testing.T) {
	t.Parallel()

	if err := (Services{}).Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type noopEventSink struct{}

func (noopEventSink) StateChanged(domain.RecorderState, domain.StateReason) {}
func (noopEventSink) ElapsedChanged(int)                                    {}
func (noopEventSink) RecordingFinalized(domain.FinalizedAudio)              {}
func (noopEventSink) RecordingError(domain.Reason, string)                  {}
func (noopEventSink) PermissionChanged(domain.PermissionState)              {}
func (noopEventSink) CaptureProcessed(domain.CaptureResult)                 {}
func (noopEventSink) CaptureFailed(string, string)                          {}
