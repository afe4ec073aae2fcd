package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ideamic/internal/domain"
	"ideamic/internal/ports"
)

var ErrNoTranscript = errors.New("no transcript captured")

// captureHandoff passes finalized audio to the transcription and
// classification collaborators.
type captureHandoff struct {
	transcriber ports.Transcriber
	classifier  ports.Classifier
	logger      *slog.Logger
}

func newCaptureHandoff(transcriber ports.Transcriber, classifier ports.Classifier, logger *slog.Logger) captureHandoff {
	return captureHandoff{transcriber: transcriber, classifier: classifier, logger: logger}
}

func (h captureHandoff) Enabled() bool {
	return h.transcriber != nil
}

func (h captureHandoff) Process(ctx context.Context, audio domain.FinalizedAudio) (domain.CaptureResult, error) {
	if audio.Size() == 0 {
		return domain.CaptureResult{}, ErrNoTranscript
	}

	raw, err := h.transcriber.Transcribe(ctx, audio)
	if err != nil {
		return domain.CaptureResult{}, fmt.Errorf("transcribe recording %s: %w", audio.ID, err)
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return domain.CaptureResult{}, ErrNoTranscript
	}

	kind := domain.EntryIdea
	if h.classifier != nil {
		classified, err := h.classifier.Classify(text)
		if err != nil {
			h.logger.Warn("classification failed, filing as idea",
				slog.String("recording_id", audio.ID),
				slog.String("error", err.Error()),
			)
		} else {
			kind = classified
		}
	}

	return domain.CaptureResult{RecordingID: audio.ID, Transcript: text, Kind: kind}, nil
}
