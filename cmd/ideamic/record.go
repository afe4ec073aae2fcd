package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ideamic/internal/config"
	"ideamic/internal/domain"
)

const captureWait = 90 * time.Second

type recordOptions struct {
	output      string
	maxDuration time.Duration
	transcribe  bool
}

type captureController interface {
	RequestPermission(ctx context.Context) bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) (domain.StopResult, error)
	Cancel()
}

func newRecordCmd(root *rootOptions) *cobra.Command {
	opts := &recordOptions{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one capture until Ctrl+C or a cap is reached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := newTerminalEvents(cmd.ErrOrStderr())
			services, err := root.build(cmd, events, func(cfg *config.Config) {
				if opts.maxDuration > 0 {
					cfg.Recording.MaxDuration = opts.maxDuration
				}
				if !opts.transcribe {
					cfg.Deepgram.APIKey = ""
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = services.Shutdown(context.Background()) }()

			return runRecord(ctx, services.Controller, events, *opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "file to write the recording to (default ideamic-<time>.<ext>)")
	cmd.Flags().DurationVar(&opts.maxDuration, "max-duration", 0, "stop automatically after this long (default from config)")
	cmd.Flags().BoolVar(&opts.transcribe, "transcribe", false, "transcribe and classify the recording with Deepgram")
	return cmd
}

// runRecord records until ctx is cancelled or the recorder stops itself.
func runRecord(ctx context.Context, controller captureController, events *terminalEvents, opts recordOptions, out io.Writer) error {
	if !controller.RequestPermission(ctx) {
		return errors.New(events.lastError())
	}
	if err := controller.Start(ctx); err != nil {
		if domain.ReasonOf(err) == domain.ReasonUnknown {
			return err
		}
		return errors.New(events.lastError())
	}

	var result domain.StopResult
	select {
	case <-ctx.Done():
		stopped, err := controller.Stop(context.Background())
		if err != nil {
			return fmt.Errorf("stop recording: %w", err)
		}
		result = stopped
	case audio := <-events.autoStopped:
		result.Audio = audio
		if opts.transcribe {
			result = awaitCapture(ctx, events, result)
		}
	case message := <-events.failures:
		controller.Cancel()
		return errors.New(message)
	}

	path := opts.output
	if path == "" {
		path = defaultOutputPath(result.Audio, time.Now())
	}
	if err := os.WriteFile(path, result.Audio.Data, 0o600); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}

	fmt.Fprintf(out, "Saved %s (%s, %s, %s)\n",
		path, result.Audio.MIMEType, result.Audio.Duration.Round(time.Second), stopCauseLabel(result.Audio.Cause))
	switch {
	case result.Capture != nil:
		fmt.Fprintf(out, "[%s] %s\n", result.Capture.Kind, result.Capture.Transcript)
	case result.CaptureError != "":
		fmt.Fprintln(out, result.CaptureError)
	}
	return nil
}

// awaitCapture waits for the hand-off of an auto-stopped recording.
func awaitCapture(ctx context.Context, events *terminalEvents, result domain.StopResult) domain.StopResult {
	timer := time.NewTimer(captureWait)
	defer timer.Stop()
	select {
	case capture := <-events.captures:
		result.Capture = &capture
	case message := <-events.captureErrs:
		result.CaptureError = message
	case <-ctx.Done():
	case <-timer.C:
	}
	return result
}

func stopCauseLabel(cause domain.StopCause) string {
	switch cause {
	case domain.StopCauseDurationCap:
		return "stopped at the duration limit"
	case domain.StopCauseChunkCap:
		return "stopped at the size limit"
	default:
		return "stopped"
	}
}

func defaultOutputPath(audio domain.FinalizedAudio, now time.Time) string {
	return filepath.Clean(fmt.Sprintf("ideamic-%s.%s", now.Format("20060102-150405"), extensionFor(audio.MIMEType)))
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "audio/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4":
		return "m4a"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return "wav"
	default:
		return "bin"
	}
}
