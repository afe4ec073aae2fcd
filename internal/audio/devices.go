package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ideamic/internal/ports"
)

const startupGrace = 250 * time.Millisecond

// DeviceConfig selects the ffmpeg binary and capture backend.
type DeviceConfig struct {
	Command     string
	InputFormat string
	InputDevice string
}

// FFMPEGDevices negotiates microphone streams by running a long-lived ffmpeg
// capture process that writes raw PCM to stdout.
type FFMPEGDevices struct {
	cfg    DeviceConfig
	logger *slog.Logger
}

func NewFFMPEGDevices(cfg DeviceConfig, logger *slog.Logger) *FFMPEGDevices {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	return &FFMPEGDevices{cfg: cfg, logger: logger.With(slog.String("component", "ffmpeg-capture"))}
}

// Supported reports whether the ffmpeg binary can be found.
func (d *FFMPEGDevices) Supported() bool {
	_, err := exec.LookPath(d.cfg.Command)
	return err == nil
}

// GetUserMedia starts the capture process. The process outlives ctx; ctx only
// bounds the startup check.
func (d *FFMPEGDevices) GetUserMedia(ctx context.Context, constraints ports.Constraints) (ports.Stream, error) {
	if constraints.SampleRate <= 0 {
		constraints.SampleRate = 44100
	}
	if constraints.Channels <= 0 {
		constraints.Channels = 1
	}
	device := constraints.DeviceID
	if device == "" {
		device = d.cfg.InputDevice
	}

	cmd := exec.Command(d.cfg.Command, captureArgs(d.cfg.InputFormat, device, constraints)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(fmt.Errorf("start ffmpeg: %w", err), "")
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	timer := time.NewTimer(startupGrace)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		detail := trimOutput(stderr.String())
		if err == nil {
			err = errors.New("ffmpeg exited before capture started")
		} else {
			err = fmt.Errorf("ffmpeg exited before capture started: %w", err)
		}
		return nil, classifyStartError(err, detail)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, ctx.Err()
	case <-timer.C:
	}

	id := uuid.NewString()
	d.logger.Info("capture process started",
		slog.String("stream_id", id),
		slog.String("input_format", d.cfg.InputFormat),
		slog.String("device", device),
	)
	track := newPCMTrack(cmd.Process, stdout, &stderr, waitErr, d.logger.With(slog.String("stream_id", id)))
	return &pcmStream{
		id:         id,
		sampleRate: constraints.SampleRate,
		channels:   constraints.Channels,
		track:      track,
	}, nil
}

func captureArgs(inputFormat, device string, constraints ports.Constraints) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", inputFormat,
		"-i", device,
	}
	// ffmpeg has no echo canceller; noise suppression maps to the FFT denoiser.
	if constraints.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	return append(args,
		"-ac", strconv.Itoa(constraints.Channels),
		"-ar", strconv.Itoa(constraints.SampleRate),
		"-f", "s16le",
		"-",
	)
}

var _ ports.MediaDevices = (*FFMPEGDevices)(nil)
