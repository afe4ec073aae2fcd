package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"

	"ideamic/internal/audio"
	"ideamic/internal/config"
	"ideamic/internal/domain"
	"ideamic/internal/logging"
	"ideamic/internal/ports"
	"ideamic/internal/providers/deepgram"
	"ideamic/internal/rules"
	"ideamic/internal/telemetry"
	"ideamic/internal/usecase"
)

// Options adjusts how the runtime graph is assembled.
type Options struct {
	// ConfigPath overrides the config file lookup when set.
	ConfigPath string
	// LogWriter receives log output. Defaults to stderr.
	LogWriter io.Writer
	// Configure may adjust the loaded config before anything is built.
	Configure func(*config.Config)
}

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.CaptureController
	Config     config.Config
	Logger     *slog.Logger

	telemetry *telemetry.Runtime
}

// Build wires all backend dependencies for the current runtime.
func Build(events ports.EventSink, opts Options) (Services, error) {
	var (
		cfg config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return Services{}, err
	}
	if opts.Configure != nil {
		opts.Configure(&cfg)
	}

	writer := opts.LogWriter
	if writer == nil {
		writer = os.Stderr
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, writer)

	classifier, err := rules.NewEngine(cfg.Rules.Path, domain.EntryKind(cfg.Rules.DefaultKind))
	if err != nil {
		return Services{}, err
	}

	rt, err := telemetry.Setup(cfg.Telemetry, logger)
	if err != nil {
		return Services{}, err
	}

	// Without an API key recordings are still captured, just not transcribed.
	var transcriber ports.Transcriber
	if cfg.Deepgram.APIKey != "" {
		transcriber = deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
		}, logger)
	} else {
		logger.Info("DEEPGRAM_API_KEY is not configured; transcription disabled")
	}

	controller := usecase.NewCaptureController(
		audio.NewFFMPEGDevices(audio.DeviceConfig{
			Command:     cfg.Audio.FFMPEGCommand,
			InputFormat: cfg.Audio.InputFormat,
			InputDevice: cfg.Audio.InputDevice,
		}, logger),
		audio.NewFFMPEGEncoders(cfg.Audio.FFMPEGCommand, logger),
		usecase.SystemClock{},
		transcriber,
		classifier,
		events,
		rt.Metrics,
		logger,
		usecase.Config{
			DeviceID: cfg.Audio.InputDevice,
			Recorder: usecase.RecorderConfig{
				MaxDuration:     cfg.Recording.MaxDuration,
				MaxChunks:       cfg.Recording.MaxChunks,
				Timeslice:       cfg.Recording.Timeslice,
				FlushTimeout:    cfg.Recording.FlushTimeout,
				MIMEPreferences: cfg.Recording.MIMEPreferences,
			},
		},
	)

	logging.Component(logger, "bootstrap").Info("capture services ready",
		slog.Int("rules", classifier.Len()),
		slog.Bool("transcription", transcriber != nil),
		slog.String("input_format", cfg.Audio.InputFormat),
	)

	return Services{
		Controller: controller,
		Config:     cfg,
		Logger:     logger,
		telemetry:  rt,
	}, nil
}

// Shutdown closes the controller and flushes telemetry.
func (s Services) Shutdown(ctx context.Context) error {
	if s.Controller != nil {
		s.Controller.Close()
	}
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.Shutdown(ctx)
}
