package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config stores runtime configuration for the capture subsystem.
type Config struct {
	Audio     AudioConfig     `mapstructure:"audio"`
	Recording RecordingConfig `mapstructure:"recording"`
	Deepgram  DeepgramConfig  `mapstructure:"deepgram"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type AudioConfig struct {
	FFMPEGCommand string `mapstructure:"ffmpeg_command"`
	InputFormat   string `mapstructure:"input_format"`
	InputDevice   string `mapstructure:"input_device"`
}

type RecordingConfig struct {
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	MaxChunks       int           `mapstructure:"max_chunks"`
	Timeslice       time.Duration `mapstructure:"timeslice"`
	FlushTimeout    time.Duration `mapstructure:"flush_timeout"`
	MIMEPreferences []string      `mapstructure:"mime_preferences"`
}

type DeepgramConfig struct {
	APIKey      string `mapstructure:"api_key"`
	APIBaseURL  string `mapstructure:"api_base"`
	Model       string `mapstructure:"model"`
	Language    string `mapstructure:"language"`
	SmartFormat bool   `mapstructure:"smart_format"`
}

type RulesConfig struct {
	Path        string `mapstructure:"path"`
	DefaultKind string `mapstructure:"default_kind"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	PrometheusBind string `mapstructure:"prometheus_bind"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Audio: AudioConfig{
			FFMPEGCommand: "ffmpeg",
			InputFormat:   "pulse",
			InputDevice:   "default",
		},
		Recording: RecordingConfig{
			MaxDuration:  300 * time.Second,
			MaxChunks:    600,
			Timeslice:    time.Second,
			FlushTimeout: 5 * time.Second,
			MIMEPreferences: []string{
				"audio/webm;codecs=opus",
				"audio/ogg;codecs=opus",
				"audio/mp4",
			},
		},
		Deepgram: DeepgramConfig{
			APIBaseURL:  "https://api.deepgram.com/v1",
			Model:       "nova-2",
			SmartFormat: true,
		},
		Rules: RulesConfig{
			DefaultKind: "idea",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// environment variables bound to each key. The first non-empty one wins.
var envBindings = map[string][]string{
	"audio.ffmpeg_command":       {"IDEAMIC_FFMPEG_COMMAND"},
	"audio.input_format":         {"IDEAMIC_AUDIO_INPUT_FORMAT"},
	"audio.input_device":         {"IDEAMIC_AUDIO_INPUT_DEVICE", "DEEPGRAM_PULSE_SOURCE"},
	"recording.max_duration":     {"IDEAMIC_MAX_DURATION"},
	"recording.max_chunks":       {"IDEAMIC_MAX_CHUNKS"},
	"recording.timeslice":        {"IDEAMIC_TIMESLICE"},
	"recording.flush_timeout":    {"IDEAMIC_FLUSH_TIMEOUT"},
	"recording.mime_preferences": {"IDEAMIC_MIME_PREFERENCES"},
	"deepgram.api_key":           {"DEEPGRAM_API_KEY"},
	"deepgram.api_base":          {"DEEPGRAM_API_BASE"},
	"deepgram.model":             {"DEEPGRAM_MODEL"},
	"deepgram.language":          {"DEEPGRAM_LANGUAGE"},
	"deepgram.smart_format":      {"DEEPGRAM_SMART_FORMAT"},
	"rules.path":                 {"IDEAMIC_RULES_FILE"},
	"rules.default_kind":         {"IDEAMIC_DEFAULT_KIND"},
	"log.level":                  {"IDEAMIC_LOG_LEVEL"},
	"log.format":                 {"IDEAMIC_LOG_FORMAT"},
	"telemetry.prometheus_bind":  {"IDEAMIC_PROMETHEUS_BIND"},
}

// Load resolves configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. Invalid numeric, duration and boolean
// values fall back to their defaults.
func Load() (Config, error) {
	path, err := configPath()
	if err != nil {
		return Config{}, err
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit config file. A missing file is ignored.
func LoadFile(path string) (Config, error) {
	defaults := Defaults()
	v := viper.New()
	setDefaults(v, defaults)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	for key, names := range envBindings {
		if value := firstEnv(names...); value != "" {
			v.Set(key, value)
		}
	}

	for _, field := range scalarFields(defaults) {
		v.Set(field.key, field.normalize(v.Get(field.key)))
	}

	cfg := defaults
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return Config{}, err
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.sanitize(defaults)
	if cfg.Rules.Path == "" && path != "" {
		cfg.Rules.Path = filepath.Join(filepath.Dir(path), "classify.rules")
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)
}

func configPath() (string, error) {
	if path := strings.TrimSpace(os.Getenv("IDEAMIC_CONFIG")); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("could not determine home directory")
	}
	return filepath.Join(home, ".config", "ideamic", "config.yaml"), nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("audio.ffmpeg_command", d.Audio.FFMPEGCommand)
	v.SetDefault("audio.input_format", d.Audio.InputFormat)
	v.SetDefault("audio.input_device", d.Audio.InputDevice)

	v.SetDefault("recording.max_duration", d.Recording.MaxDuration)
	v.SetDefault("recording.max_chunks", d.Recording.MaxChunks)
	v.SetDefault("recording.timeslice", d.Recording.Timeslice)
	v.SetDefault("recording.flush_timeout", d.Recording.FlushTimeout)
	v.SetDefault("recording.mime_preferences", d.Recording.MIMEPreferences)

	v.SetDefault("deepgram.api_key", d.Deepgram.APIKey)
	v.SetDefault("deepgram.api_base", d.Deepgram.APIBaseURL)
	v.SetDefault("deepgram.model", d.Deepgram.Model)
	v.SetDefault("deepgram.language", d.Deepgram.Language)
	v.SetDefault("deepgram.smart_format", d.Deepgram.SmartFormat)

	v.SetDefault("rules.path", d.Rules.Path)
	v.SetDefault("rules.default_kind", d.Rules.DefaultKind)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("telemetry.prometheus_bind", d.Telemetry.PrometheusBind)
}

// scalarField describes a typed key whose raw value may be a string from the
// environment or an untyped YAML number.
type scalarField struct {
	key      string
	fallback any
	unit     time.Duration
}

func scalarFields(d Config) []scalarField {
	return []scalarField{
		{key: "recording.max_duration", fallback: d.Recording.MaxDuration, unit: time.Second},
		{key: "recording.max_chunks", fallback: d.Recording.MaxChunks},
		{key: "recording.timeslice", fallback: d.Recording.Timeslice, unit: time.Millisecond},
		{key: "recording.flush_timeout", fallback: d.Recording.FlushTimeout, unit: time.Millisecond},
		{key: "deepgram.smart_format", fallback: d.Deepgram.SmartFormat},
	}
}

// normalize converts raw into the fallback's type. Unparseable values yield
// the fallback. Bare numbers given for a duration are read in the field unit.
func (f scalarField) normalize(raw any) any {
	text := strings.TrimSpace(fmt.Sprint(raw))
	switch fallback := f.fallback.(type) {
	case time.Duration:
		if d, ok := raw.(time.Duration); ok {
			return d
		}
		if n, err := strconv.Atoi(text); err == nil {
			return time.Duration(n) * f.unit
		}
		if d, err := time.ParseDuration(text); err == nil {
			return d
		}
		return fallback
	case int:
		if n, err := strconv.Atoi(text); err == nil {
			return n
		}
		return fallback
	case bool:
		if b, ok := parseBool(text); ok {
			return b
		}
		return fallback
	default:
		return raw
	}
}

func (c *Config) sanitize(d Config) {
	c.Audio.FFMPEGCommand = firstNonEmpty(c.Audio.FFMPEGCommand, d.Audio.FFMPEGCommand)
	c.Audio.InputFormat = firstNonEmpty(c.Audio.InputFormat, d.Audio.InputFormat)
	c.Audio.InputDevice = firstNonEmpty(c.Audio.InputDevice, d.Audio.InputDevice)

	if c.Recording.MaxDuration < time.Second {
		c.Recording.MaxDuration = d.Recording.MaxDuration
	}
	if c.Recording.MaxChunks <= 0 {
		c.Recording.MaxChunks = d.Recording.MaxChunks
	}
	if c.Recording.Timeslice <= 0 {
		c.Recording.Timeslice = d.Recording.Timeslice
	}
	if c.Recording.FlushTimeout <= 0 {
		c.Recording.FlushTimeout = d.Recording.FlushTimeout
	}
	prefs := make([]string, 0, len(c.Recording.MIMEPreferences))
	for _, mimeType := range c.Recording.MIMEPreferences {
		if trimmed := strings.TrimSpace(mimeType); trimmed != "" {
			prefs = append(prefs, trimmed)
		}
	}
	if len(prefs) == 0 {
		prefs = d.Recording.MIMEPreferences
	}
	c.Recording.MIMEPreferences = prefs

	c.Deepgram.APIKey = strings.TrimSpace(c.Deepgram.APIKey)
	c.Deepgram.APIBaseURL = firstNonEmpty(c.Deepgram.APIBaseURL, d.Deepgram.APIBaseURL)
	c.Deepgram.Model = firstNonEmpty(c.Deepgram.Model, d.Deepgram.Model)
	c.Rules.DefaultKind = strings.ToLower(firstNonEmpty(c.Rules.DefaultKind, d.Rules.DefaultKind))
	c.Log.Level = strings.ToLower(firstNonEmpty(c.Log.Level, d.Log.Level))
	c.Log.Format = strings.ToLower(firstNonEmpty(c.Log.Format, d.Log.Format))
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
