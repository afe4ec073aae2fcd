package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"ideamic/internal/domain"
)

const (
	defaultBaseURL = "https://api.deepgram.com/v1"
	defaultModel   = "nova-2"
	frameSize      = 16 * 1024
)

var ErrMissingAPIKey = errors.New("DEEPGRAM_API_KEY is not configured")

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

// Provider transcribes finalized recordings over the Deepgram live endpoint.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Provider{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger.With(slog.String("component", "deepgram")),
	}
}

// Transcribe sends the recording in frames, closes the stream and waits for
// the provider to flush its final results.
func (p *Provider) Transcribe(ctx context.Context, audio domain.FinalizedAudio) (string, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return "", ErrMissingAPIKey
	}
	if audio.Size() == 0 {
		return "", nil
	}

	wsURL, err := buildListenURL(p.cfg, audio.MIMEType)
	if err != nil {
		return "", err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)
	conn, _, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return "", fmt.Errorf("connect to Deepgram websocket: %w", err)
	}

	s := &session{conn: conn, done: make(chan struct{})}
	s.wg.Add(2)
	go s.send(audio.Data)
	go s.receive()
	go func() {
		s.wg.Wait()
		_ = conn.Close()
		close(s.done)
	}()

	select {
	case <-s.done:
	case <-ctx.Done():
		_ = conn.Close()
		<-s.done
		return "", ctx.Err()
	}

	if err := s.failure(); err != nil {
		return "", err
	}
	text := s.transcript.text()
	p.logger.Info("recording transcribed",
		slog.String("recording_id", audio.ID),
		slog.Int("bytes", audio.Size()),
		slog.Int("chars", len(text)),
	)
	return text, nil
}

type session struct {
	conn       *websocket.Conn
	transcript transcript
	wg         sync.WaitGroup
	done       chan struct{}

	errMu sync.Mutex
	err   error
}

func (s *session) send(data []byte) {
	defer s.wg.Done()

	for start := 0; start < len(data); start += frameSize {
		end := min(start+frameSize, len(data))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, data[start:end]); err != nil {
			s.setErr(fmt.Errorf("send audio: %w", err))
			return
		}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("close stream: %w", err))
	}
}

func (s *session) receive() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				s.setErr(fmt.Errorf("read provider event: %w", err))
			}
			return
		}

		var response listenResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}
		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			return
		}

		text := response.text()
		if text == "" {
			continue
		}
		kind := domain.TranscriptKindPartial
		if response.IsFinal || response.SpeechFinal {
			kind = domain.TranscriptKindFinal
		}
		s.transcript.add(domain.TranscriptEvent{Kind: kind, Text: text, IsSpeechFinal: response.SpeechFinal})
	}
}

// setErr keeps the first failure.
func (s *session) setErr(err error) {
	if isNormalClose(err) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Normal websocket closes are the expected end of a session.
func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	default:
		return false
	}
}

func (s *session) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

type alternative struct {
	Transcript string `json:"transcript"`
}

type listenResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

func (r listenResponse) text() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}

// buildListenURL derives the websocket URL. Containerized audio is detected by
// the provider, so encoding parameters are only sent for raw PCM.
func buildListenURL(cfg Config, mimeType string) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	listenURL, err := url.Parse(strings.TrimRight(base, "/") + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("interim_results", "false")
	query.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	if rate, ok := rawPCMRate(mimeType); ok {
		query.Set("encoding", "linear16")
		query.Set("sample_rate", strconv.Itoa(rate))
		query.Set("channels", "1")
	}
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

// rawPCMRate parses "audio/L16;rate=N" style types.
func rawPCMRate(mimeType string) (int, bool) {
	base, params, found := strings.Cut(mimeType, ";")
	if !strings.EqualFold(strings.TrimSpace(base), "audio/L16") {
		return 0, false
	}
	rate := 44100
	if found {
		for _, param := range strings.Split(params, ";") {
			key, value, _ := strings.Cut(strings.TrimSpace(param), "=")
			if key == "rate" {
				if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
					rate = parsed
				}
			}
		}
	}
	return rate, true
}
