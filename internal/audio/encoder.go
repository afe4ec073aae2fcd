package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"ideamic/internal/ports"
)

var (
	ErrUnsupportedStream = errors.New("stream was not produced by the ffmpeg capture backend")
	ErrUnsupportedType   = errors.New("mime type is not supported")
	errEncoderExited     = errors.New("encoder process exited unexpectedly")
)

// FFMPEGEncoders builds one ffmpeg encode process per recording, fed from
// the shared capture stream.
type FFMPEGEncoders struct {
	command string
	probe   *encoderProbe
	logger  *slog.Logger
}

func NewFFMPEGEncoders(command string, logger *slog.Logger) *FFMPEGEncoders {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGEncoders{
		command: command,
		probe:   &encoderProbe{command: command},
		logger:  logger.With(slog.String("component", "ffmpeg-encoder")),
	}
}

func (f *FFMPEGEncoders) Supported() bool {
	_, err := exec.LookPath(f.command)
	return err == nil
}

func (f *FFMPEGEncoders) IsTypeSupported(mimeType string) bool {
	entry, ok := formats[mimeType]
	return ok && f.probe.has(entry.encoder)
}

// NewEncoder returns an encoder for mimeType. An empty type selects the
// platform default container.
func (f *FFMPEGEncoders) NewEncoder(stream ports.Stream, mimeType string) (ports.Encoder, error) {
	source, ok := stream.(*pcmStream)
	if !ok {
		return nil, ErrUnsupportedStream
	}
	if mimeType == "" {
		mimeType = PlatformDefaultMIME
	}
	entry, ok := formats[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	return &ffmpegEncoder{
		command:  f.command,
		mimeType: mimeType,
		format:   entry,
		stream:   source,
		logger:   f.logger,
	}, nil
}

type ffmpegEncoder struct {
	command  string
	mimeType string
	format   format
	stream   *pcmStream
	logger   *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderr    bytes.Buffer
	pending   bytes.Buffer
	paused    bool
	stopping  bool
	callbacks ports.EncoderCallbacks
	detach    func()

	quit     chan struct{}
	emitDone chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func (e *ffmpegEncoder) MIMEType() string { return e.mimeType }

func (e *ffmpegEncoder) Start(timeslice time.Duration, callbacks ports.EncoderCallbacks) error {
	cmd := exec.Command(e.command, e.args()...)
	cmd.Stderr = &e.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create encoder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create encoder stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	e.mu.Lock()
	e.cmd = cmd
	e.stdin = stdin
	e.callbacks = callbacks
	e.quit = make(chan struct{})
	e.emitDone = make(chan struct{})
	e.exited = make(chan struct{})
	e.mu.Unlock()

	e.detach = e.stream.track.attach(e.writePCM)
	drained := make(chan struct{})
	go e.readOutput(stdout, drained)
	go e.wait(drained)
	go e.emitLoop(timeslice)

	e.logger.Debug("encoder started", slog.String("stream_id", e.stream.id), slog.String("mime_type", e.mimeType))
	return nil
}

func (e *ffmpegEncoder) args() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(e.stream.sampleRate),
		"-ac", strconv.Itoa(e.stream.channels),
		"-i", "pipe:0",
	}
	args = append(args, e.format.codec...)
	return append(args, "-f", e.format.muxer, "pipe:1")
}

// Pause drops captured PCM until Resume. The container timeline is derived
// from sample counts, so the paused span leaves no gap.
func (e *ffmpegEncoder) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.stopping {
		return errors.New("encoder is not running")
	}
	e.paused = true
	return nil
}

func (e *ffmpegEncoder) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil || e.stopping {
		return errors.New("encoder is not running")
	}
	e.paused = false
	return nil
}

// Stop detaches from the stream and closes the encoder input. The remaining
// output is delivered through OnData followed by OnStop once ffmpeg exits.
func (e *ffmpegEncoder) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		if e.cmd == nil {
			e.mu.Unlock()
			return
		}
		e.stopping = true
		stdin := e.stdin
		e.mu.Unlock()

		if e.detach != nil {
			e.detach()
		}
		_ = stdin.Close()
		close(e.quit)
		go e.finish()
	})
	return nil
}

func (e *ffmpegEncoder) finish() {
	<-e.emitDone

	select {
	case <-e.exited:
	case <-time.After(stopGrace):
		e.logger.Warn("encoder did not exit, killing", slog.String("stream_id", e.stream.id))
		_ = e.cmd.Process.Kill()
		<-e.exited
	}

	if tail := e.takePending(); len(tail) > 0 {
		e.callbacks.OnData(tail)
	}
	e.callbacks.OnStop()
}

func (e *ffmpegEncoder) writePCM(pcm []byte) {
	e.mu.Lock()
	if e.paused || e.stopping || e.stdin == nil {
		e.mu.Unlock()
		return
	}
	stdin := e.stdin
	e.mu.Unlock()

	// A closed pipe surfaces as a process exit.
	_, _ = stdin.Write(pcm)
}

func (e *ffmpegEncoder) readOutput(stdout io.Reader, drained chan<- struct{}) {
	defer close(drained)
	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			e.mu.Lock()
			e.pending.Write(buf[:n])
			e.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the process after its output is drained and reports an exit
// that was not requested.
func (e *ffmpegEncoder) wait(drained <-chan struct{}) {
	<-drained
	err := e.cmd.Wait()

	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()
	close(e.exited)

	if stopping {
		return
	}
	if err == nil {
		err = errEncoderExited
	} else {
		err = fmt.Errorf("%w: %w", errEncoderExited, err)
	}
	if detail := trimOutput(e.stderr.String()); detail != "" {
		err = fmt.Errorf("%w: %s", err, detail)
	}
	if e.detach != nil {
		e.detach()
	}
	e.callbacks.OnError(err)
}

func (e *ffmpegEncoder) emitLoop(timeslice time.Duration) {
	defer close(e.emitDone)
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			if chunk := e.takeChunk(); len(chunk) > 0 {
				e.callbacks.OnData(chunk)
			}
		}
	}
}

// takeChunk holds encoded output back while paused. It goes out on the first
// tick after Resume, or with the final flush.
func (e *ffmpegEncoder) takeChunk() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return nil
	}
	return e.drainPendingLocked()
}

func (e *ffmpegEncoder) takePending() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drainPendingLocked()
}

func (e *ffmpegEncoder) drainPendingLocked() []byte {
	if e.pending.Len() == 0 {
		return nil
	}
	chunk := append([]byte(nil), e.pending.Bytes()...)
	e.pending.Reset()
	return chunk
}

var (
	_ ports.EncoderFactory = (*FFMPEGEncoders)(nil)
	_ ports.Encoder        = (*ffmpegEncoder)(nil)
)
