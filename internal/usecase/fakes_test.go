package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"ideamic/internal/domain"
	"ideamic/internal/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeTrack struct {
	mu        sync.Mutex
	kind      string
	live      bool
	stopCalls int
}

func newLiveTrack() *fakeTrack {
	return &fakeTrack{kind: ports.TrackKindAudio, live: true}
}

func (f *fakeTrack) Kind() string { return f.kind }

func (f *fakeTrack) Live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

func (f *fakeTrack) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.live = false
}

func (f *fakeTrack) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = false
}

func (f *fakeTrack) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeStream struct {
	id     string
	tracks []*fakeTrack
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, tracks: []*fakeTrack{newLiveTrack()}}
}

func (f *fakeStream) ID() string { return f.id }

func (f *fakeStream) Tracks() []ports.Track {
	out := make([]ports.Track, 0, len(f.tracks))
	for _, track := range f.tracks {
		out = append(out, track)
	}
	return out
}

type fakeDevices struct {
	mu          sync.Mutex
	unsupported bool
	err         error
	gate        chan struct{}
	calls       int
	waiting     int
	constraints []ports.Constraints
	streams     []*fakeStream
}

func (f *fakeDevices) Supported() bool { return !f.unsupported }

func (f *fakeDevices) GetUserMedia(ctx context.Context, constraints ports.Constraints) (ports.Stream, error) {
	if f.gate != nil {
		f.mu.Lock()
		f.waiting++
		f.mu.Unlock()
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.constraints = append(f.constraints, constraints)
	if f.err != nil {
		return nil, f.err
	}
	stream := newFakeStream(fmt.Sprintf("stream-%d", f.calls))
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeDevices) entered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting
}

func (f *fakeDevices) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDevices) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeDevices) stream(index int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[index]
}

// fakePermissionDevices adds the optional permission query and watch
// capabilities.
type fakePermissionDevices struct {
	fakeDevices

	queryState domain.PermissionState
	queryErr   error

	watchMu      sync.Mutex
	handler      func(domain.PermissionState)
	watchCalls   int
	unwatchCalls int
}

func (f *fakePermissionDevices) QueryPermission(_ context.Context) (domain.PermissionState, error) {
	return f.queryState, f.queryErr
}

func (f *fakePermissionDevices) WatchPermission(handler func(domain.PermissionState)) (func(), error) {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()
	f.watchCalls++
	f.handler = handler
	return func() {
		f.watchMu.Lock()
		defer f.watchMu.Unlock()
		f.unwatchCalls++
		f.handler = nil
	}, nil
}

func (f *fakePermissionDevices) emit(state domain.PermissionState) {
	f.watchMu.Lock()
	handler := f.handler
	f.watchMu.Unlock()
	if handler != nil {
		handler(state)
	}
}

type fakeEncoder struct {
	mu          sync.Mutex
	mimeType    string
	callbacks   ports.EncoderCallbacks
	timeslice   time.Duration
	startErr    error
	pauseErr    error
	finalChunk  []byte
	asyncFlush  bool
	noFlush     bool
	pauseEnter  chan struct{}
	pauseGate   chan struct{}
	started     bool
	paused      bool
	stopCalls   int
	pauseCalls  int
	resumeCalls int
}

func (f *fakeEncoder) MIMEType() string { return f.mimeType }

func (f *fakeEncoder) Start(timeslice time.Duration, callbacks ports.EncoderCallbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.timeslice = timeslice
	f.callbacks = callbacks
	f.started = true
	return nil
}

func (f *fakeEncoder) Pause() error {
	if f.pauseGate != nil {
		f.pauseEnter <- struct{}{}
		<-f.pauseGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.paused = true
	return nil
}

func (f *fakeEncoder) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeCalls++
	f.paused = false
	return nil
}

func (f *fakeEncoder) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	callbacks := f.callbacks
	final := f.finalChunk
	async := f.asyncFlush
	noFlush := f.noFlush
	f.mu.Unlock()

	if noFlush {
		return nil
	}
	flush := func() {
		if len(final) > 0 {
			callbacks.OnData(final)
		}
		callbacks.OnStop()
	}
	if async {
		go func() {
			time.Sleep(10 * time.Millisecond)
			flush()
		}()
		return nil
	}
	flush()
	return nil
}

func (f *fakeEncoder) emit(chunk []byte) {
	f.mu.Lock()
	callbacks := f.callbacks
	f.mu.Unlock()
	callbacks.OnData(chunk)
}

func (f *fakeEncoder) fail(err error) {
	f.mu.Lock()
	callbacks := f.callbacks
	f.mu.Unlock()
	callbacks.OnError(err)
}

func (f *fakeEncoder) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeEncoder) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeEncoderFactory struct {
	mu          sync.Mutex
	unsupported bool
	types       map[string]bool
	defaultType string
	newErr      error
	template    fakeEncoder
	encoders    []*fakeEncoder
	streams     []ports.Stream
}

func newFakeEncoderFactory(types ...string) *fakeEncoderFactory {
	supported := make(map[string]bool, len(types))
	for _, mimeType := range types {
		supported[mimeType] = true
	}
	return &fakeEncoderFactory{types: supported, defaultType: "audio/wav"}
}

func (f *fakeEncoderFactory) Supported() bool { return !f.unsupported }

func (f *fakeEncoderFactory) IsTypeSupported(mimeType string) bool {
	return f.types[mimeType]
}

func (f *fakeEncoderFactory) NewEncoder(stream ports.Stream, mimeType string) (ports.Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	if mimeType == "" {
		mimeType = f.defaultType
	}
	encoder := &fakeEncoder{
		mimeType:   mimeType,
		startErr:   f.template.startErr,
		pauseErr:   f.template.pauseErr,
		finalChunk: f.template.finalChunk,
		asyncFlush: f.template.asyncFlush,
		noFlush:    f.template.noFlush,
		pauseEnter: f.template.pauseEnter,
		pauseGate:  f.template.pauseGate,
	}
	f.encoders = append(f.encoders, encoder)
	f.streams = append(f.streams, stream)
	return encoder, nil
}

func (f *fakeEncoderFactory) last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encoders) == 0 {
		return nil
	}
	return f.encoders[len(f.encoders)-1]
}

func (f *fakeEncoderFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.encoders)
}

type fakeClock struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (c *fakeClock) NewTicker(_ time.Duration) ports.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticker := &fakeTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
	c.tickers = append(c.tickers, ticker)
	return ticker
}

// Advance delivers one tick per simulated second to every running ticker.
func (c *fakeClock) Advance(seconds int) {
	for i := 0; i < seconds; i++ {
		c.mu.Lock()
		active := make([]*fakeTicker, 0, len(c.tickers))
		for _, ticker := range c.tickers {
			if !ticker.isStopped() {
				active = append(active, ticker)
			}
		}
		c.mu.Unlock()

		for _, ticker := range active {
			select {
			case ticker.ch <- time.Now():
			case <-ticker.stopped:
			}
		}
	}
}

func (c *fakeClock) running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, ticker := range c.tickers {
		if !ticker.isStopped() {
			count++
		}
	}
	return count
}

type fakeTicker struct {
	ch       chan time.Time
	stopped  chan struct{}
	stopOnce sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

func (t *fakeTicker) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

type stateEvent struct {
	state  domain.RecorderState
	reason domain.StateReason
}

type errEvent struct {
	reason  domain.Reason
	message string
}

type fakeEventSink struct {
	mu sync.Mutex

	states      []stateEvent
	elapsed     []int
	finalized   []domain.FinalizedAudio
	errors      []errEvent
	permissions []domain.PermissionState
	processed   []domain.CaptureResult
	failed      []string
}

func (f *fakeEventSink) StateChanged(state domain.RecorderState, reason domain.StateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) ElapsedChanged(seconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elapsed = append(f.elapsed, seconds)
}

func (f *fakeEventSink) RecordingFinalized(audio domain.FinalizedAudio) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, audio)
}

func (f *fakeEventSink) RecordingError(reason domain.Reason, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{reason: reason, message: message})
}

func (f *fakeEventSink) PermissionChanged(state domain.PermissionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, state)
}

func (f *fakeEventSink) CaptureProcessed(result domain.CaptureResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, result)
}

func (f *fakeEventSink) CaptureFailed(recordingID string, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, recordingID)
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stateEvent, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeEventSink) snapshotFinalized() []domain.FinalizedAudio {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.FinalizedAudio, len(f.finalized))
	copy(out, f.finalized)
	return out
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errors))
	copy(out, f.errors)
	return out
}

func (f *fakeEventSink) snapshotPermissions() []domain.PermissionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PermissionState, len(f.permissions))
	copy(out, f.permissions)
	return out
}

func (f *fakeEventSink) snapshotProcessed() []domain.CaptureResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.CaptureResult, len(f.processed))
	copy(out, f.processed)
	return out
}

type fakeTelemetry struct {
	mu         sync.Mutex
	started    int
	finalized  map[domain.StopCause]int
	cancelled  int
	failed     map[domain.Reason]int
	permission map[domain.PermissionState]int
}

func newFakeTelemetry() *fakeTelemetry {
	return &fakeTelemetry{
		finalized:  make(map[domain.StopCause]int),
		failed:     make(map[domain.Reason]int),
		permission: make(map[domain.PermissionState]int),
	}
}

func (f *fakeTelemetry) PermissionRequested(_ context.Context, state domain.PermissionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permission[state]++
}

func (f *fakeTelemetry) RecordingStarted(_ context.Context, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeTelemetry) RecordingFinalized(_ context.Context, cause domain.StopCause, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized[cause]++
}

func (f *fakeTelemetry) RecordingCancelled(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeTelemetry) RecordingFailed(_ context.Context, reason domain.Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[reason]++
}

func (f *fakeTelemetry) cancellations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeTelemetry) failures(reason domain.Reason) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[reason]
}

func (f *fakeTelemetry) finalizations(cause domain.StopCause) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized[cause]
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ domain.FinalizedAudio) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.text, f.err
}

type fakeClassifier struct {
	kind domain.EntryKind
	err  error
}

func (f *fakeClassifier) Classify(_ string) (domain.EntryKind, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.kind, nil
}

var errBoom = errors.New("boom")

// recorderHarness wires a Recorder to a real PermissionManager over fakes.
type recorderHarness struct {
	devices     *fakeDevices
	encoders    *fakeEncoderFactory
	clock       *fakeClock
	events      *fakeEventSink
	telemetry   *fakeTelemetry
	permissions *PermissionManager
	recorder    *Recorder
}

func newRecorderHarness(cfg RecorderConfig, types ...string) *recorderHarness {
	if len(types) == 0 {
		types = []string{"audio/webm;codecs=opus", "audio/ogg;codecs=opus"}
	}
	h := &recorderHarness{
		devices:   &fakeDevices{},
		encoders:  newFakeEncoderFactory(types...),
		clock:     &fakeClock{},
		events:    &fakeEventSink{},
		telemetry: newFakeTelemetry(),
	}
	h.permissions = NewPermissionManager(h.devices, h.telemetry, testLogger(), "")
	h.recorder = NewRecorder(h.permissions, h.encoders, h.clock, h.events, h.telemetry, testLogger(), cfg)
	return h
}

func (h *recorderHarness) elapsed() int {
	return h.recorder.Status().ElapsedSeconds
}
