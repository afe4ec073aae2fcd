package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"ideamic/internal/domain"
	"ideamic/internal/ports"
)

// Negotiation constraints are fixed; only the device is configurable.
const (
	streamSampleRate = 44100
	streamChannels   = 1
)

// PermissionManager owns the microphone permission state and the single
// long-lived input stream shared by successive recordings.
type PermissionManager struct {
	devices     ports.MediaDevices
	telemetry   ports.Telemetry
	logger      *slog.Logger
	constraints ports.Constraints

	negotiate singleflight.Group

	mu          sync.Mutex
	state       domain.PermissionState
	stream      ports.Stream
	persistent  bool
	lastFailure error
	unwatch     func()

	listenersMu  sync.Mutex
	listeners    map[int]func(domain.PermissionState)
	nextListener int
}

func NewPermissionManager(devices ports.MediaDevices, telemetry ports.Telemetry, logger *slog.Logger, deviceID string) *PermissionManager {
	return &PermissionManager{
		devices:   devices,
		telemetry: telemetry,
		logger:    logger.With(slog.String("component", "permission-manager")),
		constraints: ports.Constraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			SampleRate:       streamSampleRate,
			Channels:         streamChannels,
			DeviceID:         deviceID,
		},
		state:     domain.PermissionChecking,
		listeners: make(map[int]func(domain.PermissionState)),
	}
}

// State returns the current permission state.
func (m *PermissionManager) State() domain.PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HasPermission reports whether the permission is granted.
func (m *PermissionManager) HasPermission() bool {
	return m.State() == domain.PermissionGranted
}

// LastFailure returns the reasoned error of the last failed negotiation.
func (m *PermissionManager) LastFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFailure
}

// Subscribe registers a state observer and returns its cancel function.
func (m *PermissionManager) Subscribe(fn func(domain.PermissionState)) func() {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// CheckPermission queries the platform permission state and subscribes to
// out-of-band changes. Platforms without a permission subsystem report prompt.
func (m *PermissionManager) CheckPermission(ctx context.Context) domain.PermissionState {
	state := domain.PermissionPrompt
	if querier, ok := m.devices.(ports.PermissionQuerier); ok {
		queried, err := querier.QueryPermission(ctx)
		switch {
		case err == nil:
			state = queried
		case errors.Is(err, ports.ErrPermissionQueryUnsupported):
		default:
			m.logger.Warn("permission query failed", slog.String("error", err.Error()))
		}
	}
	if state == domain.PermissionPrompt && m.liveStream() != nil {
		state = domain.PermissionGranted
	}

	m.watch()
	m.transition(state)
	return state
}

// RequestPermission returns true when a live stream is held, negotiating one
// if needed.
func (m *PermissionManager) RequestPermission(ctx context.Context) bool {
	if m.liveStream() != nil {
		return true
	}
	_, err := m.acquire(ctx)
	return err == nil
}

// GetStream returns the held live stream or negotiates a new one. The error
// always carries a domain reason.
func (m *PermissionManager) GetStream(ctx context.Context) (ports.Stream, error) {
	if stream := m.liveStream(); stream != nil {
		return stream, nil
	}
	return m.acquire(ctx)
}

// Refresh discards the held stream and negotiates a fresh one.
func (m *PermissionManager) Refresh(ctx context.Context) (ports.Stream, error) {
	m.mu.Lock()
	stale := m.stream
	m.stream = nil
	m.mu.Unlock()

	stopTracks(stale)
	return m.acquire(ctx)
}

// RevokePermission stops the held stream and drops the reference. The
// platform permission itself is left untouched.
func (m *PermissionManager) RevokePermission() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.persistent = false
	m.mu.Unlock()

	if stream != nil {
		m.logger.Info("microphone stream released", slog.String("stream_id", stream.ID()))
	}
	stopTracks(stream)
}

// Close releases the platform subscription and the held stream.
func (m *PermissionManager) Close() {
	m.mu.Lock()
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	m.RevokePermission()
}

func (m *PermissionManager) liveStream() ports.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	if m.persistent && hasLiveAudioTrack(m.stream) {
		return m.stream
	}
	m.stream = nil
	return nil
}

// acquire joins the in-flight negotiation or starts one. The negotiation is
// detached from the caller, so a caller that gives up neither fails the
// callers sharing it nor changes the permission state.
func (m *PermissionManager) acquire(ctx context.Context) (ports.Stream, error) {
	results := m.negotiate.DoChan("stream", func() (any, error) {
		return m.negotiateStream(context.WithoutCancel(ctx))
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(ports.Stream), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire microphone: %w", ctx.Err())
	}
}

func (m *PermissionManager) negotiateStream(ctx context.Context) (ports.Stream, error) {
	if !m.devices.Supported() {
		return nil, m.recordFailure(ctx, domain.NewError(domain.ReasonCapabilityUnsupported, "media capture is not available"))
	}
	stream, err := m.devices.GetUserMedia(ctx, m.constraints)
	if err != nil {
		return nil, m.recordFailure(ctx, err)
	}
	if stream == nil {
		return nil, m.recordFailure(ctx, domain.NewError(domain.ReasonNoDevice, "platform returned no stream"))
	}

	m.mu.Lock()
	m.stream = stream
	m.persistent = true
	m.lastFailure = nil
	m.mu.Unlock()

	m.logger.Info("microphone stream acquired", slog.String("stream_id", stream.ID()))
	m.telemetry.PermissionRequested(ctx, domain.PermissionGranted)
	m.transition(domain.PermissionGranted)
	return stream, nil
}

func (m *PermissionManager) recordFailure(ctx context.Context, err error) error {
	reasoned := domain.Wrap(fmt.Errorf("acquire microphone: %w", err), domain.ReasonOf(err))
	reason := domain.ReasonOf(reasoned)

	state := domain.PermissionPrompt
	if reason == domain.ReasonPermissionDenied {
		state = domain.PermissionDenied
	}

	m.mu.Lock()
	m.lastFailure = reasoned
	m.mu.Unlock()

	m.logger.Warn("microphone negotiation failed",
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()),
	)
	m.telemetry.PermissionRequested(ctx, state)
	m.transition(state)
	return reasoned
}

func (m *PermissionManager) watch() {
	watcher, ok := m.devices.(ports.PermissionWatcher)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.unwatch != nil {
		m.mu.Unlock()
		return
	}
	m.unwatch = func() {}
	m.mu.Unlock()

	unwatch, err := watcher.WatchPermission(m.handlePlatformChange)
	if err != nil {
		m.logger.Warn("permission subscription failed", slog.String("error", err.Error()))
		m.mu.Lock()
		m.unwatch = nil
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.unwatch = unwatch
	m.mu.Unlock()
}

func (m *PermissionManager) handlePlatformChange(state domain.PermissionState) {
	var revoked ports.Stream
	m.mu.Lock()
	if state == domain.PermissionDenied {
		revoked = m.stream
		m.stream = nil
		m.persistent = false
	}
	m.mu.Unlock()

	if revoked != nil {
		m.logger.Warn("microphone permission revoked by platform", slog.String("stream_id", revoked.ID()))
		stopTracks(revoked)
	}
	m.transition(state)
}

func (m *PermissionManager) transition(state domain.PermissionState) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()

	if !changed {
		return
	}

	m.listenersMu.Lock()
	listeners := make([]func(domain.PermissionState), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func hasLiveAudioTrack(stream ports.Stream) bool {
	if stream == nil {
		return false
	}
	for _, track := range stream.Tracks() {
		if track.Kind() == ports.TrackKindAudio && track.Live() {
			return true
		}
	}
	return false
}

func stopTracks(stream ports.Stream) {
	if stream == nil {
		return
	}
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}
