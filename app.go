package main

import (
	"context"
	"errors"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"ideamic/internal/bootstrap"
	"ideamic/internal/config"
	"ideamic/internal/domain"
	"ideamic/internal/usecase"
)

const (
	eventPermission   = "ideamic:permission"
	eventState        = "ideamic:state"
	eventElapsed      = "ideamic:elapsed"
	eventFinalized    = "ideamic:finalized"
	eventError        = "ideamic:error"
	eventCapture      = "ideamic:capture"
	eventCaptureError = "ideamic:capture-error"
)

var errNotInitialized = errors.New("application is not initialized")

// App is the Wails application root.
type App struct {
	ctx context.Context

	services   bootstrap.Services
	controller *usecase.CaptureController
	cfg        config.Config
	bootErr    error

	emit func(ctx context.Context, name string, data ...interface{})
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, bootstrap.Options{})
	if err != nil {
		a.bootErr = err
		a.emitEvent(eventError, map[string]string{
			"reason":  string(domain.ReasonUnknown),
			"message": "Startup failed",
			"detail":  err.Error(),
		})
		return
	}

	a.services = services
	a.cfg = services.Config
	a.controller = services.Controller
	a.controller.CheckPermission(ctx)
}

func (a *App) shutdown(ctx context.Context) {
	if a.controller == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.services.Shutdown(shutdownCtx); err != nil {
		a.services.Logger.Warn("shutdown incomplete", "error", err.Error())
	}
}

// GetStatus returns the merged permission and recorder status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		status := domain.Status{Permission: domain.PermissionChecking, State: domain.RecorderIdle}
		if a.bootErr != nil {
			status.ErrorReason = domain.ReasonUnknown
			status.Error = a.bootErr.Error()
		}
		return status
	}
	return a.controller.Status()
}

// CheckPermission queries the microphone permission without prompting.
func (a *App) CheckPermission() (domain.PermissionState, error) {
	if err := a.requireReady(); err != nil {
		return domain.PermissionChecking, err
	}
	return a.controller.CheckPermission(a.ctx), nil
}

// RequestPermission prompts for the microphone and keeps the stream open.
func (a *App) RequestPermission() (bool, error) {
	if err := a.requireReady(); err != nil {
		return false, err
	}
	return a.controller.RequestPermission(a.ctx), nil
}

// RevokePermission releases the microphone.
func (a *App) RevokePermission() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.controller.RevokePermission()
	return nil
}

func (a *App) StartRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Start(a.ctx); err != nil {
		return a.controller.Status(), userError(err)
	}
	return a.controller.Status(), nil
}

func (a *App) PauseRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Pause(); err != nil {
		return a.controller.Status(), userError(err)
	}
	return a.controller.Status(), nil
}

func (a *App) ResumeRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Resume(); err != nil {
		return a.controller.Status(), userError(err)
	}
	return a.controller.Status(), nil
}

// StopRecording finalizes the recording. The audio bytes reach the frontend
// base64-encoded.
func (a *App) StopRecording() (*domain.StopResult, error) {
	if err := a.requireReady(); err != nil {
		return nil, err
	}
	result, err := a.controller.Stop(a.ctx)
	if err != nil {
		if errors.Is(err, usecase.ErrNoActiveRecording) || errors.Is(err, usecase.ErrRecordingCancelled) {
			return nil, nil
		}
		return nil, userError(err)
	}
	return &result, nil
}

// CancelRecording discards the current recording, if any.
func (a *App) CancelRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.controller.Cancel()
	return nil
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	transcription := "disabled"
	if a.cfg.Deepgram.APIKey != "" {
		transcription = "Deepgram " + a.cfg.Deepgram.Model
	}
	return map[string]string{
		"transcription":    transcription,
		"language":         a.cfg.Deepgram.Language,
		"rulesFile":        a.cfg.Rules.Path,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
		"maxDuration":      a.cfg.Recording.MaxDuration.String(),
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return errNotInitialized
	}
	return nil
}

func (a *App) emitEvent(name string, payload interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, payload)
}

// PermissionChanged emits permission transitions to the frontend.
func (a *App) PermissionChanged(state domain.PermissionState) {
	a.emitEvent(eventPermission, map[string]string{"state": string(state)})
}

// StateChanged emits recorder lifecycle updates to the frontend.
func (a *App) StateChanged(state domain.RecorderState, reason domain.StateReason) {
	a.emitEvent(eventState, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": stateReasonMessage(reason),
	})
}

func (a *App) ElapsedChanged(seconds int) {
	a.emitEvent(eventElapsed, map[string]int{"seconds": seconds})
}

// RecordingFinalized delivers every finalized blob, including cap stops the
// user did not request.
func (a *App) RecordingFinalized(audio domain.FinalizedAudio) {
	a.emitEvent(eventFinalized, audio)
}

// RecordingError emits the user-facing message only.
func (a *App) RecordingError(reason domain.Reason, message string) {
	a.emitEvent(eventError, map[string]string{
		"reason":  string(reason),
		"message": message,
	})
}

func (a *App) CaptureProcessed(result domain.CaptureResult) {
	a.emitEvent(eventCapture, result)
}

func (a *App) CaptureFailed(recordingID string, message string) {
	a.emitEvent(eventCaptureError, map[string]string{
		"recordingId": recordingID,
		"message":     message,
	})
}

// userError keeps state errors as they are and replaces platform failures with
// their user-facing message.
func userError(err error) error {
	switch {
	case errors.Is(err, usecase.ErrRecordingActive),
		errors.Is(err, usecase.ErrNotRecording),
		errors.Is(err, usecase.ErrNotPaused),
		errors.Is(err, usecase.ErrNoActiveRecording):
		return err
	default:
		return errors.New(domain.UserMessage(domain.ReasonOf(err)))
	}
}

func stateReasonMessage(reason domain.StateReason) string {
	switch reason {
	case domain.ReasonRecordingStarted:
		return "Recording"
	case domain.ReasonRecordingPaused:
		return "Paused"
	case domain.ReasonRecordingResumed:
		return "Recording resumed"
	case domain.ReasonFinalizing:
		return "Saving recording..."
	case domain.ReasonRecordingFinalized:
		return "Recording saved"
	case domain.ReasonRecordingCancelled:
		return "Recording discarded"
	case domain.ReasonRecordingFailed:
		return "Recording failed"
	default:
		return ""
	}
}
