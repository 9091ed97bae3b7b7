package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"rehabchat/internal/bootstrap"
	"rehabchat/internal/config"
	"rehabchat/internal/domain"
	"rehabchat/internal/usecase"
)

const (
	eventTranscript = "rehabchat:transcript"
	eventSession    = "rehabchat:session"
	eventCapture    = "rehabchat:capture"
	eventPlayback   = "rehabchat:playback"
	eventAudio      = "rehabchat:audio"
	eventError      = "rehabchat:error"
)

var errAudioOutputNotReady = errors.New("audio output is not ready")

// App is the Wails application root. Every exported method is callable from
// the webview; the core's event sink and audio output live on webviewBridge
// so they stay off the bound surface.
type App struct {
	ctx    context.Context
	bridge *webviewBridge

	mu         sync.RWMutex
	controller *usecase.SessionController
	capture    *usecase.CaptureAdapter
	playback   *usecase.PlaybackController
	clips      http.Handler
	cfg        config.Config
	log        zerolog.Logger
	bootErr    error
}

func NewApp() *App {
	return &App{bridge: &webviewBridge{}, log: zerolog.Nop()}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	a.bridge.ctx = ctx

	services, err := bootstrap.Build(a.bridge, a.bridge)
	if err != nil {
		a.mu.Lock()
		a.bootErr = err
		a.mu.Unlock()
		a.bridge.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.mu.Lock()
	a.cfg = services.Config
	a.controller = services.Controller
	a.capture = services.Capture
	a.playback = services.Playback
	a.clips = services.Clips
	a.log = services.Logger
	a.mu.Unlock()

	a.log.Info().Str("backend", a.cfg.Backend.BaseURL).Msg("rehabchat started")
	if err := a.controller.EnterMode(ctx, domain.ModeAssistantChat); err != nil {
		a.log.Error().Err(err).Msg("failed to enter initial mode")
	}
}

func (a *App) shutdown(_ context.Context) {
	if err := a.requireReady(); err != nil {
		return
	}
	a.capture.Stop()
}

// audioHandler serves synthesized clips to the webview's <audio> element.
// It is installed on the asset server before startup builds the library.
func (a *App) audioHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.RLock()
		clips := a.clips
		a.mu.RUnlock()
		if clips == nil {
			http.NotFound(w, r)
			return
		}
		clips.ServeHTTP(w, r)
	})
}

// EnterMode switches the interaction mode and resets the conversation.
func (a *App) EnterMode(mode string) (domain.SessionState, error) {
	if err := a.requireReady(); err != nil {
		return domain.SessionState{}, err
	}
	err := a.controller.EnterMode(a.ctx, domain.Mode(mode))
	return a.controller.State(), a.settle(err)
}

// Submit routes typed or recognized text by mode. The accepted text is
// returned so the UI can clear its input.
func (a *App) Submit(text string) (string, error) {
	if err := a.requireReady(); err != nil {
		return "", err
	}
	accepted := strings.TrimSpace(text)
	if err := a.controller.DispatchSubmit(a.ctx, text); err != nil {
		if errors.Is(err, usecase.ErrInvalidInput) {
			a.bridge.SessionError(domain.ErrorCodeInvalidInput, err.Error())
			return "", err
		}
		return accepted, a.settle(err)
	}
	return accepted, nil
}

// UploadFile submits an assessment sheet selected in the webview.
func (a *App) UploadFile(name string, contentBase64 string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	content, err := base64.StdEncoding.DecodeString(contentBase64)
	if err != nil {
		a.bridge.SessionError(domain.ErrorCodeInvalidInput, "upload is not valid base64")
		return fmt.Errorf("%w: %v", usecase.ErrInvalidInput, err)
	}
	err = a.controller.SubmitUpload(a.ctx, domain.Upload{Name: name, Content: content})
	if errors.Is(err, usecase.ErrInvalidInput) {
		a.bridge.SessionError(domain.ErrorCodeInvalidInput, err.Error())
		return err
	}
	return a.settle(err)
}

// StartCapture begins listening for one utterance.
func (a *App) StartCapture() (domain.CaptureState, error) {
	if err := a.requireReady(); err != nil {
		return domain.CaptureStateIdle, err
	}
	if err := a.capture.Start(a.ctx); err != nil {
		return a.capture.State(), err
	}
	return a.capture.State(), nil
}

// StopCapture cancels listening.
func (a *App) StopCapture() domain.CaptureState {
	if err := a.requireReady(); err != nil {
		return domain.CaptureStateIdle
	}
	a.capture.Stop()
	return a.capture.State()
}

// PlayAudio toggles playback of the clip attached to a transcript message.
func (a *App) PlayAudio(url string) (domain.PlaybackStatus, error) {
	if err := a.requireReady(); err != nil {
		return domain.PlaybackStatus{State: domain.PlaybackStateIdle}, err
	}
	handle, ok := a.findClip(url)
	if !ok {
		return a.playback.Status(), fmt.Errorf("%w: unknown clip %q", usecase.ErrInvalidInput, url)
	}
	err := a.playback.Play(handle)
	return a.playback.Status(), err
}

// PauseAudio pauses whatever is playing.
func (a *App) PauseAudio() (domain.PlaybackStatus, error) {
	if err := a.requireReady(); err != nil {
		return domain.PlaybackStatus{State: domain.PlaybackStateIdle}, err
	}
	err := a.playback.Pause()
	return a.playback.Status(), err
}

// AudioEnded is called by the webview when a clip plays to completion.
func (a *App) AudioEnded(url string) {
	if err := a.requireReady(); err != nil {
		return
	}
	a.playback.Finished(url)
}

// GetSession returns the current session state.
func (a *App) GetSession() domain.SessionState {
	if err := a.requireReady(); err != nil {
		return domain.SessionState{Mode: domain.ModeAssistantChat}
	}
	return a.controller.State()
}

// GetTranscript returns the conversation so far.
func (a *App) GetTranscript() []domain.Message {
	if err := a.requireReady(); err != nil {
		return []domain.Message{}
	}
	return a.controller.Transcript()
}

// GetPlayback returns the playback status.
func (a *App) GetPlayback() domain.PlaybackStatus {
	if err := a.requireReady(); err != nil {
		return domain.PlaybackStatus{State: domain.PlaybackStateIdle}
	}
	return a.playback.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	if a.capture == nil {
		return map[string]string{}
	}

	capability := a.capture.Capability()
	return map[string]string{
		"backend":          a.cfg.Backend.BaseURL,
		"recognizer":       "Deepgram",
		"model":            a.cfg.Deepgram.Model,
		"language":         a.cfg.Deepgram.Language,
		"captureAvailable": strconv.FormatBool(capability.Available),
		"captureReason":    capability.Reason,
		"synthesis":        "Baidu text2audio",
		"rulesFile":        a.cfg.Rules.Path,
		"audioInput":       a.cfg.Audio.InputDevice,
	}
}

func (a *App) requireReady() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// settle maps core errors to what the webview sees. Exchange failures have
// already been surfaced as notifications and a discarded exchange is not a
// failure from the user's point of view.
func (a *App) settle(err error) error {
	if err == nil || errors.Is(err, usecase.ErrStaleExchange) {
		return nil
	}
	return err
}

func (a *App) findClip(url string) (domain.AudioHandle, bool) {
	if url == "" {
		return domain.AudioHandle{}, false
	}
	for _, msg := range a.controller.Transcript() {
		if msg.Audio != nil && msg.Audio.URL == url {
			return *msg.Audio, true
		}
	}
	return domain.AudioHandle{}, false
}

// webviewBridge forwards core notifications and audio commands to the
// webview as runtime events.
type webviewBridge struct {
	ctx context.Context
}

// TranscriptChanged emits the whole transcript after each change.
func (b *webviewBridge) TranscriptChanged(messages []domain.Message) {
	if b.ctx == nil {
		return
	}
	runtime.EventsEmit(b.ctx, eventTranscript, messages)
}

// SessionStateChanged emits mode and questionnaire progress.
func (b *webviewBridge) SessionStateChanged(state domain.SessionState) {
	if b.ctx == nil {
		return
	}
	runtime.EventsEmit(b.ctx, eventSession, state)
}

func (b *webviewBridge) CaptureStateChanged(state domain.CaptureState) {
	if b.ctx == nil {
		return
	}
	runtime.EventsEmit(b.ctx, eventCapture, map[string]string{"state": string(state)})
}

// CaptureFinished emits the capture outcome. A recognized utterance is put
// into the input box by the UI rather than sent.
func (b *webviewBridge) CaptureFinished(outcome domain.CaptureOutcome) {
	if b.ctx == nil {
		return
	}
	runtime.EventsEmit(b.ctx, eventCapture, map[string]string{
		"state":   string(domain.CaptureStateIdle),
		"outcome": string(outcome.Kind),
		"text":    outcome.Text,
		"message": captureOutcomeMessage(outcome.Kind),
	})
}

func (b *webviewBridge) PlaybackChanged(status domain.PlaybackStatus) {
	if b.ctx == nil {
		return
	}
	runtime.EventsEmit(b.ctx, eventPlayback, status)
}

// SessionError emits backend errors to the UI.
func (b *webviewBridge) SessionError(code domain.ErrorCode, detail string) {
	if b.ctx == nil {
		return
	}
	runtime.EventsEmit(b.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

// Play, Pause and Stop drive the webview's single <audio> element. Only the
// playback controller calls them.
func (b *webviewBridge) Play(handle domain.AudioHandle) error {
	return b.emitAudio("play", handle)
}

func (b *webviewBridge) Pause(handle domain.AudioHandle) error {
	return b.emitAudio("pause", handle)
}

func (b *webviewBridge) Stop(handle domain.AudioHandle) error {
	return b.emitAudio("stop", handle)
}

func (b *webviewBridge) emitAudio(action string, handle domain.AudioHandle) error {
	if b.ctx == nil {
		return errAudioOutputNotReady
	}
	runtime.EventsEmit(b.ctx, eventAudio, map[string]string{
		"action":   action,
		"url":      handle.URL,
		"mimeType": handle.MIMEType,
	})
	return nil
}

func captureOutcomeMessage(kind domain.CaptureOutcomeKind) string {
	switch kind {
	case domain.CaptureOutcomeResult:
		return "Speech recognized"
	case domain.CaptureOutcomeCancelled:
		return "Listening cancelled"
	case domain.CaptureOutcomeEnded:
		return "No speech detected"
	case domain.CaptureOutcomeError:
		return "Speech recognition failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeNetwork:
		return "Network request failed"
	case domain.ErrorCodeSynthesis:
		return "Speech synthesis failed"
	case domain.ErrorCodeUnsupportedCapability:
		return "Speech recognition is not available"
	case domain.ErrorCodeCapture:
		return "Speech recognition error"
	case domain.ErrorCodeInvalidInput:
		return "Invalid input"
	case domain.ErrorCodeAudioStop:
		return "Audio stop issue"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	case domain.ErrorCodePlayback:
		return "Audio playback failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
