package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
)

type fakeAudioCapture struct {
	mu       sync.Mutex
	sessions []ports.AudioSession
	err      error
	calls    int
}

func (f *fakeAudioCapture) Start(_ context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls > len(f.sessions) {
		return nil, errors.New("no audio session configured")
	}
	return f.sessions[f.calls-1], nil
}

func (f *fakeAudioCapture) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeAudioSession yields chunks and then either ends or, when held, blocks
// until stopped.
type fakeAudioSession struct {
	mu        sync.Mutex
	chunks    [][]byte
	index     int
	stopCalls int
	stopErr   error
	hold      chan struct{}
	stopOnce  sync.Once
}

func newHeldAudioSession() *fakeAudioSession {
	return &fakeAudioSession{hold: make(chan struct{})}
}

func (f *fakeAudioSession) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.index < len(f.chunks) {
		n := copy(p, f.chunks[f.index])
		f.index++
		f.mu.Unlock()
		return n, nil
	}
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return 0, io.EOF
}

func (f *fakeAudioSession) Close() error { return nil }

func (f *fakeAudioSession) Stop() error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	if f.hold != nil {
		f.stopOnce.Do(func() { close(f.hold) })
	}
	return f.stopErr
}

func (f *fakeAudioSession) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeProvider struct {
	mu       sync.Mutex
	sessions []ports.StreamingSession
	err      error
	calls    int
	lastCfg  ports.StreamingConfig
}

func (f *fakeProvider) StartStreaming(_ context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	if f.calls > len(f.sessions) {
		return nil, errors.New("no stream session configured")
	}
	return f.sessions[f.calls-1], nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStreamingSession struct {
	mu         sync.Mutex
	events     chan domain.TranscriptEvent
	waitErr    error
	sendErr    error
	sent       int
	closeSend  int
	closeCalls int
	closed     bool
}

func newFakeStreamingSession() *fakeStreamingSession {
	return &fakeStreamingSession{events: make(chan domain.TranscriptEvent, 16)}
}

func (f *fakeStreamingSession) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent += len(chunk)
	return f.sendErr
}

func (f *fakeStreamingSession) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSend++
	f.endLocked()
	return nil
}

func (f *fakeStreamingSession) Events() <-chan domain.TranscriptEvent { return f.events }

func (f *fakeStreamingSession) Wait() error {
	return f.waitErr
}

func (f *fakeStreamingSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.endLocked()
	return nil
}

func (f *fakeStreamingSession) endLocked() {
	if !f.closed {
		close(f.events)
		f.closed = true
	}
}

func (f *fakeStreamingSession) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type fakeRules struct {
	transform string
	err       error
}

func (f *fakeRules) Apply(text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.transform != "" {
		return f.transform, nil
	}
	return text, nil
}

type errEvent struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu sync.Mutex

	errors        []errEvent
	captureStates []domain.CaptureState
	playback      []domain.PlaybackStatus
	outcomes      chan domain.CaptureOutcome
}

func newFakeEventSink() *fakeEventSink {
	return &fakeEventSink{outcomes: make(chan domain.CaptureOutcome, 8)}
}

func (f *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errEvent{code: code, detail: detail})
}

func (f *fakeEventSink) CaptureStateChanged(state domain.CaptureState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureStates = append(f.captureStates, state)
}

func (f *fakeEventSink) CaptureFinished(outcome domain.CaptureOutcome) {
	f.outcomes <- outcome
}

func (f *fakeEventSink) PlaybackChanged(status domain.PlaybackStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playback = append(f.playback, status)
}

func (f *fakeEventSink) snapshotErrors() []errEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]errEvent, len(f.errors))
	copy(out, f.errors)
	return out
}

func (f *fakeEventSink) snapshotCaptureStates() []domain.CaptureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.CaptureState, len(f.captureStates))
	copy(out, f.captureStates)
	return out
}

func (f *fakeEventSink) snapshotPlayback() []domain.PlaybackStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PlaybackStatus, len(f.playback))
	copy(out, f.playback)
	return out
}

func (f *fakeEventSink) hasError(code domain.ErrorCode) bool {
	for _, e := range f.snapshotErrors() {
		if e.code == code {
			return true
		}
	}
	return false
}

func waitOutcome(t *testing.T, sink *fakeEventSink) domain.CaptureOutcome {
	t.Helper()
	select {
	case outcome := <-sink.outcomes:
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for capture outcome")
		return domain.CaptureOutcome{}
	}
}

type fakeBackend struct {
	mu sync.Mutex

	question  domain.Question
	startErr  error
	results   []ports.AnswerResult
	answerErr error
	reply     string
	chatErr   error
	uploadErr error

	answers []string
	chats   []string
	uploads []domain.Upload

	// onExchange runs inside an exchange, before it returns.
	onExchange func()
}

func (f *fakeBackend) StartSession(_ context.Context) (domain.Question, error) {
	f.hook()
	return f.question, f.startErr
}

func (f *fakeBackend) SubmitAnswer(_ context.Context, answer string) (ports.AnswerResult, error) {
	f.mu.Lock()
	f.answers = append(f.answers, answer)
	var result ports.AnswerResult
	if len(f.results) > 0 {
		result = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()
	f.hook()
	return result, f.answerErr
}

func (f *fakeBackend) Chat(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	f.chats = append(f.chats, text)
	f.mu.Unlock()
	f.hook()
	if f.chatErr != nil {
		return "", f.chatErr
	}
	return f.reply, nil
}

func (f *fakeBackend) Upload(_ context.Context, file domain.Upload) (string, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, file)
	f.mu.Unlock()
	f.hook()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return f.reply, nil
}

func (f *fakeBackend) hook() {
	if f.onExchange != nil {
		f.onExchange()
	}
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	err   error
	texts []string

	// failures are returned by successive calls before err is consulted.
	failures []error
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, text string) (domain.AudioHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return domain.AudioHandle{}, err
		}
	}
	if f.err != nil {
		return domain.AudioHandle{}, f.err
	}
	id := fmt.Sprintf("clip-%d", len(f.texts))
	return domain.AudioHandle{ID: id, URL: "/audio/" + id, MIMEType: "audio/mp3"}, nil
}

func (f *fakeSynthesizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fakePlayer struct {
	mu     sync.Mutex
	played []domain.AudioHandle

	onPlay func(handle domain.AudioHandle)
}

func (f *fakePlayer) Play(handle domain.AudioHandle) error {
	f.mu.Lock()
	f.played = append(f.played, handle)
	hook := f.onPlay
	f.mu.Unlock()
	if hook != nil {
		hook(handle)
	}
	return nil
}

func (f *fakePlayer) snapshot() []domain.AudioHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AudioHandle, len(f.played))
	copy(out, f.played)
	return out
}

type fakeOutput struct {
	mu      sync.Mutex
	calls   []string
	playErr error
}

func (f *fakeOutput) Play(handle domain.AudioHandle) error {
	return f.record("play", handle, f.playErr)
}

func (f *fakeOutput) Pause(handle domain.AudioHandle) error {
	return f.record("pause", handle, nil)
}

func (f *fakeOutput) Stop(handle domain.AudioHandle) error {
	return f.record("stop", handle, nil)
}

func (f *fakeOutput) record(action string, handle domain.AudioHandle, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+":"+handle.URL)
	return err
}

func (f *fakeOutput) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}
