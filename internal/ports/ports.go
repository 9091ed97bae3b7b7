package ports

import (
	"context"
	"io"

	"rehabchat/internal/domain"
)

// AnswerResult is the backend reply to a questionnaire answer. Exactly one
// field is set.
type AnswerResult struct {
	Question   *domain.Question
	TotalScore *int
}

// AssessmentBackend performs exchanges with the assessment service.
type AssessmentBackend interface {
	StartSession(ctx context.Context) (domain.Question, error)
	SubmitAnswer(ctx context.Context, answer string) (AnswerResult, error)
	Chat(ctx context.Context, text string) (string, error)
	Upload(ctx context.Context, file domain.Upload) (string, error)
}

// Synthesizer converts reply text into a playable clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (domain.AudioHandle, error)
}

// ClipStore keeps synthesized audio addressable by handle.
type ClipStore interface {
	Put(mimeType string, audio []byte) (domain.AudioHandle, error)
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig describes provider-agnostic recognition settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	Language       string
	InterimResults bool
}

// StreamingSession is an active recognition session.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.TranscriptEvent
	Wait() error
	Close() error
}

// TranscriptionProvider starts streaming recognition sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// UtteranceNormalizer rewrites recognized text before it reaches the UI.
type UtteranceNormalizer interface {
	Apply(text string) (string, error)
}

// AudioOutput drives the device that actually renders clips.
type AudioOutput interface {
	Play(handle domain.AudioHandle) error
	Pause(handle domain.AudioHandle) error
	Stop(handle domain.AudioHandle) error
}

// ErrorSink receives transient, user-facing failures.
type ErrorSink interface {
	SessionError(code domain.ErrorCode, detail string)
}

// CaptureSink receives capture lifecycle updates.
type CaptureSink interface {
	CaptureStateChanged(state domain.CaptureState)
	CaptureFinished(outcome domain.CaptureOutcome)
}

// PlaybackSink receives playback transitions.
type PlaybackSink interface {
	PlaybackChanged(status domain.PlaybackStatus)
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	ErrorSink
	CaptureSink
	PlaybackSink
	TranscriptChanged(messages []domain.Message)
	SessionStateChanged(state domain.SessionState)
}
