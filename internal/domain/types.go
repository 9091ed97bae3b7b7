package domain

// Speaker identifies who authored a transcript message.
type Speaker string

const (
	SpeakerVisitor    Speaker = "visitor"
	SpeakerConsultant Speaker = "consultant"
)

// Mode is one of the mutually exclusive interaction flows.
type Mode string

const (
	ModeQuestionnaire  Mode = "questionnaire"
	ModeAssistantChat  Mode = "assistant_chat"
	ModeDocumentUpload Mode = "document_upload"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeQuestionnaire, ModeAssistantChat, ModeDocumentUpload:
		return true
	default:
		return false
	}
}

// AudioHandle references a synthesized clip. URL is its identity.
type AudioHandle struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MIMEType string `json:"mimeType"`
}

// IsZero reports whether the handle references nothing.
func (h AudioHandle) IsZero() bool {
	return h.URL == ""
}

// Message is one transcript entry.
type Message struct {
	ID      uint64       `json:"id"`
	Speaker Speaker      `json:"speaker"`
	Text    string       `json:"text"`
	Audio   *AudioHandle `json:"audio,omitempty"`
}

// Question is the current questionnaire item as sent by the backend.
type Question struct {
	ID              int            `json:"id"`
	Kind            string         `json:"type"`
	Prompt          string         `json:"content"`
	ScoringCriteria map[string]int `json:"scoring_criteria"`
	Answer          *string        `json:"answer,omitempty"`
}

// SessionState is the session controller's owned state.
type SessionState struct {
	Mode            Mode      `json:"mode"`
	CurrentQuestion *Question `json:"currentQuestion,omitempty"`
	FinalScore      *int      `json:"finalScore,omitempty"`
	Epoch           uint64    `json:"epoch"`
}

// Upload is a document selected for scoring.
type Upload struct {
	Name    string
	Content []byte
}

// CaptureState models the speech capture lifecycle.
type CaptureState string

const (
	CaptureStateIdle      CaptureState = "idle"
	CaptureStateListening CaptureState = "listening"
)

// CaptureOutcomeKind describes how a capture session finished.
type CaptureOutcomeKind string

const (
	CaptureOutcomeResult    CaptureOutcomeKind = "result"
	CaptureOutcomeError     CaptureOutcomeKind = "error"
	CaptureOutcomeCancelled CaptureOutcomeKind = "cancelled"
	CaptureOutcomeEnded     CaptureOutcomeKind = "ended"
)

// CaptureOutcome is delivered exactly once per capture session.
type CaptureOutcome struct {
	Kind   CaptureOutcomeKind `json:"kind"`
	Text   string             `json:"text,omitempty"`
	Detail string             `json:"detail,omitempty"`
}

// Capability reports whether speech recognition can run on this host.
type Capability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Available returns a capability that allows capture.
func Available() Capability {
	return Capability{Available: true}
}

// Unavailable returns a capability that rejects capture with reason.
func Unavailable(reason string) Capability {
	return Capability{Available: false, Reason: reason}
}

// PlaybackState models the single audio stream.
type PlaybackState string

const (
	PlaybackStateIdle    PlaybackState = "idle"
	PlaybackStatePlaying PlaybackState = "playing"
	PlaybackStatePaused  PlaybackState = "paused"
)

// PlaybackStatus is the playback controller snapshot.
type PlaybackStatus struct {
	State PlaybackState `json:"state"`
	URL   string        `json:"url,omitempty"`
}

// TranscriptKind identifies whether a stream event is partial or final text.
type TranscriptKind string

const (
	TranscriptKindPartial TranscriptKind = "partial"
	TranscriptKindFinal   TranscriptKind = "final"
)

// TranscriptEvent is incremental recognition output from a provider.
type TranscriptEvent struct {
	Kind          TranscriptKind `json:"kind"`
	Text          string         `json:"text"`
	IsSpeechFinal bool           `json:"isSpeechFinal"`
}

// ErrorCode identifies errors surfaced to the UI.
type ErrorCode string

const (
	ErrorCodeStartup               ErrorCode = "startup"
	ErrorCodeNetwork               ErrorCode = "network"
	ErrorCodeSynthesis             ErrorCode = "synthesis"
	ErrorCodeUnsupportedCapability ErrorCode = "unsupported_capability"
	ErrorCodeCapture               ErrorCode = "capture"
	ErrorCodeInvalidInput          ErrorCode = "invalid_input"
	ErrorCodeAudioStop             ErrorCode = "audio_stop"
	ErrorCodeAudioStream           ErrorCode = "audio_stream"
	ErrorCodePlayback              ErrorCode = "playback"
)
