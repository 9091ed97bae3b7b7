package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
	"rehabchat/internal/transcript"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrStaleExchange = errors.New("exchange result discarded after mode switch")
)

var errEmptyAnswerResult = errors.New("answer reply carries neither a question nor a score")

const (
	GreetingAssistantChat  = "您好，我是您的运动评估顾问，请问有什么可以帮您的吗？可以选择【MORSE问答】或【运动能力得分评估】，或者可以直接与我聊聊"
	GreetingDocumentUpload = "请上传你的运动能力评估结果表"
	GreetingQuestionnaire  = "正在开始MORSE跌倒风险问答，请稍候…"

	// UploadAnnouncement is the visitor line recorded for a document upload.
	UploadAnnouncement = "请帮我进行得分评估"
)

// Player starts playback of a synthesized reply. Play is called with the
// controller locked and must not call back into it.
type Player interface {
	Play(handle domain.AudioHandle) error
}

// StateListener receives a session snapshot after every change. Like
// transcript listeners it must not call back into the controller.
type StateListener func(state domain.SessionState)

// SessionController routes user input to the exchange for the active mode
// and folds replies into the session state and transcript.
//
// Exchanges run on the caller's goroutine. Each one captures the epoch at
// submission and its result is dropped if a mode switch happened meanwhile.
type SessionController struct {
	backend    ports.AssessmentBackend
	synth      ports.Synthesizer
	player     Player
	transcript *transcript.Store
	errors     ports.ErrorSink
	log        zerolog.Logger

	notifyMu sync.Mutex

	mu        sync.Mutex
	state     domain.SessionState
	listeners []StateListener
}

func NewSessionController(
	backend ports.AssessmentBackend,
	synth ports.Synthesizer,
	player Player,
	store *transcript.Store,
	errs ports.ErrorSink,
	logger zerolog.Logger,
) *SessionController {
	return &SessionController{
		backend:    backend,
		synth:      synth,
		player:     player,
		transcript: store,
		errors:     errs,
		log:        logger.With().Str("component", "session").Logger(),
		state:      domain.SessionState{Mode: domain.ModeAssistantChat},
	}
}

// EnterMode resets the conversation to mode's greeting. The questionnaire
// additionally starts a server session and shows its first question.
func (c *SessionController) EnterMode(ctx context.Context, mode domain.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}

	var epoch uint64
	_ = c.apply(func(state *domain.SessionState) (bool, error) {
		*state = domain.SessionState{Mode: mode, Epoch: state.Epoch + 1}
		epoch = state.Epoch
		c.transcript.Reset(greeting(mode))
		return true, nil
	})
	c.log.Info().Str("mode", string(mode)).Uint64("epoch", epoch).Msg("mode entered")

	if mode != domain.ModeQuestionnaire {
		return nil
	}

	question, err := c.backend.StartSession(ctx)
	if err != nil {
		return c.exchangeFailed(epoch, "start questionnaire", err)
	}

	var prompt domain.Message
	err = c.apply(func(state *domain.SessionState) (bool, error) {
		if state.Epoch != epoch {
			return false, ErrStaleExchange
		}
		q := question
		state.CurrentQuestion = &q
		prompt = c.transcript.Reset(q.Prompt)
		return true, nil
	})
	if err != nil {
		return c.discarded("start questionnaire", epoch, err)
	}

	c.speak(ctx, epoch, prompt)
	return nil
}

// SubmitAnswer answers the current question. The reply either advances to
// the next question or completes the questionnaire with a total score.
func (c *SessionController) SubmitAnswer(ctx context.Context, text string) error {
	answer := strings.TrimSpace(text)
	if answer == "" {
		return fmt.Errorf("%w: empty answer", ErrInvalidInput)
	}

	var epoch uint64
	err := c.apply(func(state *domain.SessionState) (bool, error) {
		if state.Mode != domain.ModeQuestionnaire || state.CurrentQuestion == nil {
			return false, fmt.Errorf("%w: no active question", ErrInvalidInput)
		}
		epoch = state.Epoch
		c.transcript.Append(domain.SpeakerVisitor, answer)
		return false, nil
	})
	if err != nil {
		return err
	}

	result, err := c.backend.SubmitAnswer(ctx, answer)
	if err == nil && result.Question == nil && result.TotalScore == nil {
		err = errEmptyAnswerResult
	}
	if err != nil {
		return c.exchangeFailed(epoch, "submit answer", err)
	}

	var next *domain.Message
	err = c.apply(func(state *domain.SessionState) (bool, error) {
		if state.Epoch != epoch {
			return false, ErrStaleExchange
		}
		// A reply is either the next question or the final score. The
		// field that is absent keeps its previous value.
		if result.Question != nil {
			q := *result.Question
			state.CurrentQuestion = &q
			msg := c.transcript.Append(domain.SpeakerConsultant, q.Prompt)
			next = &msg
			return true, nil
		}
		score := *result.TotalScore
		state.FinalScore = &score
		c.transcript.Append(domain.SpeakerConsultant, fmt.Sprintf("总得分: %d", score))
		return true, nil
	})
	if err != nil {
		return c.discarded("submit answer", epoch, err)
	}

	if next != nil {
		c.speak(ctx, epoch, *next)
	}
	return nil
}

// SubmitChat sends free-form text to the assistant.
func (c *SessionController) SubmitChat(ctx context.Context, text string) error {
	message := strings.TrimSpace(text)
	if message == "" {
		return fmt.Errorf("%w: empty message", ErrInvalidInput)
	}

	epoch := c.appendVisitor(message)
	reply, err := c.backend.Chat(ctx, message)
	if err != nil {
		return c.exchangeFailed(epoch, "assistant chat", err)
	}
	return c.reply(ctx, epoch, "assistant chat", reply)
}

// SubmitUpload sends a completed assessment sheet for scoring.
func (c *SessionController) SubmitUpload(ctx context.Context, file domain.Upload) error {
	if len(file.Content) == 0 {
		return fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}

	epoch := c.appendVisitor(UploadAnnouncement)
	reply, err := c.backend.Upload(ctx, file)
	if err != nil {
		return c.exchangeFailed(epoch, "upload assessment", err)
	}
	return c.reply(ctx, epoch, "upload assessment", reply)
}

// DispatchSubmit routes typed or recognized text by the active mode.
func (c *SessionController) DispatchSubmit(ctx context.Context, text string) error {
	if c.State().Mode == domain.ModeQuestionnaire {
		return c.SubmitAnswer(ctx, text)
	}
	return c.SubmitChat(ctx, text)
}

// State returns a snapshot of the session state.
func (c *SessionController) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneState(c.state)
}

// Transcript returns a snapshot of the conversation.
func (c *SessionController) Transcript() []domain.Message {
	return c.transcript.Messages()
}

func (c *SessionController) OnSessionStateChanged(listener StateListener) {
	if listener == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

func (c *SessionController) OnTranscriptChanged(listener transcript.Listener) {
	c.transcript.Subscribe(listener)
}

func (c *SessionController) appendVisitor(text string) uint64 {
	var epoch uint64
	_ = c.apply(func(state *domain.SessionState) (bool, error) {
		epoch = state.Epoch
		c.transcript.Append(domain.SpeakerVisitor, text)
		return false, nil
	})
	return epoch
}

func (c *SessionController) reply(ctx context.Context, epoch uint64, op string, text string) error {
	var msg domain.Message
	err := c.apply(func(state *domain.SessionState) (bool, error) {
		if state.Epoch != epoch {
			return false, ErrStaleExchange
		}
		msg = c.transcript.Append(domain.SpeakerConsultant, text)
		return false, nil
	})
	if err != nil {
		return c.discarded(op, epoch, err)
	}
	c.speak(ctx, epoch, msg)
	return nil
}

// speak synthesizes msg, attaches the clip and starts playback. Failures
// leave the message text-only and are reported, never returned.
func (c *SessionController) speak(ctx context.Context, epoch uint64, msg domain.Message) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	handle, err := c.synth.Synthesize(ctx, msg.Text)
	if err != nil {
		c.log.Warn().Err(err).Uint64("message", msg.ID).Msg("speech synthesis failed")
		c.errors.SessionError(domain.ErrorCodeSynthesis, err.Error())
		return
	}

	// A mode switch must not land between attaching and autoplay.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Epoch != epoch || !c.transcript.AttachAudio(msg.ID, handle) {
		c.log.Debug().Uint64("message", msg.ID).Msg("dropping clip for discarded message")
		return
	}
	if err := c.player.Play(handle); err != nil {
		c.log.Warn().Err(err).Str("url", handle.URL).Msg("autoplay failed")
	}
}

func (c *SessionController) exchangeFailed(epoch uint64, op string, err error) error {
	if c.epoch() != epoch {
		return c.discarded(op, epoch, ErrStaleExchange)
	}
	c.log.Error().Err(err).Str("op", op).Msg("exchange failed")
	c.errors.SessionError(domain.ErrorCodeNetwork, err.Error())
	return fmt.Errorf("%s: %w", op, err)
}

func (c *SessionController) discarded(op string, epoch uint64, err error) error {
	c.log.Info().Str("op", op).Uint64("epoch", epoch).Msg("discarding stale exchange result")
	return err
}

func (c *SessionController) epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Epoch
}

// apply runs fn under the controller lock and, when fn reports a change,
// notifies state listeners. notifyMu keeps notifications in commit order.
func (c *SessionController) apply(fn func(state *domain.SessionState) (bool, error)) error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	changed, err := fn(&c.state)
	if err != nil || !changed {
		c.mu.Unlock()
		return err
	}
	snapshot := cloneState(c.state)
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(snapshot)
	}
	return nil
}

func greeting(mode domain.Mode) string {
	switch mode {
	case domain.ModeQuestionnaire:
		return GreetingQuestionnaire
	case domain.ModeDocumentUpload:
		return GreetingDocumentUpload
	default:
		return GreetingAssistantChat
	}
}

func cloneState(state domain.SessionState) domain.SessionState {
	out := state
	if state.CurrentQuestion != nil {
		q := *state.CurrentQuestion
		if q.ScoringCriteria != nil {
			criteria := make(map[string]int, len(q.ScoringCriteria))
			for label, weight := range q.ScoringCriteria {
				criteria[label] = weight
			}
			q.ScoringCriteria = criteria
		}
		if q.Answer != nil {
			answer := *q.Answer
			q.Answer = &answer
		}
		out.CurrentQuestion = &q
	}
	if state.FinalScore != nil {
		score := *state.FinalScore
		out.FinalScore = &score
	}
	return out
}
