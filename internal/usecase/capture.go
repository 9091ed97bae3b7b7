package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
)

var ErrUnsupportedCapability = errors.New("speech recognition is not available")

// CaptureConfig controls microphone and recognizer settings.
type CaptureConfig struct {
	Audio     ports.AudioConfig
	Streaming ports.StreamingConfig
	ChunkSize int
}

// CaptureAdapter turns a press-to-talk intent into a single recognized
// utterance. At most one capture session exists at a time and every session
// completes exactly once.
type CaptureAdapter struct {
	audio      ports.AudioCapture
	provider   ports.TranscriptionProvider
	normalizer ports.UtteranceNormalizer
	capability domain.Capability
	sink       ports.CaptureSink
	errors     ports.ErrorSink
	cfg        CaptureConfig
	log        zerolog.Logger

	mu      sync.Mutex
	current *captureSession
}

func NewCaptureAdapter(
	audio ports.AudioCapture,
	provider ports.TranscriptionProvider,
	normalizer ports.UtteranceNormalizer,
	capability domain.Capability,
	sink ports.CaptureSink,
	errs ports.ErrorSink,
	cfg CaptureConfig,
	logger zerolog.Logger,
) *CaptureAdapter {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	// One utterance per session; partial hypotheses are never shown.
	cfg.Streaming.InterimResults = false
	return &CaptureAdapter{
		audio:      audio,
		provider:   provider,
		normalizer: normalizer,
		capability: capability,
		sink:       sink,
		errors:     errs,
		cfg:        cfg,
		log:        logger.With().Str("component", "capture").Logger(),
	}
}

// Capability reports whether capture can run on this host.
func (c *CaptureAdapter) Capability() domain.Capability {
	return c.capability
}

// State returns the capture lifecycle state.
func (c *CaptureAdapter) State() domain.CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return domain.CaptureStateListening
	}
	return domain.CaptureStateIdle
}

// Start begins listening. Starting while a session is active is a no-op.
func (c *CaptureAdapter) Start(ctx context.Context) error {
	if !c.capability.Available {
		c.log.Warn().Str("reason", c.capability.Reason).Msg("capture unavailable")
		c.errors.SessionError(domain.ErrorCodeUnsupportedCapability, c.capability.Reason)
		return ErrUnsupportedCapability
	}

	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	session := &captureSession{
		ctx:        sessionCtx,
		cancel:     cancel,
		aggregator: newTranscriptAggregator(),
	}
	c.current = session
	c.mu.Unlock()

	c.sink.CaptureStateChanged(domain.CaptureStateListening)

	stream, err := c.provider.StartStreaming(sessionCtx, c.cfg.Streaming)
	if err != nil {
		return c.setupFailed(session, err)
	}
	if !session.attachStream(stream) {
		_ = stream.Close()
		return nil
	}

	recording, err := c.audio.Start(sessionCtx, c.cfg.Audio)
	if err != nil {
		return c.setupFailed(session, err)
	}
	if !session.attachAudio(recording) {
		_ = recording.Stop()
		return nil
	}

	c.log.Debug().Str("language", c.cfg.Streaming.Language).Msg("capture started")
	go c.run(session, recording, stream)
	return nil
}

// Stop cancels the active session. It does nothing when idle.
func (c *CaptureAdapter) Stop() {
	c.mu.Lock()
	session := c.current
	c.mu.Unlock()

	if session == nil {
		return
	}
	c.finish(session, domain.CaptureOutcome{Kind: domain.CaptureOutcomeCancelled})
}

func (c *CaptureAdapter) setupFailed(session *captureSession, err error) error {
	if session.isFinished() {
		// Stopped while setting up; the cancellation is the outcome.
		return nil
	}
	c.fail(session, domain.ErrorCodeCapture, err)
	return err
}

func (c *CaptureAdapter) run(session *captureSession, recording ports.AudioSession, stream ports.StreamingSession) {
	pumpDone := make(chan error, 1)
	go func() {
		pumpDone <- pumpAudioChunks(recording, stream, c.cfg.ChunkSize)
	}()

	events := stream.Events()
	for {
		select {
		case <-session.ctx.Done():
			c.finish(session, domain.CaptureOutcome{Kind: domain.CaptureOutcomeCancelled})
			return
		case err := <-pumpDone:
			pumpDone = nil
			if err != nil {
				if session.isFinished() {
					return
				}
				c.fail(session, domain.ErrorCodeAudioStream, err)
				return
			}
			// Recording ended on its own; let the recognizer flush.
			_ = stream.CloseSend()
		case event, ok := <-events:
			if !ok {
				c.streamEnded(session, stream)
				return
			}
			if session.aggregator.Add(event) {
				if raw := session.aggregator.Raw(); raw != "" {
					c.deliver(session, raw)
					return
				}
			}
		}
	}
}

func (c *CaptureAdapter) streamEnded(session *captureSession, stream ports.StreamingSession) {
	if raw := session.aggregator.Raw(); raw != "" {
		c.deliver(session, raw)
		return
	}
	if err := stream.Wait(); err != nil {
		c.fail(session, domain.ErrorCodeCapture, err)
		return
	}
	c.finish(session, domain.CaptureOutcome{Kind: domain.CaptureOutcomeEnded})
}

func (c *CaptureAdapter) deliver(session *captureSession, raw string) {
	text := raw
	if c.normalizer != nil {
		normalized, err := c.normalizer.Apply(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("utterance rules failed; using raw transcript")
		} else {
			text = normalized
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.finish(session, domain.CaptureOutcome{Kind: domain.CaptureOutcomeEnded})
		return
	}
	c.finish(session, domain.CaptureOutcome{Kind: domain.CaptureOutcomeResult, Text: text})
}

// fail ends the session with an error outcome, notified once under code.
func (c *CaptureAdapter) fail(session *captureSession, code domain.ErrorCode, err error) {
	c.complete(session, domain.CaptureOutcome{Kind: domain.CaptureOutcomeError, Detail: err.Error()}, code)
}

func (c *CaptureAdapter) finish(session *captureSession, outcome domain.CaptureOutcome) {
	c.complete(session, outcome, domain.ErrorCodeCapture)
}

// complete releases the session's resources and reports outcome. Later calls
// for the same session block until the first completes and then return.
func (c *CaptureAdapter) complete(session *captureSession, outcome domain.CaptureOutcome, code domain.ErrorCode) {
	session.once.Do(func() {
		recording, stream := session.detach()
		if recording != nil {
			if err := recording.Stop(); err != nil {
				c.log.Warn().Err(err).Msg("failed to stop microphone cleanly")
				c.errors.SessionError(domain.ErrorCodeAudioStop, "failed to stop audio capture cleanly")
			}
		}
		if stream != nil {
			_ = stream.Close()
		}
		session.cancel()

		c.mu.Lock()
		if c.current == session {
			c.current = nil
		}
		c.mu.Unlock()

		if outcome.Kind == domain.CaptureOutcomeError {
			c.log.Error().Str("code", string(code)).Str("detail", outcome.Detail).Msg("capture failed")
			c.errors.SessionError(code, outcome.Detail)
		} else {
			c.log.Info().Str("outcome", string(outcome.Kind)).Msg("capture finished")
		}

		c.sink.CaptureStateChanged(domain.CaptureStateIdle)
		c.sink.CaptureFinished(outcome)
	})
}
