package usecase

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
)

// PlaybackController enforces a single audio stream. The output only renders
// clips; the controller decides which clip that is.
type PlaybackController struct {
	output ports.AudioOutput
	sink   ports.PlaybackSink
	errors ports.ErrorSink
	log    zerolog.Logger

	notifyMu sync.Mutex

	mu      sync.Mutex
	current domain.AudioHandle
	state   domain.PlaybackState
}

func NewPlaybackController(output ports.AudioOutput, sink ports.PlaybackSink, errs ports.ErrorSink, logger zerolog.Logger) *PlaybackController {
	return &PlaybackController{
		output: output,
		sink:   sink,
		errors: errs,
		log:    logger.With().Str("component", "playback").Logger(),
		state:  domain.PlaybackStateIdle,
	}
}

// Play starts handle. Playing the clip that is already playing pauses it,
// and playing a paused clip resumes it. Any other clip is stopped first.
func (p *PlaybackController) Play(handle domain.AudioHandle) error {
	if handle.IsZero() {
		return fmt.Errorf("%w: empty audio handle", ErrInvalidInput)
	}

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.current.URL == handle.URL && p.state != domain.PlaybackStateIdle {
		err := p.toggleLocked()
		status := p.statusLocked()
		p.mu.Unlock()
		if err != nil {
			p.reportFailure(err)
			return err
		}
		p.publish(status)
		return nil
	}

	if !p.current.IsZero() && p.state != domain.PlaybackStateIdle {
		if err := p.output.Stop(p.current); err != nil {
			p.log.Warn().Err(err).Str("url", p.current.URL).Msg("failed to stop previous clip")
			p.errors.SessionError(domain.ErrorCodeAudioStop, err.Error())
		}
	}

	if err := p.output.Play(handle); err != nil {
		p.current = domain.AudioHandle{}
		p.state = domain.PlaybackStateIdle
		status := p.statusLocked()
		p.mu.Unlock()
		p.reportFailure(err)
		p.publish(status)
		return err
	}
	p.current = handle
	p.state = domain.PlaybackStatePlaying
	status := p.statusLocked()
	p.mu.Unlock()

	p.log.Debug().Str("url", handle.URL).Msg("playback started")
	p.publish(status)
	return nil
}

// Pause pauses the playing clip. It does nothing when nothing is playing.
func (p *PlaybackController) Pause() error {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.state != domain.PlaybackStatePlaying {
		p.mu.Unlock()
		return nil
	}
	if err := p.output.Pause(p.current); err != nil {
		p.mu.Unlock()
		p.reportFailure(err)
		return err
	}
	p.state = domain.PlaybackStatePaused
	status := p.statusLocked()
	p.mu.Unlock()

	p.publish(status)
	return nil
}

// Finished records natural completion of the clip at url. Reports for any
// other clip are stale and ignored.
func (p *PlaybackController) Finished(url string) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if url == "" || p.current.URL != url || p.state == domain.PlaybackStateIdle {
		p.mu.Unlock()
		return
	}
	p.current = domain.AudioHandle{}
	p.state = domain.PlaybackStateIdle
	status := p.statusLocked()
	p.mu.Unlock()

	p.publish(status)
}

// Status returns the current playback snapshot.
func (p *PlaybackController) Status() domain.PlaybackStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

// IsCurrent reports whether url is the clip that is playing or paused.
func (p *PlaybackController) IsCurrent(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return url != "" && p.current.URL == url && p.state != domain.PlaybackStateIdle
}

func (p *PlaybackController) toggleLocked() error {
	switch p.state {
	case domain.PlaybackStatePlaying:
		if err := p.output.Pause(p.current); err != nil {
			return err
		}
		p.state = domain.PlaybackStatePaused
	case domain.PlaybackStatePaused:
		if err := p.output.Play(p.current); err != nil {
			return err
		}
		p.state = domain.PlaybackStatePlaying
	}
	return nil
}

func (p *PlaybackController) statusLocked() domain.PlaybackStatus {
	return domain.PlaybackStatus{State: p.state, URL: p.current.URL}
}

func (p *PlaybackController) reportFailure(err error) {
	p.log.Error().Err(err).Msg("playback failed")
	p.errors.SessionError(domain.ErrorCodePlayback, err.Error())
}

func (p *PlaybackController) publish(status domain.PlaybackStatus) {
	if p.sink != nil {
		p.sink.PlaybackChanged(status)
	}
}
