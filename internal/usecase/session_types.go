package usecase

import (
	"context"
	"sync"

	"rehabchat/internal/ports"
)

// captureSession is one listen-for-utterance lifecycle. Resources are
// attached as setup progresses so a concurrent Stop can release whatever
// already exists.
type captureSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	audio    ports.AudioSession
	stream   ports.StreamingSession
	finished bool

	once       sync.Once
	aggregator *transcriptAggregator
}

func (s *captureSession) attachStream(stream ports.StreamingSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.stream = stream
	return true
}

func (s *captureSession) attachAudio(audio ports.AudioSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.audio = audio
	return true
}

// detach marks the session finished and hands back its resources.
func (s *captureSession) detach() (ports.AudioSession, ports.StreamingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	audio, stream := s.audio, s.stream
	s.audio, s.stream = nil, nil
	return audio, stream
}

func (s *captureSession) isFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
