// Package transcript holds the ordered conversation log shown to the user.
package transcript

import (
	"sync"

	"rehabchat/internal/domain"
)

// Listener receives a snapshot after every change. Listeners run
// synchronously on the mutating goroutine and must not call back into the
// component that mutated the store.
type Listener func(messages []domain.Message)

// Store is an append-only message log. The only in-place change allowed is
// attaching synthesized audio to a message.
type Store struct {
	// notifyMu serializes mutations with their notifications so listeners
	// observe snapshots in commit order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	messages  []domain.Message
	nextID    uint64
	listeners []Listener
}

func NewStore() *Store {
	return &Store{nextID: 1}
}

// Subscribe registers a change listener.
func (s *Store) Subscribe(listener Listener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Reset replaces the whole log with the given greeting.
func (s *Store) Reset(greeting string) domain.Message {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	msg := domain.Message{ID: s.nextID, Speaker: domain.SpeakerConsultant, Text: greeting}
	s.nextID++
	s.messages = []domain.Message{msg}
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	notify(listeners, snapshot)
	return msg
}

// Append adds a message to the end of the log and returns it with its id.
func (s *Store) Append(speaker domain.Speaker, text string) domain.Message {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	msg := domain.Message{ID: s.nextID, Speaker: speaker, Text: text}
	s.nextID++
	s.messages = append(s.messages, msg)
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	notify(listeners, snapshot)
	return msg
}

// AttachAudio annotates message id with a clip. It reports false when the
// message is no longer in the log.
func (s *Store) AttachAudio(id uint64, handle domain.AudioHandle) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	index := s.indexLocked(id)
	if index < 0 {
		s.mu.Unlock()
		return false
	}
	h := handle
	s.messages[index].Audio = &h
	snapshot, listeners := s.snapshotLocked()
	s.mu.Unlock()

	notify(listeners, snapshot)
	return true
}

// Messages returns a copy of the log.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, _ := s.snapshotLocked()
	return snapshot
}

// References reports whether any message in the log carries the clip at url.
func (s *Store) References(url string) bool {
	if url == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.Audio != nil && msg.Audio.URL == url {
			return true
		}
	}
	return false
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) indexLocked(id uint64) int {
	// ids are strictly increasing, so binary search is valid.
	lo, hi := 0, len(s.messages)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case s.messages[mid].ID == id:
			return mid
		case s.messages[mid].ID < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -1
}

func (s *Store) snapshotLocked() ([]domain.Message, []Listener) {
	out := make([]domain.Message, len(s.messages))
	for i, msg := range s.messages {
		if msg.Audio != nil {
			h := *msg.Audio
			msg.Audio = &h
		}
		out[i] = msg
	}
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	return out, listeners
}

func notify(listeners []Listener, snapshot []domain.Message) {
	for _, listener := range listeners {
		listener(snapshot)
	}
}
