package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
)

const defaultBaseURL = "https://api.deepgram.com/v1"

// Config controls the Deepgram live recognition connection.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	Endpointing int
}

// Recognizer implements ports.TranscriptionProvider over Deepgram's live
// websocket API.
type Recognizer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewRecognizer(cfg Config) *Recognizer {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Recognizer{cfg: cfg, dialer: websocket.DefaultDialer}
}

// Check reports why recognition cannot run, or nil when it can.
func (r *Recognizer) Check() error {
	if strings.TrimSpace(r.cfg.APIKey) == "" {
		return errors.New("DEEPGRAM_API_KEY is not configured")
	}
	return nil
}

func (r *Recognizer) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}
	listenURL, err := buildListenURL(r.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)
	conn, _, err := r.dialer.DialContext(ctx, listenURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := newLiveSession(conn)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type liveSession struct {
	conn *websocket.Conn

	events chan domain.TranscriptEvent
	audio  chan []byte
	done   chan struct{}
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error

	sendMu     sync.RWMutex
	sendClosed bool
	closeOnce  sync.Once
}

func newLiveSession(conn *websocket.Conn) *liveSession {
	s := &liveSession{
		conn:   conn,
		events: make(chan domain.TranscriptEvent, 64),
		audio:  make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()
	return s
}

func (s *liveSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	select {
	case s.audio <- append([]byte(nil), chunk...):
		return nil
	case <-s.done:
		if err := s.failure(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

// CloseSend tells Deepgram no more audio is coming; pending results still
// arrive on Events.
func (s *liveSession) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.audio)
	}
	return nil
}

func (s *liveSession) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *liveSession) Wait() error {
	<-s.done
	return s.failure()
}

func (s *liveSession) Close() error {
	s.closeOnce.Do(func() {
		// Closing the socket first unblocks any SendAudio waiting on a full
		// buffer, so CloseSend can take the lock.
		_ = s.conn.Close()
		_ = s.CloseSend()
	})
	<-s.done
	return s.failure()
}

func (s *liveSession) failure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *liveSession) fail(err error) {
	if err == nil || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *liveSession) writeLoop() {
	defer s.wg.Done()

	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.fail(fmt.Errorf("failed to send audio: %w", err))
			return
		}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.fail(fmt.Errorf("failed to close stream: %w", err))
	}
}

func (s *liveSession) readLoop() {
	defer s.wg.Done()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.fail(fmt.Errorf("failed to read recognition event: %w", err))
			}
			return
		}

		var msg listenMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if strings.EqualFold(msg.Type, "Error") {
			detail := strings.TrimSpace(msg.Description)
			if detail == "" {
				detail = strings.TrimSpace(msg.Message)
			}
			if detail == "" {
				detail = "deepgram returned an unknown error"
			}
			s.fail(errors.New(detail))
			return
		}

		text := msg.transcript()
		if text == "" {
			continue
		}
		event := domain.TranscriptEvent{Kind: domain.TranscriptKindPartial, Text: text, IsSpeechFinal: msg.SpeechFinal}
		if msg.IsFinal || msg.SpeechFinal {
			event.Kind = domain.TranscriptKindFinal
		}
		select {
		case s.events <- event:
		default:
		}
	}
}

type alternative struct {
	Transcript string `json:"transcript"`
}

type listenMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	Description string `json:"description"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

// transcript returns the top alternative; only one is requested.
func (m listenMessage) transcript() string {
	if len(m.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(m.Channel.Alternatives[0].Transcript)
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(providerCfg.APIBaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if streamCfg.Encoding == "" {
		streamCfg.Encoding = "linear16"
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}
	language := streamCfg.Language
	if language == "" {
		language = providerCfg.Language
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	query.Set("encoding", streamCfg.Encoding)
	query.Set("sample_rate", strconv.Itoa(streamCfg.SampleRate))
	query.Set("channels", strconv.Itoa(streamCfg.Channels))
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("punctuate", "true")
	if language != "" {
		query.Set("language", language)
	}
	if providerCfg.Endpointing > 0 {
		query.Set("endpointing", strconv.Itoa(providerCfg.Endpointing))
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
