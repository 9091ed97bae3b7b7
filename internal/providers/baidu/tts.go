// Package baidu synthesizes speech with Baidu's text2audio REST endpoint.
package baidu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
)

const defaultURL = "https://tsn.baidu.com/text2audio"

// maxClipBytes bounds a single synthesized reply.
const maxClipBytes = 16 << 20

// Config holds the fixed voice parameters sent with every request.
type Config struct {
	URL      string
	Token    string
	ClientID string
	Format   int // aue: 3=mp3, 4=pcm-16k, 5=pcm-8k, 6=wav
	Language string
	Speed    int
	Pitch    int
	Volume   int
	Voice    int
}

// SynthesisError is returned when the service rejects a request.
type SynthesisError struct {
	Status  int
	Code    int
	Message string
}

func (e *SynthesisError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("tts error %d: %s", e.Code, e.Message)
	}
	return "tts error: " + e.Message
}

// Synthesizer implements ports.Synthesizer. Clips are stored in the given
// ClipStore and returned as handles.
type Synthesizer struct {
	cfg    Config
	client *http.Client
	clips  ports.ClipStore
}

func NewSynthesizer(cfg Config, client *http.Client, clips ports.ClipStore) *Synthesizer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = defaultURL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rehab-chat-room"
	}
	if cfg.Language == "" {
		cfg.Language = "zh"
	}
	if cfg.Format == 0 {
		cfg.Format = 3
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Synthesizer{cfg: cfg, client: client, clips: clips}
}

func (s *Synthesizer) Synthesize(ctx context.Context, text string) (domain.AudioHandle, error) {
	if strings.TrimSpace(text) == "" {
		return domain.AudioHandle{}, &SynthesisError{Message: "empty text"}
	}
	if strings.TrimSpace(s.cfg.Token) == "" {
		return domain.AudioHandle{}, &SynthesisError{Message: "BAIDU_TTS_TOKEN is not configured"}
	}

	requestURL, err := s.buildURL(text)
	if err != nil {
		return domain.AudioHandle{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return domain.AudioHandle{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.AudioHandle{}, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	if err != nil {
		return domain.AudioHandle{}, fmt.Errorf("tts read failed: %w", err)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	// The service answers 200 with a JSON body on failure.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !strings.HasPrefix(mediaType, "audio/") {
		return domain.AudioHandle{}, decodeError(resp.StatusCode, body)
	}

	return s.clips.Put(mediaType, body)
}

func (s *Synthesizer) buildURL(text string) (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid tts url: %w", err)
	}
	q := u.Query()
	// tex is escaped once here and again by Encode; the service expects
	// double encoding for non-ASCII text.
	q.Set("tex", url.QueryEscape(text))
	q.Set("tok", s.cfg.Token)
	q.Set("cuid", s.cfg.ClientID)
	q.Set("ctp", "1")
	q.Set("lan", s.cfg.Language)
	q.Set("spd", strconv.Itoa(s.cfg.Speed))
	q.Set("pit", strconv.Itoa(s.cfg.Pitch))
	q.Set("vol", strconv.Itoa(s.cfg.Volume))
	q.Set("per", strconv.Itoa(s.cfg.Voice))
	q.Set("aue", strconv.Itoa(s.cfg.Format))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type errorPayload struct {
	Code    int    `json:"err_no"`
	Message string `json:"err_msg"`
}

func decodeError(status int, body []byte) error {
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" || err != nil {
			msg = fmt.Sprintf("unexpected response (status %d)", status)
		}
		return &SynthesisError{Status: status, Message: msg}
	}
	return &SynthesisError{Status: status, Code: payload.Code, Message: payload.Message}
}

// IsSynthesisError reports whether err came from the synthesis service.
func IsSynthesisError(err error) bool {
	var target *SynthesisError
	return errors.As(err, &target)
}
