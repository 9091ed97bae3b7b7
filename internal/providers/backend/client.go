// Package backend talks to the rehabilitation-assessment service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"strings"
	"time"

	"rehabchat/internal/domain"
	"rehabchat/internal/ports"
)

// Config names the service endpoints.
type Config struct {
	BaseURL    string
	StartPath  string
	AnswerPath string
	ChatPath   string
	UploadPath string
	Timeout    time.Duration
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// ErrMalformedResponse is returned when a reply lacks the expected fields.
var ErrMalformedResponse = errors.New("backend: malformed response")

// Client implements ports.AssessmentBackend. The questionnaire keeps its
// position server-side, so the client holds a cookie jar across calls.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.StartPath == "" {
		cfg.StartPath = "/start"
	}
	if cfg.AnswerPath == "" {
		cfg.AnswerPath = "/answer"
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/api/llm_chat"
	}
	if cfg.UploadPath == "" {
		cfg.UploadPath = "/api/upload"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout, Jar: jar}}
}

type questionReply struct {
	Question *domain.Question `json:"question"`
}

type answerReply struct {
	Question   *domain.Question `json:"question"`
	TotalScore *int             `json:"total_score"`
}

type assistantReply struct {
	Response *string `json:"llm_response"`
}

func (c *Client) StartSession(ctx context.Context) (domain.Question, error) {
	var reply questionReply
	if err := c.postJSON(ctx, c.cfg.StartPath, nil, &reply); err != nil {
		return domain.Question{}, err
	}
	if reply.Question == nil {
		return domain.Question{}, fmt.Errorf("%w: start reply has no question", ErrMalformedResponse)
	}
	return *reply.Question, nil
}

// SubmitAnswer decodes the discriminated reply; a question takes precedence
// over a score if the service ever sends both.
func (c *Client) SubmitAnswer(ctx context.Context, answer string) (ports.AnswerResult, error) {
	var reply answerReply
	if err := c.postJSON(ctx, c.cfg.AnswerPath, map[string]string{"answer": answer}, &reply); err != nil {
		return ports.AnswerResult{}, err
	}
	switch {
	case reply.Question != nil:
		return ports.AnswerResult{Question: reply.Question}, nil
	case reply.TotalScore != nil:
		return ports.AnswerResult{TotalScore: reply.TotalScore}, nil
	default:
		return ports.AnswerResult{}, fmt.Errorf("%w: answer reply has neither question nor total_score", ErrMalformedResponse)
	}
}

func (c *Client) Chat(ctx context.Context, text string) (string, error) {
	var reply assistantReply
	if err := c.postJSON(ctx, c.cfg.ChatPath, map[string]string{"text": text}, &reply); err != nil {
		return "", err
	}
	if reply.Response == nil {
		return "", fmt.Errorf("%w: chat reply has no llm_response", ErrMalformedResponse)
	}
	return *reply.Response, nil
}

func (c *Client) Upload(ctx context.Context, file domain.Upload) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	name := filepath.Base(file.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload"
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(file.Content); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	var reply assistantReply
	if err := c.do(ctx, c.cfg.UploadPath, form.FormDataContentType(), &body, &reply); err != nil {
		return "", err
	}
	if reply.Response == nil {
		return "", fmt.Errorf("%w: upload reply has no llm_response", ErrMalformedResponse)
	}
	return *reply.Response, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	var body io.Reader
	contentType := ""
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	return c.do(ctx, path, contentType, body, out)
}

func (c *Client) do(ctx context.Context, path string, contentType string, body io.Reader, out any) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("backend %s: %w", path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Endpoint: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}
