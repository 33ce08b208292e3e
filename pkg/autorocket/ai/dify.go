// Package ai implements the client for the Dify-style conversational AI
// backend. Callers get one complete reply text per request regardless of the
// configured response mode; streaming responses are accumulated internally.
package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnavailable wraps every transport, HTTP, and backend failure so callers
// can branch on availability without caring which layer broke.
var ErrUnavailable = errors.New("ai backend unavailable")

// Response modes accepted by the backend.
const (
	ModeBlocking  = "blocking"
	ModeStreaming = "streaming"
)

// Config holds the AI backend configuration.
type Config struct {
	// BaseURL is the backend API root (the /chat-messages endpoint lives
	// under it).
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token.
	APIKey string `yaml:"api_key"`

	// ResponseMode selects blocking or streaming transport.
	ResponseMode string `yaml:"response_mode"`

	// Timeout bounds one generation call end to end.
	Timeout time.Duration `yaml:"timeout"`

	// Inputs are operator-tuned variables forwarded on every request.
	Inputs map[string]any `yaml:"inputs"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ResponseMode: ModeBlocking,
		Timeout:      120 * time.Second,
	}
}

// Attachment references remote media forwarded with a request.
type Attachment struct {
	// Type is the backend media type ("image", "video", "audio", "document").
	Type string

	// URL is the remote location of the media.
	URL string
}

// Request is one generation request.
type Request struct {
	// UserID identifies the conversation end user to the backend.
	UserID string

	// Text is the user's message.
	Text string

	// SessionRef is the backend conversation id; empty starts a new
	// session and the reply carries the assigned one.
	SessionRef string

	// Attachments are remote media references.
	Attachments []Attachment

	// Inputs are per-request variables merged over the configured ones.
	Inputs map[string]any
}

// Reply is one complete generation result.
type Reply struct {
	// Text is the full reply, already accumulated when streaming.
	Text string

	// SessionRef is the backend conversation id for this exchange.
	SessionRef string
}

// Client talks to the backend's chat-messages API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a backend client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ResponseMode == "" {
		cfg.ResponseMode = ModeBlocking
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "ai"),
	}
}

// Generate sends one request and returns the complete reply. All failures
// wrap ErrUnavailable.
func (c *Client) Generate(ctx context.Context, req Request) (*Reply, error) {
	payload := map[string]any{
		"inputs":        c.mergeInputs(req.Inputs),
		"query":         req.Text,
		"response_mode": c.cfg.ResponseMode,
		"user":          req.UserID,
	}
	if req.SessionRef != "" {
		payload["conversation_id"] = req.SessionRef
	}
	if len(req.Attachments) > 0 {
		files := make([]map[string]any, 0, len(req.Attachments))
		for _, att := range req.Attachments {
			files = append(files, map[string]any{
				"type":            att.Type,
				"transfer_method": "remote_url",
				"url":             att.URL,
			})
		}
		payload["files"] = files
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat-messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.ResponseMode == ModeStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	c.logger.Debug("sending generation request",
		"user", req.UserID,
		"mode", c.cfg.ResponseMode,
		"has_session", req.SessionRef != "",
		"attachments", len(req.Attachments))

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var reply *Reply
	if c.cfg.ResponseMode == ModeStreaming {
		reply, err = c.readStream(resp.Body)
	} else {
		reply, err = c.readBlocking(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("generation complete",
		"user", req.UserID,
		"chars", len(reply.Text),
		"duration", time.Since(start))
	return reply, nil
}

func (c *Client) mergeInputs(extra map[string]any) map[string]any {
	merged := make(map[string]any, len(c.cfg.Inputs)+len(extra))
	for k, v := range c.cfg.Inputs {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func (c *Client) readBlocking(body io.Reader) (*Reply, error) {
	var out struct {
		Answer         string `json:"answer"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return &Reply{Text: out.Answer, SessionRef: out.ConversationID}, nil
}

// streamEvent is one SSE data payload.
type streamEvent struct {
	Event          string `json:"event"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// readStream accumulates message chunks until the stream ends. The contract
// to callers stays one complete text.
func (c *Client) readStream(body io.Reader) (*Reply, error) {
	var answer strings.Builder
	sessionRef := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max line

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		var evt streamEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			c.logger.Debug("failed to parse SSE chunk, skipping", "error", err)
			continue
		}
		if evt.ConversationID != "" {
			sessionRef = evt.ConversationID
		}

		switch evt.Event {
		case "message", "agent_message":
			answer.WriteString(evt.Answer)
		case "message_end":
			return &Reply{Text: answer.String(), SessionRef: sessionRef}, nil
		case "error":
			return nil, fmt.Errorf("%w: stream error: %s", ErrUnavailable, evt.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading stream: %v", ErrUnavailable, err)
	}

	// Stream closed without message_end; keep what arrived.
	return &Reply{Text: answer.String(), SessionRef: sessionRef}, nil
}
