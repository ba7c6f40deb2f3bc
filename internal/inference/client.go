// Package inference wraps the external question-answering service.
//
// The service accepts {question, context?} and answers with one of a few
// known JSON shapes. It is treated as an opaque, possibly slow dependency:
// the client owns the timeout and normalizes every response to one string.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
)

// ErrUnavailable covers transport failures, timeouts and non-2xx responses.
var ErrUnavailable = errors.New("inference service unavailable")

const (
	// DefaultTimeout bounds a single ask round trip.
	DefaultTimeout = 30 * time.Second

	// fallbackAnswer is returned when the response matches none of the known
	// shapes. Callers treat it as a valid (if unhelpful) answer, not an error.
	fallbackAnswer = "No response from AI agent"
)

// ContextMessage is one prior turn sent along with a question.
type ContextMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	SentAt string `json:"sentAt"`
}

// Client posts questions to the inference endpoint.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the given endpoint URL.
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

type askRequest struct {
	Question string           `json:"question"`
	Context  []ContextMessage `json:"context,omitempty"`
}

// Ask posts the question (with prior context when present) and returns the
// normalized answer string. Failures to reach the service, including the
// timeout, are reported as ErrUnavailable.
func (c *Client) Ask(ctx context.Context, question string, history []ContextMessage) (string, error) {
	body, err := json.Marshal(askRequest{Question: question, Context: history})
	if err != nil {
		return "", fmt.Errorf("failed to encode ask request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build ask request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return extractAnswer(payload), nil
}

// extractors are the known response shapes, probed in order. First string
// match wins; no match falls through to the fixed fallback.
var extractors = []func(map[string]any) (string, bool){
	field("result"),
	nested("data", "result"),
	field("answer"),
	field("response"),
}

func extractAnswer(payload map[string]any) string {
	for _, extract := range extractors {
		if s, ok := extract(payload); ok {
			return s
		}
	}
	return fallbackAnswer
}

func field(key string) func(map[string]any) (string, bool) {
	return func(p map[string]any) (string, bool) {
		s, ok := p[key].(string)
		return s, ok
	}
}

func nested(outer, inner string) func(map[string]any) (string, bool) {
	return func(p map[string]any) (string, bool) {
		m, ok := p[outer].(map[string]any)
		if !ok {
			return "", false
		}
		s, ok := m[inner].(string)
		return s, ok
	}
}

// HistoryContext maps a conversation's history to context entries in
// chronological order, skipping assistant messages recorded for failed
// inference calls.
func HistoryContext(msgs []model.Message) []ContextMessage {
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Error {
			continue
		}
		out = append(out, ContextMessage{
			Sender: string(m.Sender),
			Text:   m.Text,
			SentAt: m.SentAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
