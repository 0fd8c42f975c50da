// Package llm wraps the chat-completion providers used to generate replies.
//
// Callers build a provider-neutral Request; each Client translates it to its
// SDK and classifies failures as permanent or transient.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response is the generated completion.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Client generates chat completions.
type Client interface {
	Provider() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// DefaultMaxTokens is used when a request leaves MaxTokens unset.
const DefaultMaxTokens = 1024

// PermanentError marks a request the provider will never accept as sent:
// bad credentials, an unknown model, an invalid payload.
type PermanentError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("llm: %s: permanent (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// ErrEmptyCompletion is returned when the provider answers with no text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// classify wraps an SDK error. Client errors other than timeouts, conflicts
// and throttling are permanent; everything else is retried by redelivery.
func classify(provider string, status int, err error) error {
	switch {
	case status == 0:
		return fmt.Errorf("llm: %s: %w", provider, err)
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status == http.StatusTooManyRequests:
		return fmt.Errorf("llm: %s: status %d: %w", provider, status, err)
	case status >= 400 && status < 500:
		return &PermanentError{Provider: provider, StatusCode: status, Err: err}
	default:
		return fmt.Errorf("llm: %s: status %d: %w", provider, status, err)
	}
}

// Router picks a client per agent provider name, falling back to a default.
type Router struct {
	clients  map[string]Client
	fallback Client
}

// NewRouter returns a router whose default is fallback.
func NewRouter(fallback Client, others ...Client) *Router {
	r := &Router{clients: make(map[string]Client), fallback: fallback}
	if fallback != nil {
		r.clients[fallback.Provider()] = fallback
	}
	for _, c := range others {
		r.clients[c.Provider()] = c
	}
	return r
}

// For returns the client for provider, or the default when provider is
// empty or not configured.
func (r *Router) For(provider string) Client {
	if c, ok := r.clients[strings.ToLower(provider)]; ok {
		return c
	}
	return r.fallback
}

// systemAndTurns splits leading and interleaved system messages from the
// conversational turns, merging adjacent turns that share a role.
func systemAndTurns(msgs []Message) (system []string, turns []Message) {
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == m.Role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
