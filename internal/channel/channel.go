// Package channel defines the outbound transport adapters used by the
// delivery workers and the per-channel prompt hints used when building
// model context.
package channel

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Outbound is one reply ready for a provider.
type Outbound struct {
	MessageID      uuid.UUID
	ConversationID uuid.UUID
	To             string // channel-native address: phone number, email address
	Body           string
	HTML           string

	// Email threading. Empty on channels without threads.
	Subject    string
	InReplyTo  string
	References string
}

// SendResult describes an accepted send.
type SendResult struct {
	Provider          string
	ProviderMessageID string
	Metadata          map[string]any
}

// Channel delivers replies over one transport. Send returns a
// *PermanentError when retrying cannot help; any other error is retried.
type Channel interface {
	Name() string
	PromptHints() string
	Send(ctx context.Context, tenantID uuid.UUID, out Outbound) (SendResult, error)
}

// Hints for channels that are answered by the AI but have no adapter here
// (their delivery happens elsewhere).
var defaultHints = map[string]string{
	"widget": "The customer is chatting in a website widget. Reply conversationally in short paragraphs. Light markdown (bold, lists, links) renders correctly.",
	"sms":    "The customer is using SMS. Reply in plain text under 320 characters. No markdown, no links unless essential.",
}

// Registry holds the configured channels and prompt hints.
type Registry struct {
	mu        sync.RWMutex
	channels  map[string]Channel
	overrides map[string]string
}

// NewRegistry returns a registry holding channels.
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel), overrides: make(map[string]string)}
	for _, ch := range channels {
		r.Register(ch)
	}
	return r
}

// Register adds or replaces a channel by name.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names lists registered channels in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hints returns formatting guidance for replies on channel. Overrides win,
// then the adapter's own hints, then built-in hints. Unknown channels get "".
func (r *Registry) Hints(channel string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.overrides[channel]; ok {
		return h
	}
	if ch, ok := r.channels[channel]; ok {
		return ch.PromptHints()
	}
	return defaultHints[channel]
}

// SetHints overrides the hints for one channel.
func (r *Registry) SetHints(channel, hints string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[channel] = hints
}

// LoadHintsFile reads a YAML mapping of channel name to hints and applies
// each entry as an override.
//
//	whatsapp: Keep it under three sentences.
//	email: Sign off as "The Support Team".
func (r *Registry) LoadHintsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("channel: read hints file: %w", err)
	}
	var hints map[string]string
	if err := yaml.Unmarshal(raw, &hints); err != nil {
		return fmt.Errorf("channel: parse hints file %s: %w", path, err)
	}
	for name, h := range hints {
		r.SetHints(name, h)
	}
	return nil
}
