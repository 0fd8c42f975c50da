package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is the per-tenant AI configuration that answers customers.
type Agent struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Name           string    `json:"name"`
	SystemPrompt   string    `json:"system_prompt"`
	Provider       string    `json:"provider"` // "openai", "anthropic", or "" for the server default
	Model          string    `json:"model"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens"`
	HistoryLimit   int       `json:"history_limit"`
	KnowledgeLimit int       `json:"knowledge_limit"`
	IsDefault      bool      `json:"is_default"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Bounds for agent-level generation settings.
const (
	MaxAgentTemperature = 2.0
	MaxAgentTokens      = 8192
	MaxHistoryLimit     = 100
)

// Validate checks generation settings before they reach the model client.
func (a Agent) Validate() error {
	if a.Temperature < 0 || a.Temperature > MaxAgentTemperature {
		return fmt.Errorf("temperature must be between 0 and %.1f", MaxAgentTemperature)
	}
	if a.MaxTokens < 0 || a.MaxTokens > MaxAgentTokens {
		return fmt.Errorf("max_tokens must be between 0 and %d", MaxAgentTokens)
	}
	if a.HistoryLimit < 0 || a.HistoryLimit > MaxHistoryLimit {
		return fmt.Errorf("history_limit must be between 0 and %d", MaxHistoryLimit)
	}
	return nil
}

// HistoryWindow returns the agent's history limit, or fallback when unset.
func (a Agent) HistoryWindow(fallback int) int {
	if a.HistoryLimit > 0 {
		return a.HistoryLimit
	}
	return fallback
}

// KnowledgeWindow returns the agent's knowledge top-K, or fallback when unset.
func (a Agent) KnowledgeWindow(fallback int) int {
	if a.KnowledgeLimit > 0 {
		return a.KnowledgeLimit
	}
	return fallback
}
