package model

import (
	"time"

	"github.com/google/uuid"
)

// TriggerType selects how a guardrail decides whether it applies.
type TriggerType string

const (
	TriggerKeyword  TriggerType = "keyword"
	TriggerRegex    TriggerType = "regex"
	TriggerSemantic TriggerType = "semantic"
)

// GuardrailAction is what happens when a guardrail matches.
type GuardrailAction string

const (
	ActionBlock    GuardrailAction = "block"
	ActionWarn     GuardrailAction = "warn"
	ActionRedirect GuardrailAction = "redirect"
	ActionModify   GuardrailAction = "modify"
)

// GuardrailTarget is the text a guardrail inspects.
type GuardrailTarget string

const (
	TargetInput  GuardrailTarget = "input"  // the customer's message, before generation
	TargetOutput GuardrailTarget = "output" // the generated reply, before delivery
)

// Guardrail is a tenant (or agent) scoped rule that can block, warn,
// redirect or modify a reply.
type Guardrail struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	AgentID         *uuid.UUID      `json:"agent_id,omitempty"`
	Name            string          `json:"name"`
	Priority        int             `json:"priority"`
	IsActive        bool            `json:"is_active"`
	TriggerType     TriggerType     `json:"trigger_type"`
	TriggerValue    string          `json:"trigger_value"`
	Target          GuardrailTarget `json:"target"`
	Action          GuardrailAction `json:"action"`
	TriggerResponse string          `json:"trigger_response"`
	CreatedAt       time.Time       `json:"created_at"`
}

// MatchMode controls how escalation conditions combine.
type MatchMode string

const (
	MatchAll MatchMode = "all"
	MatchAny MatchMode = "any"
)

// ConditionOperator compares a detected attribute value.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "equals"
	OpNotEquals ConditionOperator = "not_equals"
	OpIn        ConditionOperator = "in"
)

// EscalationAction is the side effect recorded when a rule fires.
type EscalationAction string

const (
	EscalateHandoff  EscalationAction = "escalate"
	EscalateRoute    EscalationAction = "route"
	EscalateTag      EscalationAction = "tag"
	EscalatePriority EscalationAction = "priority"
)

// Condition tests a single detected attribute.
type Condition struct {
	Attribute string            `json:"attribute"`
	Operator  ConditionOperator `json:"operator"`
	Value     string            `json:"value,omitempty"`
	Values    []string          `json:"values,omitempty"`
}

// EscalationRule fires a side effect when conversation attributes match.
type EscalationRule struct {
	ID          uuid.UUID        `json:"id"`
	TenantID    uuid.UUID        `json:"tenant_id"`
	AgentID     *uuid.UUID       `json:"agent_id,omitempty"`
	Name        string           `json:"name"`
	Priority    int              `json:"priority"`
	IsActive    bool             `json:"is_active"`
	MatchMode   MatchMode        `json:"match_mode"`
	Conditions  []Condition      `json:"conditions"`
	Action      EscalationAction `json:"action"`
	ActionValue string           `json:"action_value,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// AttributeValue is one allowed value of an attribute with the keywords
// that indicate it.
type AttributeValue struct {
	Value    string   `json:"value"`
	Keywords []string `json:"keywords"`
}

// Attribute is a tenant-defined categorical signal such as sentiment or urgency.
type Attribute struct {
	ID       uuid.UUID        `json:"id"`
	TenantID uuid.UUID        `json:"tenant_id"`
	Key      string           `json:"key"`
	Values   []AttributeValue `json:"values"`
	Default  string           `json:"default,omitempty"`
}

// EscalationEvent records a fired escalation rule.
type EscalationEvent struct {
	ID             uuid.UUID         `json:"id"`
	TenantID       uuid.UUID         `json:"tenant_id"`
	ConversationID uuid.UUID         `json:"conversation_id"`
	MessageID      uuid.UUID         `json:"message_id"`
	RuleID         uuid.UUID         `json:"rule_id"`
	RuleName       string            `json:"rule_name"`
	Action         EscalationAction  `json:"action"`
	ActionValue    string            `json:"action_value,omitempty"`
	Attributes     map[string]string `json:"attributes"`
	CreatedAt      time.Time         `json:"created_at"`
}

// KnowledgeChunk is a retrievable snippet of tenant knowledge.
type KnowledgeChunk struct {
	ID        uuid.UUID  `json:"id"`
	TenantID  uuid.UUID  `json:"tenant_id"`
	AgentID   *uuid.UUID `json:"agent_id,omitempty"`
	Source    string     `json:"source"`
	Content   string     `json:"content"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"created_at"`
}

// KnowledgeResult pairs a chunk with its similarity score.
type KnowledgeResult struct {
	Chunk KnowledgeChunk `json:"chunk"`
	Score float32        `json:"score"`
}
