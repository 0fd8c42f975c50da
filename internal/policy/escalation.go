package policy

import (
	"bytes"
	"cmp"
	"slices"
	"strings"

	"github.com/ashita-ai/dengon/internal/model"
)

// EscalationMatch is a rule whose conditions held.
type EscalationMatch struct {
	Rule model.EscalationRule
}

// SortEscalationRules orders rules like SortGuardrails.
func SortEscalationRules(rules []model.EscalationRule) []model.EscalationRule {
	out := slices.Clone(rules)
	slices.SortStableFunc(out, func(a, b model.EscalationRule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out
}

// EvaluateEscalations returns every active rule whose conditions hold
// against attrs, in rule order. A rule without conditions never matches.
func EvaluateEscalations(attrs map[string]string, rules []model.EscalationRule) []EscalationMatch {
	var out []EscalationMatch
	for _, r := range SortEscalationRules(rules) {
		if !r.IsActive || len(r.Conditions) == 0 {
			continue
		}
		if ruleHolds(attrs, r) {
			out = append(out, EscalationMatch{Rule: r})
		}
	}
	return out
}

// Events converts matches to escalation events for one reply.
func Events(matches []EscalationMatch, attrs map[string]string) []model.EscalationEvent {
	events := make([]model.EscalationEvent, 0, len(matches))
	for _, m := range matches {
		events = append(events, model.EscalationEvent{
			TenantID:    m.Rule.TenantID,
			RuleID:      m.Rule.ID,
			RuleName:    m.Rule.Name,
			Action:      m.Rule.Action,
			ActionValue: m.Rule.ActionValue,
			Attributes:  attrs,
		})
	}
	return events
}

// Handoff reports whether any match hands the conversation to a human.
func Handoff(matches []EscalationMatch) bool {
	return slices.ContainsFunc(matches, func(m EscalationMatch) bool {
		return m.Rule.Action == model.EscalateHandoff
	})
}

func ruleHolds(attrs map[string]string, r model.EscalationRule) bool {
	if r.MatchMode == model.MatchAny {
		return slices.ContainsFunc(r.Conditions, func(c model.Condition) bool { return conditionHolds(attrs, c) })
	}
	for _, c := range r.Conditions {
		if !conditionHolds(attrs, c) {
			return false
		}
	}
	return true
}

func conditionHolds(attrs map[string]string, c model.Condition) bool {
	v, ok := attrs[c.Attribute]
	if !ok {
		return false
	}
	switch c.Operator {
	case model.OpEquals:
		return strings.EqualFold(v, c.Value)
	case model.OpNotEquals:
		return !strings.EqualFold(v, c.Value)
	case model.OpIn:
		candidates := c.Values
		if len(candidates) == 0 && c.Value != "" {
			candidates = []string{c.Value}
		}
		return slices.ContainsFunc(candidates, func(s string) bool { return strings.EqualFold(v, s) })
	default:
		return false
	}
}
