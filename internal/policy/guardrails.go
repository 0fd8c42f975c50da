// Package policy evaluates tenant guardrails and escalation rules.
//
// Evaluation is pure: callers load the rules, precompute any semantic
// verdicts, and pass everything in. Nothing here performs I/O.
package policy

import (
	"bytes"
	"cmp"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/dengon/internal/model"
)

// Input is the text under evaluation plus delegated verdicts.
type Input struct {
	Text string

	// Semantic holds the precomputed verdict for each semantic guardrail,
	// keyed by guardrail id. A missing entry means "did not match".
	Semantic map[uuid.UUID]bool

	// Fallback replaces a blocked reply when the guardrail has no response.
	Fallback string
}

// Decision is the outcome of guardrail evaluation for one stage.
type Decision struct {
	Stage     model.GuardrailTarget
	Guardrail *model.Guardrail // nil when nothing matched

	// Blocked means the generated (or to-be-generated) text must be replaced
	// by Reply. Set for block and redirect.
	Blocked bool
	Reply   string

	// Invalid lists guardrails skipped because their regex does not compile.
	Invalid []uuid.UUID

	spans [][]int
}

// Matched reports whether any guardrail fired.
func (d Decision) Matched() bool { return d.Guardrail != nil }

// Warned reports whether the firing guardrail only warns.
func (d Decision) Warned() bool {
	return d.Guardrail != nil && d.Guardrail.Action == model.ActionWarn
}

// SortGuardrails orders guardrails by priority (highest first), then
// creation time, then id. The input slice is not modified.
func SortGuardrails(gs []model.Guardrail) []model.Guardrail {
	out := slices.Clone(gs)
	slices.SortStableFunc(out, func(a, b model.Guardrail) int {
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

// EvaluateGuardrails returns the decision of the first active guardrail for
// stage whose trigger matches in.Text, in SortGuardrails order.
func EvaluateGuardrails(in Input, guardrails []model.Guardrail, stage model.GuardrailTarget) Decision {
	d := Decision{Stage: stage}
	for _, g := range SortGuardrails(guardrails) {
		if !g.IsActive || g.Target != stage {
			continue
		}
		spans, ok, valid := matchGuardrail(in, g)
		if !valid {
			d.Invalid = append(d.Invalid, g.ID)
			continue
		}
		if !ok {
			continue
		}

		d.Guardrail = &g
		d.spans = spans
		switch g.Action {
		case model.ActionBlock, model.ActionRedirect:
			d.Blocked = true
			d.Reply = g.TriggerResponse
			if d.Reply == "" {
				d.Reply = in.Fallback
			}
		}
		return d
	}
	return d
}

// PostProcess applies a modify decision to the generated reply. Input-stage
// modify appends the trigger response; output-stage modify replaces the
// matched spans (the whole reply for semantic triggers). Other decisions
// return reply unchanged.
func (d Decision) PostProcess(reply string) string {
	if d.Guardrail == nil || d.Guardrail.Action != model.ActionModify {
		return reply
	}
	resp := d.Guardrail.TriggerResponse
	if d.Stage == model.TargetInput {
		if resp == "" {
			return reply
		}
		return strings.TrimRight(reply, " \n") + "\n\n" + resp
	}
	if len(d.spans) == 0 {
		return resp
	}
	var b strings.Builder
	last := 0
	for _, s := range d.spans {
		b.WriteString(reply[last:s[0]])
		b.WriteString(resp)
		last = s[1]
	}
	b.WriteString(reply[last:])
	return b.String()
}

// Annotate records the decision on reply metadata.
func (d Decision) Annotate(meta map[string]any) {
	if d.Guardrail == nil {
		return
	}
	meta[model.MetaGuardrailID] = d.Guardrail.ID.String()
	meta[model.MetaGuardrailAction] = string(d.Guardrail.Action)
	if d.Guardrail.Action == model.ActionWarn {
		meta[model.MetaGuardrailWarn] = d.Guardrail.Name
	}
}

// matchGuardrail reports the matched spans, whether the trigger matched, and
// whether the trigger is usable at all.
func matchGuardrail(in Input, g model.Guardrail) (spans [][]int, matched, valid bool) {
	switch g.TriggerType {
	case model.TriggerKeyword:
		re := keywordPattern(g.TriggerValue)
		if re == nil {
			return nil, false, true
		}
		spans = re.FindAllStringIndex(in.Text, -1)
		return spans, len(spans) > 0, true
	case model.TriggerRegex:
		re, err := regexp.Compile(g.TriggerValue)
		if err != nil {
			return nil, false, false
		}
		spans = re.FindAllStringIndex(in.Text, -1)
		return spans, len(spans) > 0, true
	case model.TriggerSemantic:
		return nil, in.Semantic[g.ID], true
	default:
		return nil, false, false
	}
}

// keywordPattern compiles comma-separated keywords into one case-insensitive
// alternation. Returns nil when no keyword is non-blank.
func keywordPattern(value string) *regexp.Regexp {
	var parts []string
	for _, kw := range strings.Split(value, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			parts = append(parts, regexp.QuoteMeta(kw))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(parts, "|") + `)`)
}
