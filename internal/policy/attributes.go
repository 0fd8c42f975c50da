package policy

import (
	"strings"

	"github.com/ashita-ai/dengon/internal/model"
)

// DetectAttributes assigns each attribute the first of its values whose
// keywords appear in text (case-insensitive substring), falling back to the
// attribute's default. Attributes with neither are left out.
func DetectAttributes(text string, attributes []model.Attribute) map[string]string {
	lower := strings.ToLower(text)
	out := make(map[string]string, len(attributes))
	for _, a := range attributes {
		if v, ok := detectValue(lower, a.Values); ok {
			out[a.Key] = v
			continue
		}
		if a.Default != "" {
			out[a.Key] = a.Default
		}
	}
	return out
}

func detectValue(lowerText string, values []model.AttributeValue) (string, bool) {
	for _, v := range values {
		for _, kw := range v.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lowerText, kw) {
				return v.Value, true
			}
		}
	}
	return "", false
}
