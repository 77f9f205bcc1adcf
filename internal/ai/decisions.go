package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is the typed per-item verdict every AI-assisted action must
// parse the model's reply into. Confidence gates application: items below
// the caller's threshold are skipped, never mutated.
type Decision struct {
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description,omitempty"`
	StoryPoints *float64 `json:"story_points,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Analysis    string   `json:"analysis,omitempty"`
}

// ParseDecision extracts the first JSON object from a model reply and
// decodes it. Models wrap JSON in prose and code fences often enough that
// tolerant extraction is the normal path, not the fallback.
func ParseDecision(reply string) (*Decision, error) {
	raw, err := extractJSONObject(reply)
	if err != nil {
		return nil, err
	}
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decision did not parse: %w", err)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, fmt.Errorf("decision confidence %v outside [0,1]", d.Confidence)
	}
	return &d, nil
}

// extractJSONObject returns the first balanced {...} region of s.
func extractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in reply")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in reply")
}
