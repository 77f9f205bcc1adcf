package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Selector describes which items inside a handle an operation applies to.
// It is a closed sum: SelectAll, SelectIndices, or SelectCriteria.
type Selector interface {
	selector()
	// Describe returns a short human-readable form for logs and previews.
	Describe() string
}

// SelectAll selects every index in the handle.
type SelectAll struct{}

func (SelectAll) selector()        {}
func (SelectAll) Describe() string { return "all" }

// SelectIndices selects an explicit ordered list of 0-based indices.
// Duplicates are coalesced preserving first occurrence; out-of-range
// entries are a selector error at resolution time.
type SelectIndices []int

func (SelectIndices) selector() {}
func (s SelectIndices) Describe() string {
	return fmt.Sprintf("indices(%d)", len(s))
}

// SelectCriteria selects items matching a criteria predicate.
type SelectCriteria struct {
	Criteria Criteria
}

func (SelectCriteria) selector()        {}
func (SelectCriteria) Describe() string { return "criteria" }

// Criteria is a declarative item predicate. Fields combine by AND; values
// within a field combine by OR. Empty fields do not constrain.
type Criteria struct {
	States             []string `json:"states,omitempty"`
	Types              []string `json:"types,omitempty"`
	TagsIncludeAny     []string `json:"tags_include_any,omitempty"`
	TagsIncludeAll     []string `json:"tags_include_all,omitempty"`
	AssignedToAny      []string `json:"assigned_to_any,omitempty"` // "unassigned" matches a missing identity
	DaysInactiveMin    *int     `json:"days_inactive_min,omitempty"`
	DaysInactiveMax    *int     `json:"days_inactive_max,omitempty"`
	TitleMatches       string   `json:"title_matches,omitempty"`
	MissingDescription bool     `json:"missing_description,omitempty"`
	MissingAcceptance  bool     `json:"missing_acceptance_criteria,omitempty"`

	// Compiled form of TitleMatches, populated by Compile.
	titleRe *regexp.Regexp
}

// Compile validates the criteria and compiles the title regex.
func (c *Criteria) Compile() error {
	if c.TitleMatches == "" {
		return nil
	}
	re, err := regexp.Compile(c.TitleMatches)
	if err != nil {
		return fmt.Errorf("invalid title_matches pattern: %w", err)
	}
	c.titleRe = re
	return nil
}

// Matches reports whether the item satisfies every populated criterion.
// DaysInactive bounds only match items whose staleness is known.
func (c *Criteria) Matches(item *ItemContext) bool {
	if len(c.States) > 0 && !containsFold(c.States, item.State) {
		return false
	}
	if len(c.Types) > 0 && !containsFold(c.Types, item.Type) {
		return false
	}
	if len(c.TagsIncludeAny) > 0 && !tagsIntersect(item.Tags, c.TagsIncludeAny) {
		return false
	}
	if len(c.TagsIncludeAll) > 0 && !tagsSuperset(item.Tags, c.TagsIncludeAll) {
		return false
	}
	if len(c.AssignedToAny) > 0 && !assigneeMatches(item.AssignedTo, c.AssignedToAny) {
		return false
	}
	if c.DaysInactiveMin != nil || c.DaysInactiveMax != nil {
		if item.DaysInactive == nil {
			return false
		}
		d := *item.DaysInactive
		if c.DaysInactiveMin != nil && d < *c.DaysInactiveMin {
			return false
		}
		if c.DaysInactiveMax != nil && d > *c.DaysInactiveMax {
			return false
		}
	}
	if c.titleRe != nil && !c.titleRe.MatchString(item.Title) {
		return false
	}
	if c.MissingDescription && item.HasDescription {
		return false
	}
	if c.MissingAcceptance && item.HasAcceptanceCriteria {
		return false
	}
	return true
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func tagsIntersect(tags, want []string) bool {
	for _, w := range want {
		if containsFold(tags, w) {
			return true
		}
	}
	return false
}

func tagsSuperset(tags, want []string) bool {
	for _, w := range want {
		if !containsFold(tags, w) {
			return false
		}
	}
	return true
}

func assigneeMatches(assignee *Identity, want []string) bool {
	for _, w := range want {
		if strings.EqualFold(w, "unassigned") {
			if assignee == nil || assignee.UniqueName == "" {
				return true
			}
			continue
		}
		if assignee != nil && strings.EqualFold(assignee.UniqueName, w) {
			return true
		}
	}
	return false
}

// ParseSelector decodes the wire form of a selector: the string "all", a
// JSON array of integers, or a criteria object.
func ParseSelector(raw json.RawMessage) (Selector, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("selector is required")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid selector: %w", err)
		}
		if !strings.EqualFold(s, "all") {
			return nil, fmt.Errorf("invalid selector literal %q (want \"all\", an index array, or a criteria object)", s)
		}
		return SelectAll{}, nil
	case '[':
		var idxs []int
		if err := json.Unmarshal(raw, &idxs); err != nil {
			return nil, fmt.Errorf("invalid index selector: %w", err)
		}
		return SelectIndices(idxs), nil
	case '{':
		var c Criteria
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("invalid criteria selector: %w", err)
		}
		if err := c.Compile(); err != nil {
			return nil, err
		}
		return SelectCriteria{Criteria: c}, nil
	default:
		return nil, fmt.Errorf("invalid selector: %s", trimmed)
	}
}
