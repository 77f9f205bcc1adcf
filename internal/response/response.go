// Package response normalizes every tool result into one envelope shape:
// {success, data, metadata, errors, warnings}. Component errors are mapped
// to stable category codes so agents can branch on them without parsing
// prose.
package response

import (
	"errors"
	"fmt"

	"github.com/steveyegge/handlebar/internal/ado"
)

// Envelope is the canonical tool-call result.
type Envelope struct {
	Success  bool           `json:"success"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Short stable codes, one per error category, for programmatic handling.
var categoryCodes = map[ado.Category]string{
	ado.CategoryValidation:       "E_VALIDATION",
	ado.CategoryNotFound:         "E_NOT_FOUND",
	ado.CategoryAuth:             "E_AUTH",
	ado.CategoryAuthForbidden:    "E_FORBIDDEN",
	ado.CategoryConflict:         "E_CONFLICT",
	ado.CategoryPrecondition:     "E_CONFLICT",
	ado.CategoryRateLimit:        "E_RATE_LIMIT",
	ado.CategoryUpstream:         "E_UPSTREAM",
	ado.CategoryNetwork:          "E_NETWORK",
	ado.CategoryBusiness:         "E_BUSINESS",
	ado.CategoryAIUnavailable:    "E_AI_UNAVAILABLE",
	ado.CategoryQueryUnsupported: "E_QUERY_UNSUPPORTED",
}

// Code returns the stable code for a category.
func Code(cat ado.Category) string {
	if c, ok := categoryCodes[cat]; ok {
		return c
	}
	return "E_UPSTREAM"
}

// OK builds a success envelope.
func OK(data any) *Envelope {
	return &Envelope{Success: true, Data: data, Metadata: map[string]any{}}
}

// WithWarnings attaches warnings and returns the envelope for chaining.
func (e *Envelope) WithWarnings(warnings ...string) *Envelope {
	e.Warnings = append(e.Warnings, warnings...)
	return e
}

// WithMeta sets one metadata key and returns the envelope for chaining.
func (e *Envelope) WithMeta(key string, value any) *Envelope {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

// FromError builds a failure envelope from any error, extracting the
// category when the chain carries one.
func FromError(err error) *Envelope {
	cat := ado.CategoryUpstream
	var ae *ado.Error
	if errors.As(err, &ae) {
		cat = ae.Category
	}
	return &Envelope{
		Success: false,
		Errors:  []string{err.Error()},
		Metadata: map[string]any{
			"error_category": string(cat),
			"error_code":     Code(cat),
		},
	}
}

// Fail builds a failure envelope with an explicit category.
func Fail(cat ado.Category, format string, args ...any) *Envelope {
	return &Envelope{
		Success: false,
		Errors:  []string{fmt.Sprintf(format, args...)},
		Metadata: map[string]any{
			"error_category": string(cat),
			"error_code":     Code(cat),
		},
	}
}

// Recover traps a panic into a failure envelope. Tool handlers defer this
// so component-level panics never escape the envelope contract.
func Recover(envp **Envelope) {
	if r := recover(); r != nil {
		*envp = Fail(ado.CategoryBusiness, "internal error: %v", r)
	}
}
