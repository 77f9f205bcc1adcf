package types

import "strings"

// SplitTags parses ADO's semicolon-joined System.Tags value.
func SplitTags(raw string) []string {
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// JoinTags is the inverse of SplitTags, used when composing tag patches.
func JoinTags(tags []string) string {
	return strings.Join(tags, "; ")
}

// MergeTags returns existing plus any of added not already present
// (case-insensitive). Order of existing tags is preserved.
func MergeTags(existing, added []string) []string {
	out := append([]string(nil), existing...)
	for _, a := range added {
		if !containsFold(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// StripTags returns existing minus removed (case-insensitive).
func StripTags(existing, removed []string) []string {
	out := make([]string, 0, len(existing))
	for _, e := range existing {
		if !containsFold(removed, e) {
			out = append(out, e)
		}
	}
	return out
}
