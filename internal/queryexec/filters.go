package queryexec

import (
	"strings"

	"github.com/steveyegge/handlebar/internal/ado"
	"github.com/steveyegge/handlebar/internal/types"
)

// Named filter patterns accepted by FilterByPatterns.
const (
	PatternDuplicates         = "duplicates"
	PatternMissingDescription = "missing_description"
	PatternMissingAcceptance  = "missing_acceptance_criteria"
	PatternStale              = "stale"
)

// staleThresholdDays is what "stale" means as a named pattern.
const staleThresholdDays = 180

// applyFilters runs the client-side filter pipeline over the materialized
// contexts. Filters never re-issue ADO queries; they operate on what the
// batch read already fetched. Relative order of survivors is preserved;
// the caller re-indexes afterwards. Returns survivors and the drop count.
func applyFilters(items []types.ItemContext, opts Options) ([]types.ItemContext, int, error) {
	preds, err := buildPredicates(opts)
	if err != nil {
		return nil, 0, err
	}
	if len(preds) == 0 {
		return items, 0, nil
	}

	out := make([]types.ItemContext, 0, len(items))
	seenTitles := make(map[string]bool)
	for i := range items {
		keep := true
		for _, p := range preds {
			if !p(&items[i], seenTitles) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, items[i])
		}
	}
	return out, len(items) - len(out), nil
}

type predicate func(*types.ItemContext, map[string]bool) bool

func buildPredicates(opts Options) ([]predicate, error) {
	var preds []predicate

	if opts.FilterByDaysInactiveMin != nil || opts.FilterByDaysInactiveMax != nil {
		min, max := opts.FilterByDaysInactiveMin, opts.FilterByDaysInactiveMax
		preds = append(preds, func(it *types.ItemContext, _ map[string]bool) bool {
			if it.DaysInactive == nil {
				return false
			}
			if min != nil && *it.DaysInactive < *min {
				return false
			}
			if max != nil && *it.DaysInactive > *max {
				return false
			}
			return true
		})
	}
	if opts.FilterByMissingDescription {
		preds = append(preds, func(it *types.ItemContext, _ map[string]bool) bool {
			return !it.HasDescription
		})
	}
	if opts.FilterByMissingAcceptanceCriteria {
		preds = append(preds, func(it *types.ItemContext, _ map[string]bool) bool {
			return !it.HasAcceptanceCriteria
		})
	}

	for _, pattern := range opts.FilterByPatterns {
		switch pattern {
		case PatternMissingDescription:
			preds = append(preds, func(it *types.ItemContext, _ map[string]bool) bool {
				return !it.HasDescription
			})
		case PatternMissingAcceptance:
			preds = append(preds, func(it *types.ItemContext, _ map[string]bool) bool {
				return !it.HasAcceptanceCriteria
			})
		case PatternStale:
			preds = append(preds, func(it *types.ItemContext, _ map[string]bool) bool {
				return it.DaysInactive != nil && *it.DaysInactive >= staleThresholdDays
			})
		case PatternDuplicates:
			// Keeps only repeat occurrences of a normalized title, so the
			// surviving set is "items that duplicate an earlier one".
			preds = append(preds, func(it *types.ItemContext, seen map[string]bool) bool {
				key := strings.ToLower(strings.TrimSpace(it.Title))
				if key == "" {
					return false
				}
				if seen[key] {
					return true
				}
				seen[key] = true
				return false
			})
		default:
			return nil, ado.NewError(ado.CategoryValidation, "unknown filter pattern %q", pattern)
		}
	}
	return preds, nil
}
