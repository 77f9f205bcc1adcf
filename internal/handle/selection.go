package handle

import (
	"sort"

	"github.com/steveyegge/handlebar/internal/types"
)

// BuildSelectionMetadata aggregates the selection space of a result set:
// every tag observed across items plus state and type histograms. Agents
// use it to write criteria selectors without guessing at values.
func BuildSelectionMetadata(items []types.ItemContext) types.SelectionMetadata {
	states := make(map[string]int)
	typesHist := make(map[string]int)
	tagSet := make(map[string]bool)

	for i := range items {
		it := &items[i]
		if it.State != "" {
			states[it.State]++
		}
		if it.Type != "" {
			typesHist[it.Type]++
		}
		for _, tag := range it.Tags {
			tagSet[tag] = true
		}
	}

	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	return types.SelectionMetadata{
		SelectableCount: len(items),
		CriteriaTags:    tags,
		StateHistogram:  states,
		TypeHistogram:   typesHist,
	}
}
