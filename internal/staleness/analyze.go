// Package staleness computes, per work item, the last change a human
// actually made. It replays revision history newest-first and classifies
// each revision as substantive (title, description, state, ...) or
// automated (housekeeping fields, or a bot author touching nothing
// substantive). The walk itself is a pure function so it tests without a
// network.
package staleness

import (
	"reflect"
	"strings"
	"time"

	"github.com/steveyegge/handlebar/internal/types"
)

// Field reference names that make a revision substantive when changed.
var substantiveFields = []string{
	"System.Title",
	"System.Description",
	"Microsoft.VSTS.Common.AcceptanceCriteria",
	"Microsoft.VSTS.TCM.ReproSteps",
	"System.State",
	"System.AssignedTo",
	"Microsoft.VSTS.Common.Priority",
	"Microsoft.VSTS.Scheduling.StoryPoints",
	"System.Tags",
}

// Revision is one entry of a work item's history, oldest state of the walk
// last. Fields holds the full field bag at that revision.
type Revision struct {
	Rev         int
	ChangedBy   types.Identity
	ChangedDate time.Time
	Fields      map[string]any
}

// Options tunes the classification.
type Options struct {
	// AutomationPatterns are substring matches against the revision
	// author's display name ("Build Service", "Bot", ...). A matching
	// author makes the revision automated unless a substantive field
	// changed.
	AutomationPatterns []string
	// ExtraSubstantiveFields extends the built-in substantive set with
	// caller-defined reference names.
	ExtraSubstantiveFields []string
	// NonSubstantiveFields flags additional fields as housekeeping.
	NonSubstantiveFields []string
}

// Status of a verdict: ok or unknown (history unavailable).
type Status string

const (
	StatusOK      Status = "ok"
	StatusUnknown Status = "unknown"
)

// Verdict is the per-item result.
type Verdict struct {
	Status                    Status     `json:"status"`
	Reason                    string     `json:"reason,omitempty"`
	LastSubstantiveChange     *time.Time `json:"last_substantive_change,omitempty"`
	LastSubstantiveChangeBy   string     `json:"last_substantive_change_by,omitempty"`
	DaysInactive              *int       `json:"days_inactive,omitempty"`
	AutomatedRevisionsSkipped int        `json:"automated_revisions_skipped"`
	AllChangesWereAutomated   bool       `json:"all_changes_were_automated"`
}

// Analyze walks revisions in reverse-chronological order, comparing each
// revision with its predecessor, and returns the staleness verdict at now.
// revisions must be sorted newest first; the final (oldest) entry is the
// creation revision. An empty history yields StatusUnknown.
func Analyze(revisions []Revision, opts Options, now time.Time) Verdict {
	if len(revisions) == 0 {
		return Verdict{Status: StatusUnknown, Reason: "no revisions"}
	}

	substantive := append(append([]string{}, substantiveFields...), opts.ExtraSubstantiveFields...)

	// Classify every pairwise diff in the window: the newest substantive
	// one anchors the verdict, and the automated count covers the whole
	// window, not just the revisions newer than the anchor.
	skipped := 0
	var anchor *Revision
	for i := 0; i+1 < len(revisions); i++ {
		cur, prev := revisions[i], revisions[i+1]
		if revisionIsSubstantive(cur, prev, substantive, opts) {
			if anchor == nil {
				anchor = &revisions[i]
			}
		} else {
			skipped++
		}
	}
	if anchor != nil {
		return verdictAt(anchor.ChangedDate, anchor.ChangedBy.DisplayName, skipped, false, now)
	}

	// No pairwise diff was substantive: the window is all automation
	// noise, whoever created the item. The creation revision is still the
	// fallback timestamp.
	oldest := revisions[len(revisions)-1]
	return verdictAt(oldest.ChangedDate, oldest.ChangedBy.DisplayName, skipped, true, now)
}

func verdictAt(when time.Time, by string, skipped int, allAutomated bool, now time.Time) Verdict {
	days := int(now.Sub(when).Hours() / 24)
	if days < 0 {
		days = 0
	}
	t := when
	return Verdict{
		Status:                    StatusOK,
		LastSubstantiveChange:     &t,
		LastSubstantiveChangeBy:   by,
		DaysInactive:              &days,
		AutomatedRevisionsSkipped: skipped,
		AllChangesWereAutomated:   allAutomated,
	}
}

// revisionIsSubstantive compares cur against its predecessor prev.
// A revision is substantive iff at least one substantive field differs.
// Housekeeping-only diffs (iteration path, area path, flagged fields) are
// automated, as is any diff by an automation author that touches nothing
// substantive.
func revisionIsSubstantive(cur, prev Revision, substantive []string, opts Options) bool {
	automatedAuthor := authorIsAutomated(cur.ChangedBy.DisplayName, opts.AutomationPatterns)
	for _, f := range substantive {
		if isNonSubstantive(f, opts.NonSubstantiveFields) {
			continue
		}
		// State flips made by automation accounts are bulk auto-transitions,
		// not human activity.
		if automatedAuthor && f == "System.State" {
			continue
		}
		if !fieldEqual(cur.Fields[f], prev.Fields[f]) {
			return true
		}
	}
	return false
}

func isNonSubstantive(field string, flagged []string) bool {
	for _, f := range flagged {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

func authorIsAutomated(displayName string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(displayName, p) {
			return true
		}
	}
	return false
}

// fieldEqual compares two field values, normalizing identities to their
// unique name so re-serialized identity blobs don't read as changes.
func fieldEqual(a, b any) bool {
	if ia, ok := identityName(a); ok {
		ib, _ := identityName(b)
		return ia == ib
	}
	if ib, ok := identityName(b); ok {
		ia, _ := identityName(a)
		return ia == ib
	}
	return reflect.DeepEqual(a, b)
}

func identityName(v any) (string, bool) {
	switch t := v.(type) {
	case *types.Identity:
		return t.UniqueName + "/" + t.DisplayName, true
	case types.Identity:
		return t.UniqueName + "/" + t.DisplayName, true
	case map[string]any:
		if dn, ok := t["displayName"].(string); ok {
			un, _ := t["uniqueName"].(string)
			return un + "/" + dn, true
		}
	}
	return "", false
}
