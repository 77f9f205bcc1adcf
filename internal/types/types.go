// Package types defines the core data structures shared by the handlebar
// query-handle subsystem and bulk-operation engine.
package types

import (
	"time"
)

// QueryKind identifies which ADO query surface produced a handle.
type QueryKind string

const (
	QueryKindWIQL  QueryKind = "wiql"
	QueryKindOData QueryKind = "odata"
)

// Identity is an ADO identity reference as it appears in work-item fields.
type Identity struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName,omitempty"`
	ID          string `json:"id,omitempty"`
}

// Relation is a work-item link captured at query time.
type Relation struct {
	RelType    string         `json:"rel"`
	TargetURL  string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// WorkItemSnapshot is an immutable record of a work item captured when a
// query was materialized. Fields is keyed by reference name
// (e.g. "System.Title"); values are string, float64, bool, *Identity, or nil.
type WorkItemSnapshot struct {
	ID           int            `json:"id"`
	RevAtCapture int            `json:"rev"`
	Fields       map[string]any `json:"fields"`
	Relations    []Relation     `json:"relations,omitempty"`
}

// WorkItemPackage is the optional "full package" view of an item: the
// snapshot plus comments, recent revision metadata, and relation details.
type WorkItemPackage struct {
	Snapshot  WorkItemSnapshot `json:"snapshot"`
	Comments  []Comment        `json:"comments,omitempty"`
	Revisions []RevisionMeta   `json:"revisions,omitempty"`
}

// Comment is a work-item discussion comment.
type Comment struct {
	ID          int       `json:"id"`
	Text        string    `json:"text"`
	CreatedBy   Identity  `json:"createdBy"`
	CreatedDate time.Time `json:"createdDate"`
}

// RevisionMeta is lightweight revision metadata retained in full packages.
type RevisionMeta struct {
	Rev         int       `json:"rev"`
	ChangedBy   Identity  `json:"changedBy"`
	ChangedDate time.Time `json:"changedDate"`
}

// ItemContext is the derived per-item view retained inside a handle for
// cheap display and selection. Index is the item's 0-based position in the
// query's ordered result and is stable for the lifetime of the handle.
type ItemContext struct {
	Index                 int        `json:"index"`
	ID                    int        `json:"id"`
	Title                 string     `json:"title"`
	State                 string     `json:"state"`
	Type                  string     `json:"type"`
	AssignedTo            *Identity  `json:"assigned_to,omitempty"`
	Tags                  []string   `json:"tags,omitempty"`
	Priority              *int       `json:"priority,omitempty"`
	StoryPoints           *float64   `json:"story_points,omitempty"`
	DaysInactive          *int       `json:"days_inactive,omitempty"`
	LastSubstantiveChange *time.Time `json:"last_substantive_change,omitempty"`
	LastSubstantiveBy     string     `json:"last_substantive_change_by,omitempty"`
	CreatedDate           time.Time  `json:"created_date"`
	ChangedDate           time.Time  `json:"changed_date"`

	// Retained for selector evaluation, not for display.
	HasDescription        bool `json:"-"`
	HasAcceptanceCriteria bool `json:"-"`
}

// AnalysisMetadata records how query-time enrichment went.
type AnalysisMetadata struct {
	StalenessRequested bool      `json:"staleness_requested"`
	SuccessCount       int       `json:"success_count"`
	FailureCount       int       `json:"failure_count"`
	AnalyzedAt         time.Time `json:"analyzed_at"`
}

// SelectionMetadata summarizes a handle's selection space so that selectors
// can be validated and described without touching ADO.
type SelectionMetadata struct {
	SelectableCount int            `json:"selectable_count"`
	CriteriaTags    []string       `json:"criteria_tags,omitempty"`
	StateHistogram  map[string]int `json:"state_histogram"`
	TypeHistogram   map[string]int `json:"type_histogram"`
}

// QueryHandle is an immutable snapshot of a query result plus per-item
// context, named by an opaque qh_-prefixed id. Handles are never refreshed
// in place; a new handle is minted instead.
type QueryHandle struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	OriginalQuery string    `json:"original_query"`
	Kind          QueryKind `json:"query_kind"`
	Organization  string    `json:"organization"`
	Project       string    `json:"project"`

	// WorkItemIDs and Items are parallel: Items[k].Index == k and
	// Items[k].ID == WorkItemIDs[k].
	WorkItemIDs []int                `json:"work_item_ids"`
	Items       []ItemContext        `json:"item_context"`
	ContextByID map[int]*ItemContext `json:"-"`

	// Packages is populated only when the query requested full packages,
	// keyed by work-item id. Carries the revision used for optimistic
	// concurrency retries.
	Packages map[int]*WorkItemPackage `json:"-"`

	Analysis  AnalysisMetadata  `json:"analysis_metadata"`
	Selection SelectionMetadata `json:"selection_metadata"`
}

// Expired reports whether the handle is past its TTL at the given instant.
func (h *QueryHandle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Item returns the context at the given index, or nil if out of range.
func (h *QueryHandle) Item(index int) *ItemContext {
	if index < 0 || index >= len(h.Items) {
		return nil
	}
	return &h.Items[index]
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Logger is the minimal logging contract consumed by the core packages.
// logrus satisfies it directly.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
