package models

import "fmt"

// NotGrouped is returned by SiteIndex for entries that are not group-backed.
const NotGrouped = -1

// Query carries the parameters needed to derive destination paths.
type Query struct {
	Site     string `json:"site,omitempty"`
	Filename string `json:"filename,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Group is a named batch query that produced several items.
type Group struct {
	Name  string `json:"name"`
	Tags  string `json:"tags,omitempty"`
	Query Query  `json:"query"`
	Total int    `json:"total,omitempty"`
}

// QueueEntry wraps either a single item or a position inside a group.
// Exactly one of Single and Group is set.
type QueueEntry struct {
	ID       string
	Item     *Item
	Single   *Query
	Group    *Group
	Position int
}

// NewSingleEntry wraps an item downloaded on its own.
func NewSingleEntry(id string, item *Item, query Query) QueueEntry {
	return QueueEntry{ID: id, Item: item, Single: &query}
}

// NewGroupEntry wraps the item found at position inside group.
func NewGroupEntry(id string, item *Item, group *Group, position int) QueueEntry {
	return QueueEntry{ID: id, Item: item, Group: group, Position: position}
}

// Query returns the originating query parameters.
func (e QueueEntry) Query() Query {
	if e.Group != nil {
		return e.Group.Query
	}
	if e.Single != nil {
		return *e.Single
	}
	return Query{}
}

// SiteIndex returns the 1-based position of the entry's group in groups, or
// NotGrouped.
func (e QueueEntry) SiteIndex(groups []*Group) int {
	if e.Group == nil {
		return NotGrouped
	}
	for i, g := range groups {
		if g == e.Group {
			return i + 1
		}
	}
	return NotGrouped
}

// GroupName returns the group name, or an empty string for single entries.
func (e QueueEntry) GroupName() string {
	if e.Group == nil {
		return ""
	}
	return e.Group.Name
}

// Validate checks the single/group exclusivity and that an item is present.
func (e QueueEntry) Validate() error {
	if e.Item == nil {
		return fmt.Errorf("entry %q has no item", e.ID)
	}
	if (e.Single == nil) == (e.Group == nil) {
		return fmt.Errorf("entry %q must reference exactly one of a single query or a group", e.ID)
	}
	return nil
}

// EntryState is the lifecycle state of one queue entry.
type EntryState string

const (
	EntryQueued          EntryState = "queued"
	EntryDispatched      EntryState = "dispatched"
	EntrySucceeded       EntryState = "succeeded"
	EntryFailedRetryable EntryState = "failed_retryable"
	EntryFailedFatal     EntryState = "failed"
	EntrySkipped         EntryState = "skipped"
	EntryCancelled       EntryState = "cancelled"
)

// IsTerminal reports whether the entry will not be dispatched again on its own.
func (s EntryState) IsTerminal() bool {
	switch s {
	case EntrySucceeded, EntryFailedFatal, EntrySkipped, EntryCancelled:
		return true
	}
	return false
}
