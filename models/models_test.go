package models

import "testing"

func TestSiteIndex(t *testing.T) {
	g1 := &Group{Name: "first"}
	g2 := &Group{Name: "second"}
	groups := []*Group{g1, g2}

	item := &Item{ID: "1", FileURL: "http://example.test/a.jpg"}
	if got := NewGroupEntry("e1", item, g2, 0).SiteIndex(groups); got != 2 {
		t.Fatalf("SiteIndex = %d, want 2", got)
	}
	if got := NewSingleEntry("e2", item, Query{}).SiteIndex(groups); got != NotGrouped {
		t.Fatalf("SiteIndex for single = %d, want %d", got, NotGrouped)
	}
	if got := NewGroupEntry("e3", item, &Group{Name: "other"}, 0).SiteIndex(groups); got != NotGrouped {
		t.Fatalf("SiteIndex for unknown group = %d, want %d", got, NotGrouped)
	}
}

func TestQueueEntryValidate(t *testing.T) {
	item := &Item{ID: "1"}
	if err := NewSingleEntry("ok", item, Query{}).Validate(); err != nil {
		t.Fatalf("single entry: %v", err)
	}
	both := QueueEntry{ID: "both", Item: item, Single: &Query{}, Group: &Group{}}
	if err := both.Validate(); err == nil {
		t.Fatalf("expected error when both references are set")
	}
	neither := QueueEntry{ID: "neither", Item: item}
	if err := neither.Validate(); err == nil {
		t.Fatalf("expected error when no reference is set")
	}
	if err := (QueueEntry{ID: "noitem", Single: &Query{}}).Validate(); err == nil {
		t.Fatalf("expected error without item")
	}
}

func TestItemHelpers(t *testing.T) {
	item := &Item{
		FileURL:   "https://cdn.example.test/images/abc.JPEG?token=1",
		DetailURL: "https://example.test/post/1",
		Tags: []Tag{
			{Name: "alice", Category: "artist"},
			{Name: "sky", Category: "general"},
			{Name: "bob", Category: "Artist"},
		},
	}
	if got := item.Ext(); got != "jpeg" {
		t.Fatalf("Ext = %q, want jpeg", got)
	}
	if got := item.TagsByCategory("artist"); len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("TagsByCategory = %v", got)
	}
	if item.NeedsDetails() {
		t.Fatalf("item with file URL and tags should not need details")
	}

	clone := item.Clone()
	clone.Tags[0].Name = "changed"
	if item.Tags[0].Name != "alice" {
		t.Fatalf("clone shares tag storage")
	}

	bare := &Item{DetailURL: "https://example.test/post/2"}
	if !bare.NeedsDetails() {
		t.Fatalf("item without file URL should need details")
	}
}

func TestItemResultClassification(t *testing.T) {
	ok := &ItemResult{Outcomes: []SaveOutcome{{Root: RootPrimary, Kind: OutcomeSaved}}}
	if !ok.Succeeded() || ok.Retryable() {
		t.Fatalf("saved result misclassified")
	}

	retry := &ItemResult{Outcomes: []SaveOutcome{
		{Root: RootPrimary, Kind: OutcomeError, ErrorKind: ErrorNetwork, Retryable: true},
		{Root: RootFavorites, Kind: OutcomeAlreadyExists},
	}}
	if retry.Succeeded() || !retry.Retryable() {
		t.Fatalf("network failure should be retryable")
	}

	mixed := &ItemResult{Outcomes: []SaveOutcome{
		{Root: RootPrimary, Kind: OutcomeError, ErrorKind: ErrorNetwork, Retryable: true},
		{Root: RootFavorites, Kind: OutcomeError, ErrorKind: ErrorPath},
	}}
	if mixed.Retryable() {
		t.Fatalf("path failure must make the item non-retryable")
	}

	dup := &ItemResult{Outcomes: []SaveOutcome{{Root: RootPrimary, Kind: OutcomeDuplicateHandled, Duplicate: DuplicateIgnored}}}
	if !dup.DuplicateHandled() || !dup.Succeeded() {
		t.Fatalf("duplicate result misclassified")
	}
}
