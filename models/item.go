// Package models defines data structures shared by the download engine.
package models

import (
	"path"
	"strings"
)

// Tag is one metadata entry attached to an item.
type Tag struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// Item is one downloadable media file plus its metadata.
type Item struct {
	ID        string `json:"id"`
	Website   string `json:"website,omitempty"`
	FileURL   string `json:"file_url"`
	DetailURL string `json:"detail_url,omitempty"`
	MD5       string `json:"md5,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Rating    string `json:"rating,omitempty"`
	Favorite  bool   `json:"favorite,omitempty"`
	Tags      []Tag  `json:"tags,omitempty"`
}

// NeedsDetails reports whether the item's metadata is incomplete and a
// detail page could fill it in.
func (i *Item) NeedsDetails() bool {
	if i == nil || i.DetailURL == "" {
		return false
	}
	return i.FileURL == "" || len(i.Tags) == 0
}

// Ext returns the extension implied by the file URL, without the dot.
func (i *Item) Ext() string {
	if i == nil || i.FileURL == "" {
		return ""
	}
	raw := i.FileURL
	if idx := strings.IndexAny(raw, "?#"); idx >= 0 {
		raw = raw[:idx]
	}
	ext := strings.TrimPrefix(path.Ext(raw), ".")
	return strings.ToLower(ext)
}

// TagsByCategory returns the names of tags in category, in item order.
func (i *Item) TagsByCategory(category string) []string {
	var out []string
	for _, tag := range i.Tags {
		if strings.EqualFold(tag.Category, category) {
			out = append(out, tag.Name)
		}
	}
	return out
}

// Clone returns a deep copy, so a pipeline can mutate metadata without
// racing readers of the queued item.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	out := *i
	if i.Tags != nil {
		out.Tags = make([]Tag, len(i.Tags))
		copy(out.Tags, i.Tags)
	}
	return &out
}
