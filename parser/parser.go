package parser

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-batch-grabber/models"
)

// ValidateItem ensures the source layer supplied enough to download an item.
func ValidateItem(it *models.Item) error {
	if it == nil {
		return fmt.Errorf("item is nil")
	}
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("item missing id")
	}
	if it.FileURL == "" && it.DetailURL == "" {
		return fmt.Errorf("item %s has neither a file URL nor a detail URL", it.ID)
	}
	for _, raw := range []string{it.FileURL, it.DetailURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("item %s: invalid URL %q: %w", it.ID, raw, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("item %s: unsupported URL scheme %q", it.ID, u.Scheme)
		}
	}
	if it.MD5 != "" && NormalizeMD5(it.MD5) == "" {
		return fmt.Errorf("item %s: malformed md5 %q", it.ID, it.MD5)
	}
	if it.Size < 0 {
		return fmt.Errorf("item %s: negative size", it.ID)
	}
	return nil
}

// NormalizeMD5 lowercases a hex MD5 digest, returning "" when malformed.
func NormalizeMD5(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 32 {
		return ""
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}
	return s
}

// NormalizeTags trims tag names, drops empty ones and keeps the first
// occurrence of each name.
func NormalizeTags(tags []models.Tag) []models.Tag {
	if len(tags) == 0 {
		return tags
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]models.Tag, 0, len(tags))
	for _, tag := range tags {
		name := strings.Join(strings.Fields(tag.Name), "_")
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tag.Name = name
		tag.Category = strings.ToLower(strings.TrimSpace(tag.Category))
		out = append(out, tag)
	}
	return out
}
