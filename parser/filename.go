package parser

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-batch-grabber/models"
)

// ErrNeedsHash is returned by Render when the template uses %md5% and the
// item's hash is not known yet.
var ErrNeedsHash = errors.New("filename: template requires the content hash")

var (
	tokenPattern  = regexp.MustCompile(`%([a-z_]+)%`)
	unsafeInToken = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
)

const defaultExt = "jpg"

// Filename renders a naming template such as "%artist%/%md5%.%ext%" into a
// slash-separated path relative to a destination root.
type Filename struct {
	Template  string
	Separator string
	// Empty maps a tag category to the value used when the item has no tag
	// of that category.
	Empty map[string]string
}

// NewFilename builds a renderer with the usual placeholder values.
func NewFilename(template, separator string) Filename {
	if separator == "" {
		separator = " "
	}
	return Filename{
		Template:  template,
		Separator: separator,
		Empty: map[string]string{
			"artist":    "anonymous",
			"copyright": "misc",
			"character": "unknown",
			"species":   "unknown",
			"meta":      "none",
		},
	}
}

// NeedsHash reports whether the template references the content hash.
func (f Filename) NeedsHash() bool {
	return strings.Contains(f.Template, "%md5%")
}

// Render resolves every token. vars supplies query-level values such as
// "search" or "website"; item fields and tag categories take precedence.
func (f Filename) Render(item *models.Item, vars map[string]string) (string, error) {
	if item == nil {
		return "", fmt.Errorf("filename: nil item")
	}
	if strings.TrimSpace(f.Template) == "" {
		return "", fmt.Errorf("filename: empty template")
	}
	if f.NeedsHash() && item.MD5 == "" {
		return "", ErrNeedsHash
	}

	var renderErr error
	rendered := tokenPattern.ReplaceAllStringFunc(f.Template, func(match string) string {
		name := strings.Trim(match, "%")
		value, ok := f.value(item, vars, name)
		if !ok {
			if renderErr == nil {
				renderErr = fmt.Errorf("filename: unknown token %q", match)
			}
			return ""
		}
		return unsafeInToken.Replace(value)
	})
	if renderErr != nil {
		return "", renderErr
	}

	return cleanRelative(rendered)
}

func (f Filename) value(item *models.Item, vars map[string]string, name string) (string, bool) {
	switch name {
	case "md5":
		return item.MD5, true
	case "id":
		return item.ID, true
	case "ext":
		if ext := item.Ext(); ext != "" {
			return ext, true
		}
		return defaultExt, true
	case "rating":
		return item.Rating, true
	case "filename":
		return urlBaseName(item.FileURL), true
	case "website":
		if item.Website != "" {
			return item.Website, true
		}
	case "all":
		names := make([]string, 0, len(item.Tags))
		for _, tag := range item.Tags {
			names = append(names, tag.Name)
		}
		return strings.Join(names, f.Separator), true
	}

	if value, ok := vars[name]; ok {
		return value, true
	}

	if names := item.TagsByCategory(name); len(names) > 0 {
		return strings.Join(names, f.Separator), true
	}
	if empty, ok := f.Empty[name]; ok {
		return empty, true
	}
	if name == "general" {
		return "", true
	}
	return "", false
}

func urlBaseName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func cleanRelative(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	segments := strings.Split(p, "/")
	kept := segments[:0]
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == "." {
			continue
		}
		if seg == ".." {
			return "", fmt.Errorf("filename: path %q escapes the destination root", p)
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("filename: template rendered an empty path")
	}
	last := kept[len(kept)-1]
	if strings.Trim(last, ".") == "" || strings.HasPrefix(last, ".") && path.Ext(last) == last {
		return "", fmt.Errorf("filename: rendered file name %q has no base name", last)
	}
	return strings.Join(kept, "/"), nil
}
