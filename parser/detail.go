package parser

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-batch-grabber/models"
)

// Detail is the metadata recovered from an item's detail page.
type Detail struct {
	FileURL string
	MD5     string
	Size    int64
	Rating  string
	Tags    []models.Tag
}

// ParseDetailHTML parses a detail page body. Relative links resolve against base.
func ParseDetailHTML(r io.Reader, base *url.URL) (Detail, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return Detail{}, fmt.Errorf("parse detail page: %w", err)
	}
	return ParseDetail(doc.Selection, func(ref string) string {
		return resolveRef(base, ref)
	}), nil
}

// ParseDetail extracts file URL, hash, size, rating and tags from a detail
// page selection. resolve turns relative references into absolute URLs.
func ParseDetail(sel *goquery.Selection, resolve func(string) string) Detail {
	if resolve == nil {
		resolve = func(ref string) string { return ref }
	}

	var d Detail

	if href, ok := sel.Find("a#highres").Attr("href"); ok && strings.TrimSpace(href) != "" {
		d.FileURL = resolve(strings.TrimSpace(href))
	} else if content, ok := sel.Find(`meta[property="og:image"]`).Attr("content"); ok && strings.TrimSpace(content) != "" {
		d.FileURL = resolve(strings.TrimSpace(content))
	} else if ref, ok := sel.Find("[data-file-url]").Attr("data-file-url"); ok && strings.TrimSpace(ref) != "" {
		d.FileURL = resolve(strings.TrimSpace(ref))
	}

	if md5, ok := sel.Find("[data-md5]").Attr("data-md5"); ok {
		d.MD5 = NormalizeMD5(md5)
	}
	if d.MD5 == "" {
		if md5, ok := sel.Find(`meta[name="md5"]`).Attr("content"); ok {
			d.MD5 = NormalizeMD5(md5)
		}
	}

	if raw, ok := sel.Find("[data-file-size]").Attr("data-file-size"); ok {
		if size, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && size > 0 {
			d.Size = size
		}
	}
	if rating, ok := sel.Find("[data-rating]").Attr("data-rating"); ok {
		d.Rating = strings.TrimSpace(rating)
	}

	sel.Find("[data-tag]").Each(func(_ int, s *goquery.Selection) {
		tag := models.Tag{
			Name:     s.AttrOr("data-tag", ""),
			Category: s.AttrOr("data-tag-category", "general"),
		}
		if count, err := strconv.Atoi(strings.TrimSpace(s.AttrOr("data-tag-count", ""))); err == nil {
			tag.Count = count
		}
		d.Tags = append(d.Tags, tag)
	})

	// Booru-style sidebars: <li class="tag-type-artist"><a>name</a><span class="post-count">12</span></li>
	sel.Find(`li[class*="tag-type-"]`).Each(func(_ int, s *goquery.Selection) {
		category := ""
		for _, class := range strings.Fields(s.AttrOr("class", "")) {
			if strings.HasPrefix(class, "tag-type-") {
				category = strings.TrimPrefix(class, "tag-type-")
				break
			}
		}
		name := strings.TrimSpace(s.Find("a").Last().Text())
		tag := models.Tag{Name: name, Category: category}
		if count, err := strconv.Atoi(strings.TrimSpace(s.Find(".post-count").Text())); err == nil {
			tag.Count = count
		}
		d.Tags = append(d.Tags, tag)
	})

	d.Tags = NormalizeTags(d.Tags)
	return d
}

// ApplyDetail fills the item's missing metadata from d. Fields already set
// by the source layer win.
func ApplyDetail(item *models.Item, d Detail) {
	if item == nil {
		return
	}
	if item.FileURL == "" {
		item.FileURL = d.FileURL
	}
	if item.MD5 == "" {
		item.MD5 = d.MD5
	}
	if item.Size <= 0 {
		item.Size = d.Size
	}
	if item.Rating == "" {
		item.Rating = d.Rating
	}
	if len(item.Tags) == 0 {
		item.Tags = d.Tags
	}
}

func resolveRef(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
