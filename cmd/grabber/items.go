package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aluiziolira/go-batch-grabber/models"
)

// itemLine is one line of the item list. Lines naming a group are collected
// into that group in file order; the others become single entries.
type itemLine struct {
	models.Item
	Site       string `json:"site,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Path       string `json:"path,omitempty"`
	Group      string `json:"group,omitempty"`
	GroupTags  string `json:"group_tags,omitempty"`
	GroupTotal int    `json:"group_total,omitempty"`
}

func readEntries(r io.Reader) ([]models.QueueEntry, error) {
	var (
		entries []models.QueueEntry
		groups  = map[string]*models.Group{}
		counts  = map[string]int{}
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		var line itemLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if line.FileURL == "" && line.DetailURL == "" {
			return nil, fmt.Errorf("line %d: item needs file_url or detail_url", lineNo)
		}

		item := line.Item
		site := line.Site
		if site == "" {
			site = item.Website
		}
		query := models.Query{Site: site, Filename: line.Filename, Path: line.Path}

		if line.Group == "" {
			entries = append(entries, models.NewSingleEntry("", &item, query))
			continue
		}
		g, ok := groups[line.Group]
		if !ok {
			g = &models.Group{Name: line.Group, Tags: line.GroupTags, Query: query, Total: line.GroupTotal}
			groups[line.Group] = g
		}
		entries = append(entries, models.NewGroupEntry("", &item, g, counts[line.Group]))
		counts[line.Group]++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read item list: %w", err)
	}
	return entries, nil
}
