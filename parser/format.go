package parser

import (
	"bytes"
	"net/http"
	"path/filepath"
	"strings"
)

// SniffLen is the number of leading bytes SniffExt needs.
const SniffLen = 512

var contentTypeExt = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"image/bmp":       "bmp",
	"image/x-icon":    "ico",
	"video/webm":      "webm",
	"video/mp4":       "mp4",
	"video/avi":       "avi",
	"audio/mpeg":      "mp3",
	"application/zip": "zip",
}

// SniffExt returns the file extension matching the content's signature, or
// "" when the format is not recognised.
func SniffExt(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	if bytes.HasPrefix(head, []byte("FWS")) || bytes.HasPrefix(head, []byte("CWS")) || bytes.HasPrefix(head, []byte("ZWS")) {
		return "swf"
	}
	if len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")) {
		return "mp4"
	}
	contentType := http.DetectContentType(head)
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = contentType[:idx]
	}
	return contentTypeExt[strings.TrimSpace(contentType)]
}

// SameExt compares extensions, treating aliases such as jpg/jpeg as equal.
func SameExt(a, b string) bool {
	return canonicalExt(a) == canonicalExt(b)
}

// ReplaceExt swaps the extension of p for ext.
func ReplaceExt(p, ext string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + "." + ext
}

// PathExt returns the lowercase extension of p without the dot.
func PathExt(p string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(p), "."))
}

func canonicalExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch ext {
	case "jpeg", "jpe", "jfif":
		return "jpg"
	case "m4v":
		return "mp4"
	}
	return ext
}
