package scraper

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var safeNameDisallowed = regexp.MustCompile(`[\\/:*?"<>|]+`)
var safeNameWhitespace = regexp.MustCompile(`\s+`)

// SafeName sanitizes a prefecture or city name for use as a path component:
// characters disallowed on common filesystems are replaced with "_", runs
// of whitespace collapse to a single space, and the result is truncated to
// 80 characters.
func SafeName(s string) string {
	s = strings.TrimSpace(s)
	s = safeNameDisallowed.ReplaceAllString(s, "_")
	s = safeNameWhitespace.ReplaceAllString(s, " ")
	if r := []rune(s); len(r) > 80 {
		s = string(r[:80])
	}
	return s
}

// Sha1Hex returns the hex-encoded SHA-1 of s, used to derive the basename
// for a downloaded file or saved page from its final URL.
func Sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsProbablyBinary reports whether contentType indicates a direct-hit
// minutes file (PDF, Office document, ZIP, or generic octet-stream)
// rather than an HTML page.
func IsProbablyBinary(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/pdf") ||
		strings.Contains(ct, "application/msword") ||
		strings.Contains(ct, "application/vnd") ||
		strings.Contains(ct, "application/zip") ||
		strings.Contains(ct, "octet-stream")
}

// GuessExtFromContentType maps a response Content-Type to a file
// extension, or "" when the type is not recognized. The crawl worker tries
// it first and falls back to the URL path's suffix.
func GuessExtFromContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/pdf"):
		return ".pdf"
	case strings.Contains(ct, "application/zip"):
		return ".zip"
	case strings.Contains(ct, "msword"):
		return ".doc"
	case strings.Contains(ct, "officedocument.wordprocessingml"):
		return ".docx"
	case strings.Contains(ct, "officedocument.spreadsheetml"):
		return ".xlsx"
	case strings.Contains(ct, "officedocument.presentationml"):
		return ".pptx"
	case strings.Contains(ct, "text/plain"):
		return ".txt"
	case strings.Contains(ct, "text/csv"):
		return ".csv"
	default:
		return ""
	}
}

// URLPathExt returns the lowercased filename extension from rawURL's
// path, or "" if it has none or rawURL doesn't parse.
func URLPathExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}
