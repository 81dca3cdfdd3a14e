// Package linkextract pulls (href, anchor text) pairs out of arbitrary HTML
// and judges which of those links are likely to point at meeting minutes.
package linkextract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Link is one extracted anchor: its href resolved to an absolute URL
// against the page's final URL, fragment stripped, plus the anchor's
// visible text with surrounding whitespace trimmed.
type Link struct {
	URL        string
	AnchorText string
}

// Extract parses body as HTML relative to baseURL (the page's final URL
// after redirects) and returns every <a href> with a non-empty href.
// Malformed HTML must not abort the page: goquery tolerates broken markup
// the same way net/html does, so a parse failure here only happens for
// input that isn't HTML at all, in which case the page is treated as
// yielding no links.
func Extract(baseURL string, body []byte) []Link {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var links []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || strings.TrimSpace(href) == "" {
			return
		}

		u, err := url.Parse(href)
		if err != nil {
			return
		}

		resolved := base.ResolveReference(u)
		resolved.Fragment = ""

		links = append(links, Link{
			URL:        resolved.String(),
			AnchorText: strings.TrimSpace(s.Text()),
		})
	})

	return links
}

// IsFollowableScheme reports whether u is worth resolving further: not
// empty, and not mailto/javascript/tel, which are never crawl targets.
func IsFollowableScheme(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "mailto", "javascript", "tel":
		return false
	}
	return true
}
