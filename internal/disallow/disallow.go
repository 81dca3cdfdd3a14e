// Package disallow accumulates robots.txt-blocked URLs for the life of a
// run and, at the end, writes the deduplicated audit trail: a JSONL of
// every unique entry, a JSON summary of top offenders, and three CSV
// aggregations. Grounded on RobotsDisallowReport / write_robots_reports in
// this subsystem's Python ancestor, using internal/report's JSON-encoder
// style for the summary file.
package disallow

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one deduplicated robots-blocked URL.
type Entry struct {
	Prefecture string
	City       string
	URL        string
	Netloc     string
	PathPrefix string
}

// Reporter deduplicates by (prefecture, city, url) and accumulates
// entries for end-of-run reporting. Safe for concurrent use.
type Reporter struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	entries []Entry
}

// NewReporter returns an empty Reporter.
func NewReporter() *Reporter {
	return &Reporter{seen: make(map[string]struct{})}
}

// Add records a robots-blocked URL for (prefecture, city), deduplicating
// on the composite key. A URL already recorded for the same municipality
// is silently ignored.
func (r *Reporter) Add(prefecture, city, rawURL string) {
	key := prefecture + "|" + city + "|" + rawURL

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}

	u, _ := url.Parse(rawURL)
	netloc := ""
	if u != nil {
		netloc = u.Host
	}

	r.entries = append(r.entries, Entry{
		Prefecture: prefecture,
		City:       city,
		URL:        rawURL,
		Netloc:     netloc,
		PathPrefix: pathPrefix(rawURL),
	})
}

// pathPrefix returns "/seg/" where seg is the first non-empty path
// segment of rawURL, or "/" if the path has none.
func pathPrefix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "/"
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "/"
	}
	return "/" + parts[0] + "/"
}

// Total returns the number of distinct entries recorded so far.
func (r *Reporter) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Reporter) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

type cityCount struct {
	Prefecture string `json:"prefecture"`
	City       string `json:"city"`
	Count      int    `json:"count"`
}

type domainCount struct {
	Netloc string `json:"netloc"`
	Count  int    `json:"count"`
}

type prefixCount struct {
	Netloc     string `json:"netloc"`
	PathPrefix string `json:"path_prefix"`
	Count      int    `json:"count"`
}

// Summary is the JSON aggregate written to robots_disallow_summary.json.
type Summary struct {
	GeneratedAt         time.Time     `json:"generated_at"`
	RobotsDisallowTotal int           `json:"robots_disallow_total"`
	TopByCity           []cityCount   `json:"top_by_city"`
	TopByDomain         []domainCount `json:"top_by_domain"`
	TopByPathPrefix     []prefixCount `json:"top_by_path_prefix"`
}

const topN = 50

func (r *Reporter) summary(entries []Entry) Summary {
	byCity := map[[2]string]int{}
	byDomain := map[string]int{}
	byPrefix := map[[2]string]int{}

	for _, e := range entries {
		byCity[[2]string{e.Prefecture, e.City}]++
		byDomain[e.Netloc]++
		byPrefix[[2]string{e.Netloc, e.PathPrefix}]++
	}

	topCity := make([]cityCount, 0, len(byCity))
	for k, n := range byCity {
		topCity = append(topCity, cityCount{Prefecture: k[0], City: k[1], Count: n})
	}
	sort.Slice(topCity, func(i, j int) bool { return topCity[i].Count > topCity[j].Count })
	if len(topCity) > topN {
		topCity = topCity[:topN]
	}

	topDomain := make([]domainCount, 0, len(byDomain))
	for k, n := range byDomain {
		topDomain = append(topDomain, domainCount{Netloc: k, Count: n})
	}
	sort.Slice(topDomain, func(i, j int) bool { return topDomain[i].Count > topDomain[j].Count })
	if len(topDomain) > topN {
		topDomain = topDomain[:topN]
	}

	topPrefix := make([]prefixCount, 0, len(byPrefix))
	for k, n := range byPrefix {
		topPrefix = append(topPrefix, prefixCount{Netloc: k[0], PathPrefix: k[1], Count: n})
	}
	sort.Slice(topPrefix, func(i, j int) bool { return topPrefix[i].Count > topPrefix[j].Count })
	if len(topPrefix) > topN {
		topPrefix = topPrefix[:topN]
	}

	return Summary{
		GeneratedAt:         time.Now(),
		RobotsDisallowTotal: len(entries),
		TopByCity:           topCity,
		TopByDomain:         topDomain,
		TopByPathPrefix:     topPrefix,
	}
}

// Write emits robots_disallow_urls.jsonl, robots_disallow_summary.json,
// and the three CSV aggregations into reportDir, creating it if needed.
func (r *Reporter) Write(reportDir string) error {
	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	entries := r.snapshot()

	if err := writeJSONL(filepath.Join(reportDir, "robots_disallow_urls.jsonl"), entries); err != nil {
		return err
	}

	summary := r.summary(entries)
	if err := writeJSON(filepath.Join(reportDir, "robots_disallow_summary.json"), summary); err != nil {
		return err
	}

	if err := writeCityCSV(filepath.Join(reportDir, "robots_disallow_by_city.csv"), summary.TopByCity); err != nil {
		return err
	}
	if err := writeDomainCSV(filepath.Join(reportDir, "robots_disallow_by_domain.csv"), summary.TopByDomain); err != nil {
		return err
	}
	if err := writePrefixCSV(filepath.Join(reportDir, "robots_disallow_by_path_prefix.csv"), summary.TopByPathPrefix); err != nil {
		return err
	}

	return nil
}

func writeJSONL(path string, entries []Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range entries {
		line := map[string]any{
			"prefecture":  e.Prefecture,
			"city":        e.City,
			"netloc":      e.Netloc,
			"path_prefix": e.PathPrefix,
			"url":         e.URL,
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("context: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, summary Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

func writeCityCSV(path string, rows []cityCount) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"prefecture", "city", "count"})
	for _, row := range rows {
		_ = w.Write([]string{row.Prefecture, row.City, fmt.Sprint(row.Count)})
	}
	w.Flush()
	return w.Error()
}

func writeDomainCSV(path string, rows []domainCount) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"netloc", "count"})
	for _, row := range rows {
		_ = w.Write([]string{row.Netloc, fmt.Sprint(row.Count)})
	}
	w.Flush()
	return w.Error()
}

func writePrefixCSV(path string, rows []prefixCount) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"netloc", "path_prefix", "count"})
	for _, row := range rows {
		_ = w.Write([]string{row.Netloc, row.PathPrefix, fmt.Sprint(row.Count)})
	}
	w.Flush()
	return w.Error()
}
