// Package seedset turns the seed-discovery stage's JSON output into an
// ordered list of crawl tasks, picking parent or grandparent URLs per
// municipality and interleaving hosts so consecutive requests spread load.
package seedset

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Mode selects which URL set a SeedTask was built from.
type Mode string

const (
	ModeParent      Mode = "parent"
	ModeGrandParent Mode = "grand_parent"
)

// SeedRecord is one municipality entry from the seed-discovery stage's
// output file. The crawler treats it as read-only input.
type SeedRecord struct {
	Prefecture  string         `json:"prefecture"`
	City        string         `json:"city"`
	Parent      map[string]int `json:"parent"`
	GrandParent map[string]int `json:"grand_parent"`
}

// SeedTask is one unit of scheduled work: a single seed URL to crawl for
// one municipality, along with the mode it was selected under and the
// total counts behind the sibling URLs in that mode's set (used only for
// the city_start manifest event).
type SeedTask struct {
	Prefecture       string
	City             string
	Mode             Mode
	SeedURL          string
	SeedCount        int
	ParentTotal      int
	GrandParentTotal int
}

// Load reads and parses a seed file. Unknown JSON fields are ignored by
// encoding/json's default decoding, matching the external contract.
func Load(path string) ([]SeedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	var records []SeedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return records, nil
}

func sumCounts(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}

// chooseMode applies the parent/grandparent selection rule: parent wins
// when the sum of its counts is at least threshold and it is non-empty.
func chooseMode(r SeedRecord, threshold int) (Mode, map[string]int) {
	parentTotal := sumCounts(r.Parent)
	if parentTotal >= threshold && len(r.Parent) > 0 {
		return ModeParent, r.Parent
	}
	return ModeGrandParent, r.GrandParent
}

// BuildTasks expands records into SeedTasks (mode selection, one task per
// seed URL in the chosen set) and then reorders them by host round-robin.
// Records missing a prefecture or city are silently dropped, per the
// external contract. Records that do carry a prefecture and city but whose
// chosen mode yields zero seed URLs are returned separately in skipped, so
// the caller can emit city_skip_no_seed for them.
func BuildTasks(records []SeedRecord, threshold int) (tasks []SeedTask, skipped []SeedRecord) {
	var flat []SeedTask

	for _, r := range records {
		if r.Prefecture == "" || r.City == "" {
			continue
		}
		mode, urls := chooseMode(r, threshold)
		if len(urls) == 0 {
			skipped = append(skipped, r)
			continue
		}
		parentTotal := sumCounts(r.Parent)
		grandParentTotal := sumCounts(r.GrandParent)
		for seedURL := range urls {
			flat = append(flat, SeedTask{
				Prefecture:       r.Prefecture,
				City:             r.City,
				Mode:             mode,
				SeedURL:          seedURL,
				SeedCount:        len(urls),
				ParentTotal:      parentTotal,
				GrandParentTotal: grandParentTotal,
			})
		}
	}

	return roundRobinByHost(flat), skipped
}

// roundRobinByHost groups tasks by URL host, then repeatedly takes one
// from each non-empty group in encounter order. Tasks whose URL has no
// parseable host (or an empty one) are appended at the tail in their
// original relative order.
func roundRobinByHost(tasks []SeedTask) []SeedTask {
	type bucket struct {
		host  string
		tasks []SeedTask
	}

	order := make([]string, 0)
	buckets := make(map[string]*bucket)
	var empty []SeedTask

	for _, t := range tasks {
		host := hostOf(t.SeedURL)
		if host == "" {
			empty = append(empty, t)
			continue
		}
		b, ok := buckets[host]
		if !ok {
			b = &bucket{host: host}
			buckets[host] = b
			order = append(order, host)
		}
		b.tasks = append(b.tasks, t)
	}

	ordered := make([]SeedTask, 0, len(tasks))
	keys := order
	for len(keys) > 0 {
		next := keys[:0:0]
		for _, k := range keys {
			b := buckets[k]
			if len(b.tasks) > 0 {
				ordered = append(ordered, b.tasks[0])
				b.tasks = b.tasks[1:]
			}
			if len(b.tasks) > 0 {
				next = append(next, k)
			}
		}
		keys = next
	}

	ordered = append(ordered, empty...)
	return ordered
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
