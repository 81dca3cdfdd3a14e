// Package manifest implements the append-only event journal that is the
// crawler's single source of truth for resume: every decision a worker
// makes is recorded as a tagged event, and a fresh process rebuilds its
// in-memory state by replaying that log from the start.
package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Event tags, fixed by the external manifest contract.
const (
	EventStart                             = "start"
	EventCityStart                         = "city_start"
	EventCitySkipNoSeed                    = "city_skip_no_seed"
	EventRobotsLoaded                      = "robots_loaded"
	EventRobotsLoadFailedAllowAll          = "robots_load_failed_allow_all"
	EventRobotsDisallow                    = "robots_disallow"
	EventFetchError                        = "fetch_error"
	EventDownloadError                     = "download_error"
	EventSavedPage                         = "saved_page"
	EventSkipSavePageAlreadyDone           = "skip_save_page_already_done"
	EventDownloadedFile                    = "downloaded_file"
	EventSkipDownloadAlreadyDone           = "skip_download_already_done"
	EventFoundMinutesLink                  = "found_minutes_link"
	EventSeedState                         = "seed_state"
	EventSeedChangedReCrawl                = "seed_changed_re_crawl"
	EventSkipSeedAlreadyDone               = "skip_seed_already_done"
	EventSkipSeedAlreadyDoneNotModified    = "skip_seed_already_done_not_modified"
	EventSkipSeedAlreadyDoneRobotsDisallow = "skip_seed_already_done_robots_disallow"
	EventSeedDone                          = "seed_done"
	EventSeedTaskException                 = "seed_task_exception"
	EventRobotsReportWritten               = "robots_report_written"
	EventDone                              = "done"
)

// jst is the fixed timezone every event is stamped in, regardless of the
// host's local zone, so manifests from different machines are directly
// comparable line for line.
var jst = time.FixedZone("JST", 9*60*60)

// Fields carries the event-specific payload. Using a plain map keeps the
// journal schema-less on the write side (every event tag has its own field
// set per the external contract) while still round-tripping losslessly
// through JSON for forensic replay.
type Fields map[string]any

// Event is a single append-only manifest record.
type Event struct {
	Ts     time.Time `json:"ts"`
	Event  string    `json:"event"`
	Fields Fields    `json:"-"`
}

// MarshalJSON flattens Fields alongside ts/event so the journal line reads
// as one flat object, matching the external manifest contract.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+2)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["ts"] = e.Ts.Format(time.RFC3339Nano)
	out["event"] = e.Event
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ev, _ := raw["event"].(string)
	e.Event = ev
	if ts, ok := raw["ts"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Ts = t
		}
	}
	delete(raw, "ts")
	delete(raw, "event")
	e.Fields = raw
	return nil
}

// Journal is the thread-safe append-only writer side of the manifest.
// Writes are serialized by a single mutex and each record is flushed
// immediately, the same discipline the teacher's jsonbackend uses for its
// NDJSON result store.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (or creates) the manifest file for appending. When overwrite
// is true the file is truncated first, matching --overwrite-manifest.
func Open(path string, overwrite bool) (*Journal, error) {
	flags := os.O_APPEND | os.O_CREATE | os.O_RDWR
	if overwrite {
		flags = os.O_TRUNC | os.O_CREATE | os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	return &Journal{file: f}, nil
}

// Emit appends one event, tagged with the current time in JST, and returns
// any marshal or write error. Callers do not abort on that error: the crawl
// worker logs it and the pipeline discards it, so losing the ability to
// write the manifest does not stop an in-flight crawl.
func (j *Journal) Emit(ctx context.Context, tag string, fields Fields) error {
	ev := Event{Ts: time.Now().In(jst), Event: tag, Fields: fields}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// SeedState is the revalidation snapshot recorded per seed URL.
type SeedState struct {
	ETag         string
	LastModified string
	ContentSHA1  string
}

// ResumeIndex is the state rebuilt by replaying the journal at startup.
type ResumeIndex struct {
	mu                 sync.Mutex
	downloadedFileURLs map[string]struct{}
	savedPageURLs      map[string]struct{}
	completedSeeds     map[string]struct{}
	seedState          map[string]SeedState
}

// NewResumeIndex returns an empty index, as used for a fresh run with no
// prior manifest (--no-resume, or a manifest file that does not yet exist).
func NewResumeIndex() *ResumeIndex {
	return &ResumeIndex{
		downloadedFileURLs: make(map[string]struct{}),
		savedPageURLs:      make(map[string]struct{}),
		completedSeeds:     make(map[string]struct{}),
		seedState:          make(map[string]SeedState),
	}
}

// LoadResumeIndex rebuilds the index by a linear replay of the manifest at
// path. A missing file yields an empty index rather than an error, mirroring
// the original load_manifest_cache. Malformed trailing lines (a crash mid
// write) are skipped rather than aborting the replay.
func LoadResumeIndex(path string) (*ResumeIndex, error) {
	idx := NewResumeIndex()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("context: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A partially written trailing line is expected after an
			// unclean shutdown; ignore it and keep replaying.
			continue
		}

		switch ev.Event {
		case EventDownloadedFile:
			if u, ok := ev.Fields["file_url"].(string); ok && u != "" {
				idx.downloadedFileURLs[u] = struct{}{}
			}
		case EventSavedPage:
			if u, ok := ev.Fields["page_url"].(string); ok && u != "" {
				idx.savedPageURLs[u] = struct{}{}
			}
		case EventSeedDone:
			if u, ok := ev.Fields["seed_url"].(string); ok && u != "" {
				idx.completedSeeds[u] = struct{}{}
			}
		case EventSeedState:
			su, ok := ev.Fields["seed_url"].(string)
			if !ok || su == "" {
				continue
			}
			idx.seedState[su] = SeedState{
				ETag:         stringField(ev.Fields, "etag"),
				LastModified: stringField(ev.Fields, "last_modified"),
				ContentSHA1:  stringField(ev.Fields, "content_sha1"),
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("context: %w", err)
	}

	return idx, nil
}

func stringField(f Fields, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

// IsDownloaded reports whether finalURL has already been written to disk
// as a minutes file in a prior or current run.
func (r *ResumeIndex) IsDownloaded(finalURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.downloadedFileURLs[finalURL]
	return ok
}

// MarkDownloaded records finalURL as downloaded. The caller must have
// already written the file to disk before calling this, preserving the
// invariant "URL in set implies file on disk".
func (r *ResumeIndex) MarkDownloaded(finalURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloadedFileURLs[finalURL] = struct{}{}
}

// IsPageSaved reports whether finalURL has already been persisted as an
// HTML page.
func (r *ResumeIndex) IsPageSaved(finalURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.savedPageURLs[finalURL]
	return ok
}

// MarkPageSaved records finalURL as saved.
func (r *ResumeIndex) MarkPageSaved(finalURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.savedPageURLs[finalURL] = struct{}{}
}

// IsSeedCompleted reports whether seedURL has a seed_done event in the
// replayed journal.
func (r *ResumeIndex) IsSeedCompleted(seedURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.completedSeeds[seedURL]
	return ok
}

// MarkSeedCompleted records seedURL as completed.
func (r *ResumeIndex) MarkSeedCompleted(seedURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedSeeds[seedURL] = struct{}{}
}

// SeedStateOf returns the last recorded revalidation snapshot for seedURL,
// and whether one exists (absence means "first visit").
func (r *ResumeIndex) SeedStateOf(seedURL string) (SeedState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seedState[seedURL]
	return s, ok
}

// SetSeedState overwrites the in-memory snapshot for seedURL, mirroring the
// "seed_state overwrites the map entry" replay rule.
func (r *ResumeIndex) SetSeedState(seedURL string, s SeedState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seedState[seedURL] = s
}

// Counters holds the cross-worker counters that must live in a single
// mutex-protected structure rather than as process globals (see the
// original's ad-hoc globals, replaced here per the re-architecture note).
type Counters struct {
	mu               sync.Mutex
	totalFoundLinks  int
	skippedSeedCount int
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{}
}

// AddFoundLinks increments the total-found-links counter by n.
func (c *Counters) AddFoundLinks(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalFoundLinks += n
}

// IncSkippedSeed increments the skipped-seed counter by one.
func (c *Counters) IncSkippedSeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skippedSeedCount++
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() (totalFoundLinks, skippedSeedCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalFoundLinks, c.skippedSeedCount
}
