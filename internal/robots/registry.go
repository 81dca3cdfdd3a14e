// Package robots maintains one cached robots.txt policy per host and
// answers whether a URL may be fetched and what crawl-delay the site asks
// for, with the sticky allow-all-on-failure behavior and crawl-delay
// lookups the per-seed crawl worker needs.
package robots

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/localminutes/crawler/internal/storage"
	"github.com/temoto/robotstxt"
)

// Fetcher is the minimal capability the registry needs to retrieve a
// robots.txt body; internal/scraper.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (*storage.ScrapeResult, error)
}

// LoadObserver is notified of robots_loaded / robots_load_failed_allow_all
// outcomes so the caller can journal them without the registry knowing
// about the manifest package.
type LoadObserver func(host, robotsURL string, loadErr error)

type entry struct {
	data       *robotstxt.RobotsData
	loadFailed bool
}

// Registry caches one robotstxt policy per host. A load failure for a
// host is sticky for the registry's lifetime: canFetch defaults to true
// and crawlDelay returns absent forever after.
type Registry struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	OnLoad LoadObserver
}

// NewRegistry creates a Registry that uses fetcher for robots.txt GETs.
func NewRegistry(fetcher Fetcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		fetcher: fetcher,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// CanFetch reports whether targetURL may be fetched by userAgent according
// to the cached robots.txt for its host. Unknown or load-failed hosts
// default to true.
func (r *Registry) CanFetch(ctx context.Context, targetURL, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("context: %w", err)
	}

	e := r.load(ctx, u.Scheme+"://"+u.Host)
	if e.loadFailed || e.data == nil {
		return true, nil
	}

	group := e.data.FindGroup(userAgent)
	return group.Test(u.Path), nil
}

// CrawlDelay returns the robots.txt crawl-delay the policy states for
// userAgent, if the host's policy loaded successfully and declares one.
func (r *Registry) CrawlDelay(ctx context.Context, targetURL, userAgent string) (time.Duration, bool) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return 0, false
	}

	e := r.load(ctx, u.Scheme+"://"+u.Host)
	if e.loadFailed || e.data == nil {
		return 0, false
	}

	group := e.data.FindGroup(userAgent)
	if group == nil || group.CrawlDelay <= 0 {
		return 0, false
	}
	return group.CrawlDelay, true
}

// load returns the cached entry for host, fetching and parsing robots.txt
// on first visit. Concurrent first-visits to the same host serialize on
// r.mu: the second caller blocks on the lock, then observes the first
// caller's now-cached entry instead of issuing a second fetch.
func (r *Registry) load(ctx context.Context, host string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[host]; ok {
		return e
	}

	robotsURL := host + "/robots.txt"
	result, err := r.fetcher.Fetch(ctx, robotsURL)
	if err == nil && result.Error != "" {
		err = fmt.Errorf("%s", result.Error)
	}
	if err == nil && result.StatusCode >= 400 {
		err = fmt.Errorf("robots.txt returned status %d", result.StatusCode)
	}

	var e *entry
	if err != nil {
		e = &entry{loadFailed: true}
		r.notify(host, robotsURL, err)
	} else {
		parsed, parseErr := robotstxt.FromBytes(result.Body)
		if parseErr != nil {
			e = &entry{loadFailed: true}
			r.notify(host, robotsURL, parseErr)
		} else {
			e = &entry{data: parsed}
			r.notify(host, robotsURL, nil)
		}
	}

	r.entries[host] = e
	return e
}

func (r *Registry) notify(host, robotsURL string, loadErr error) {
	if r.OnLoad != nil {
		r.OnLoad(host, robotsURL, loadErr)
	}
	if loadErr != nil {
		r.logger.Debug("robots.txt load failed, defaulting to allow-all", "host", host, "err", loadErr)
	} else {
		r.logger.Debug("robots.txt loaded", "host", host)
	}
}
