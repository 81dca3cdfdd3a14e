package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/localminutes/crawler/internal/analyzer"
	"github.com/localminutes/crawler/internal/disallow"
	"github.com/localminutes/crawler/internal/linkextract"
	"github.com/localminutes/crawler/internal/manifest"
	"github.com/localminutes/crawler/internal/metrics"
	"github.com/localminutes/crawler/internal/robots"
	"github.com/localminutes/crawler/internal/storage"
	"github.com/localminutes/crawler/pkg/ratelimit"
)

// CrawlWorkerConfig parameterizes one per-seed BFS crawl.
type CrawlWorkerConfig struct {
	MaxDepth           int
	MaxPages           int
	Delay              time.Duration
	UserAgent          string
	Heuristic          linkextract.Heuristic
	SameDomainOnly     bool
	SamePathPrefixOnly bool
	RespectRobots      bool
	SavePages          bool
	DownloadFiles      bool
	ForceDownload      bool
	OutDir             string

	// UseSitemap, when set, makes Crawl fetch /sitemap.xml (and any nested
	// sitemaps it references) for the seed's host before starting the BFS,
	// and seeds the queue with whatever URLs it finds. This supplements
	// link discovery on sites whose assembly-minutes pages aren't reachable
	// by following <a> tags from the seed alone.
	UseSitemap bool
}

// CrawlWorker drives a single SeedTask to completion: bounded BFS,
// minutes-link detection, and file/page persistence, journaling every
// decision through Journal and reporting robots-blocked URLs through
// Disallow. A single CrawlWorker instance is shared by every goroutine of
// the pool and may run several seeds at once (the type itself holds no
// per-seed state between calls).
type CrawlWorker struct {
	cfg      CrawlWorkerConfig
	fetcher  *Fetcher
	robots   *robots.Registry
	limiter  *ratelimit.HostLimiter
	journal  *manifest.Journal
	resume   *manifest.ResumeIndex
	disallow *disallow.Reporter
	counters *manifest.Counters
	sitemap  *SitemapFetcher
	archive  storage.Backend
	logger   *slog.Logger
}

// NewCrawlWorker builds a CrawlWorker from its shared, process-global
// collaborators plus the per-run configuration.
func NewCrawlWorker(
	cfg CrawlWorkerConfig,
	fetcher *Fetcher,
	reg *robots.Registry,
	limiter *ratelimit.HostLimiter,
	journal *manifest.Journal,
	resume *manifest.ResumeIndex,
	disallowReporter *disallow.Reporter,
	counters *manifest.Counters,
	archive storage.Backend,
	logger *slog.Logger,
) *CrawlWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CrawlWorker{
		cfg:      cfg,
		fetcher:  fetcher,
		robots:   reg,
		limiter:  limiter,
		journal:  journal,
		resume:   resume,
		disallow: disallowReporter,
		counters: counters,
		sitemap:  NewSitemapFetcher(fetcher, logger),
		archive:  archive,
		logger:   logger,
	}
}

type queueItem struct {
	url   string
	depth int
}

// Crawl performs the bounded BFS from seedURL for one municipality's
// prefecture/city/mode, returning the count of distinct minutes-like URLs
// discovered. It never returns an error: per-URL failures are journaled
// and the worker continues, matching the "a URL-level failure never
// aborts a seed" propagation policy.
func (w *CrawlWorker) Crawl(ctx context.Context, prefecture, city, mode, seedURL string) int {
	base, err := url.Parse(seedURL)
	if err != nil {
		w.emit(ctx, manifest.EventFetchError, manifest.Fields{
			"prefecture": prefecture, "city": city, "url": seedURL, "error": err.Error(),
		})
		return 0
	}
	baseHost := base.Host
	basePrefix := strings.TrimSuffix(base.Path, "/") + "/"

	visited := make(map[string]struct{})
	queue := []queueItem{{url: seedURL, depth: 0}}
	pagesFetched := 0

	if w.cfg.UseSitemap && w.cfg.MaxDepth > 0 {
		sitemapURL := base.Scheme + "://" + baseHost + "/sitemap.xml"
		if urls, err := w.sitemap.FetchSitemap(ctx, sitemapURL); err == nil {
			for _, u := range urls {
				queue = append(queue, queueItem{url: u, depth: 1})
			}
		}
	}

	foundSet := make(map[string]struct{})
	foundCount := 0

	for len(queue) > 0 && pagesFetched < w.cfg.MaxPages {
		item := queue[0]
		queue = queue[1:]

		target := item.url
		if _, ok := visited[target]; ok {
			continue
		}
		visited[target] = struct{}{}

		pu, err := url.Parse(target)
		if err != nil {
			continue
		}

		if w.cfg.SameDomainOnly && pu.Host != "" && pu.Host != baseHost {
			continue
		}
		if w.cfg.SamePathPrefixOnly && pu.Path != "" && !strings.HasPrefix(pu.Path, basePrefix) && pu.Path != base.Path {
			continue
		}

		if w.cfg.RespectRobots {
			allowed, err := w.robots.CanFetch(ctx, target, w.cfg.UserAgent)
			if err == nil && !allowed {
				w.disallow.Add(prefecture, city, target)
				w.emit(ctx, manifest.EventRobotsDisallow, manifest.Fields{
					"prefecture": prefecture, "city": city, "url": target,
				})
				continue
			}
		}

		if err := w.waitForHost(ctx, target); err != nil {
			return foundCount
		}

		result, err := w.fetcher.Fetch(ctx, target)
		if err != nil || (result != nil && result.Error != "") {
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
			} else {
				errMsg = result.Error
			}
			w.emit(ctx, manifest.EventFetchError, manifest.Fields{
				"prefecture": prefecture, "city": city, "url": target, "error": errMsg,
			})
			continue
		}
		pagesFetched++
		w.saveArchive(ctx, result)

		finalURL := result.FinalURL
		if finalURL == "" {
			finalURL = target
		}
		if f, err := url.Parse(finalURL); err == nil {
			f.Fragment = ""
			finalURL = f.String()
		}
		contentType := firstHeaderValue(result.Headers, "Content-Type")

		if IsProbablyBinary(contentType) {
			if _, ok := foundSet[finalURL]; !ok {
				foundSet[finalURL] = struct{}{}
				foundCount++
			}

			if w.cfg.DownloadFiles {
				w.downloadHit(ctx, prefecture, city, target, finalURL, contentType, result.Body)
			}
			continue
		}

		if w.cfg.SavePages {
			w.savePage(ctx, prefecture, city, finalURL, contentType, result.Body)
		}

		links := linkextract.Extract(finalURL, result.Body)
		for _, link := range links {
			if !linkextract.IsFollowableScheme(link.URL) {
				continue
			}

			p2, err := url.Parse(link.URL)
			if err != nil {
				continue
			}
			if w.cfg.SameDomainOnly && p2.Host != "" && p2.Host != baseHost {
				continue
			}

			if w.cfg.Heuristic.Matches(link.URL, link.AnchorText) {
				if _, ok := foundSet[link.URL]; !ok {
					foundSet[link.URL] = struct{}{}
					foundCount++
					w.emit(ctx, manifest.EventFoundMinutesLink, manifest.Fields{
						"prefecture": prefecture, "city": city,
						"source_page": finalURL, "link_url": link.URL, "anchor_text": link.AnchorText,
					})
				}

				if w.cfg.DownloadFiles && hasFileExt(p2.Path, w.cfg.Heuristic.FileExts) {
					w.downloadLink(ctx, prefecture, city, finalURL, link.URL)
				}
				continue
			}

			if item.depth < w.cfg.MaxDepth {
				if w.cfg.SamePathPrefixOnly && p2.Path != "" && !strings.HasPrefix(p2.Path, basePrefix) && p2.Path != base.Path {
					continue
				}
				if _, ok := visited[link.URL]; !ok {
					queue = append(queue, queueItem{url: link.URL, depth: item.depth + 1})
				}
			}
		}
	}

	w.counters.AddFoundLinks(foundCount)
	w.emit(ctx, manifest.EventSeedDone, manifest.Fields{
		"prefecture": prefecture, "city": city, "mode": mode, "seed_url": seedURL, "found_count": foundCount,
	})
	return foundCount
}

func (w *CrawlWorker) waitForHost(ctx context.Context, target string) error {
	host := ratelimit.HostOf(target)
	delay := w.cfg.Delay
	if crawlDelay, ok := w.robots.CrawlDelay(ctx, target, w.cfg.UserAgent); ok && crawlDelay > delay {
		delay = crawlDelay
	}
	return w.limiter.Wait(ctx, host, delay)
}

// downloadHit handles the "binary direct hit" persistence path (§4.2 step 6).
func (w *CrawlWorker) downloadHit(ctx context.Context, prefecture, city, sourcePage, finalURL, contentType string, body []byte) {
	if w.resume.IsDownloaded(finalURL) && !w.cfg.ForceDownload {
		w.emit(ctx, manifest.EventSkipDownloadAlreadyDone, manifest.Fields{
			"prefecture": prefecture, "city": city, "file_url": finalURL,
		})
		return
	}

	ext := GuessExtFromContentType(contentType)
	if ext == "" {
		ext = URLPathExt(finalURL)
	}
	if ext == "" {
		ext = ".bin"
	}

	savePath := filepath.Join(w.cfg.OutDir, SafeName(prefecture), SafeName(city), "files", Sha1Hex(finalURL)+ext)
	if err := writeFile(savePath, body); err != nil {
		w.emit(ctx, manifest.EventDownloadError, manifest.Fields{
			"prefecture": prefecture, "city": city, "source_page": sourcePage, "file_url": finalURL, "error": err.Error(),
		})
		return
	}
	w.resume.MarkDownloaded(finalURL)

	w.emit(ctx, manifest.EventDownloadedFile, manifest.Fields{
		"prefecture": prefecture, "city": city, "source_page": sourcePage,
		"file_url": finalURL, "content_type": contentType, "path": savePath,
	})
}

// downloadLink handles the fetch-then-download path for a minutes-like
// link found via extraction, including the second, post-redirect
// duplicate-download check (§4.2 step 8, §9 two-phase guard).
func (w *CrawlWorker) downloadLink(ctx context.Context, prefecture, city, sourcePage, linkURL string) {
	if w.cfg.RespectRobots {
		allowed, err := w.robots.CanFetch(ctx, linkURL, w.cfg.UserAgent)
		if err == nil && !allowed {
			w.disallow.Add(prefecture, city, linkURL)
			w.emit(ctx, manifest.EventRobotsDisallow, manifest.Fields{
				"prefecture": prefecture, "city": city, "url": linkURL,
			})
			return
		}
	}

	if w.resume.IsDownloaded(linkURL) && !w.cfg.ForceDownload {
		w.emit(ctx, manifest.EventSkipDownloadAlreadyDone, manifest.Fields{
			"prefecture": prefecture, "city": city, "file_url": linkURL,
		})
		return
	}

	if err := w.waitForHost(ctx, linkURL); err != nil {
		return
	}

	result, err := w.fetcher.Fetch(ctx, linkURL)
	if err != nil || (result != nil && result.Error != "") {
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		} else {
			errMsg = result.Error
		}
		w.emit(ctx, manifest.EventDownloadError, manifest.Fields{
			"prefecture": prefecture, "city": city, "source_page": sourcePage, "file_url": linkURL, "error": errMsg,
		})
		return
	}

	w.saveArchive(ctx, result)

	contentType := firstHeaderValue(result.Headers, "Content-Type")
	finalURL := result.FinalURL
	if finalURL == "" {
		finalURL = linkURL
	}
	if f, err := url.Parse(finalURL); err == nil {
		f.Fragment = ""
		finalURL = f.String()
	}

	if w.resume.IsDownloaded(finalURL) && !w.cfg.ForceDownload {
		w.emit(ctx, manifest.EventSkipDownloadAlreadyDone, manifest.Fields{
			"prefecture": prefecture, "city": city, "file_url": finalURL,
		})
		return
	}

	ext := GuessExtFromContentType(contentType)
	if ext == "" {
		ext = URLPathExt(finalURL)
	}
	if ext == "" {
		ext = ".bin"
	}

	savePath := filepath.Join(w.cfg.OutDir, SafeName(prefecture), SafeName(city), "files", Sha1Hex(finalURL)+ext)
	if err := writeFile(savePath, result.Body); err != nil {
		w.emit(ctx, manifest.EventDownloadError, manifest.Fields{
			"prefecture": prefecture, "city": city, "source_page": sourcePage, "file_url": finalURL, "error": err.Error(),
		})
		return
	}
	w.resume.MarkDownloaded(finalURL)

	w.emit(ctx, manifest.EventDownloadedFile, manifest.Fields{
		"prefecture": prefecture, "city": city, "source_page": sourcePage,
		"file_url": finalURL, "content_type": contentType, "path": savePath,
	})
}

func (w *CrawlWorker) savePage(ctx context.Context, prefecture, city, finalURL, contentType string, body []byte) {
	if w.resume.IsPageSaved(finalURL) {
		w.emit(ctx, manifest.EventSkipSavePageAlreadyDone, manifest.Fields{
			"prefecture": prefecture, "city": city, "page_url": finalURL,
		})
		return
	}

	savePath := filepath.Join(w.cfg.OutDir, SafeName(prefecture), SafeName(city), "pages", Sha1Hex(finalURL)+".html")
	if err := writeFile(savePath, body); err != nil {
		w.logger.Warn("failed to save page", "url", finalURL, "err", err)
		return
	}
	w.resume.MarkPageSaved(finalURL)

	matches := analyzer.FindTermMatchesOptimized(string(body), finalURL, SafeName(city), w.cfg.Heuristic.Keywords)
	keywordHits := 0
	for _, m := range matches {
		keywordHits += m.Count
	}

	w.emit(ctx, manifest.EventSavedPage, manifest.Fields{
		"prefecture": prefecture, "city": city, "page_url": finalURL,
		"path": savePath, "content_type": contentType, "keyword_matches": keywordHits,
	})
}

// saveArchive persists a raw fetch result to the optional archive backend,
// independent of and in addition to the manifest journal and file/page
// writes, and records it on the process's prometheus counters. A nil
// archive makes the persistence half a no-op; metrics are always recorded.
func (w *CrawlWorker) saveArchive(ctx context.Context, result *storage.ScrapeResult) {
	if result == nil {
		return
	}
	domain := ""
	if u, err := url.Parse(result.URL); err == nil {
		domain = u.Hostname()
	}
	metrics.RecordScrape(domain, result)

	if w.archive == nil {
		return
	}
	if err := w.archive.Save(ctx, result); err != nil {
		w.logger.Warn("failed to archive fetch result", "url", result.URL, "err", err)
	}
}

func (w *CrawlWorker) emit(ctx context.Context, tag string, fields manifest.Fields) {
	if w.journal == nil {
		return
	}
	if err := w.journal.Emit(ctx, tag, fields); err != nil {
		w.logger.Error("failed to write manifest event", "event", tag, "err", err)
	}
}

func writeFile(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return nil
}

func firstHeaderValue(h map[string][]string, key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[key]; ok && len(v) > 0 {
		return v[0]
	}
	// http.Header canonicalizes keys; fall back to a manual case-insensitive
	// scan for hand-built header maps (e.g. in tests).
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func hasFileExt(p string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
