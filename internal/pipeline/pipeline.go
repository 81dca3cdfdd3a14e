// Package pipeline orchestrates a full crawl run: load seed records, build
// the scheduled task list, drive a fixed worker pool over it, and write the
// end-of-run reports. It is the top-level assembly point for every other
// package in this module, the way the teacher's Crawler.Run assembles a
// fetcher, auditor, and rate limiter into one BFS run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/localminutes/crawler/internal/disallow"
	"github.com/localminutes/crawler/internal/linkextract"
	"github.com/localminutes/crawler/internal/manifest"
	"github.com/localminutes/crawler/internal/revalidate"
	"github.com/localminutes/crawler/internal/robots"
	"github.com/localminutes/crawler/internal/scraper"
	"github.com/localminutes/crawler/internal/seedset"
	"github.com/localminutes/crawler/internal/storage"
	"github.com/localminutes/crawler/internal/storage/csvbackend"
	"github.com/localminutes/crawler/internal/storage/jsonbackend"
	"github.com/localminutes/crawler/internal/storage/postgres"
	"github.com/localminutes/crawler/internal/storage/sqlite"
	"github.com/localminutes/crawler/pkg/proxy"
	"github.com/localminutes/crawler/pkg/ratelimit"
	"github.com/localminutes/crawler/pkg/useragent"
	"golang.org/x/sync/errgroup"
)

// Config holds every run-level parameter, populated from CLI flags.
type Config struct {
	InputPath         string
	OutDir            string
	ManifestPath      string
	OverwriteManifest bool
	ReportDir         string
	Threshold         int
	Workers           int

	MaxDepth  int
	MaxPages  int
	Delay     time.Duration
	Timeout   time.Duration
	UserAgent string
	Heuristic linkextract.Heuristic

	SameDomainOnly     bool
	SamePathPrefixOnly bool
	RespectRobots      bool

	SavePages     bool
	DownloadFiles bool
	UseSitemap    bool

	// ArchiveBackend optionally names a storage.Backend to persist every
	// raw fetch result to, independent of the manifest journal and the
	// files/pages written to OutDir: "", "csv", "json", "sqlite", or
	// "postgres". ArchiveDSN is the backend's file path or connection
	// string, interpreted per backend.
	ArchiveBackend string
	ArchiveDSN     string

	// ProxyFile, if set, names a file of proxy URLs (one per line) that
	// every fetch rotates through instead of connecting directly.
	ProxyFile string

	Resume             bool
	SkipCompletedSeeds bool
	RecheckSeeds       bool
	ForceCrawl         bool
	ForceDownload      bool
}

// Summary is returned from Run for the CLI to print as the final
// human-readable status lines.
type Summary struct {
	TotalFoundLinks     int
	SkippedSeedCount    int
	RobotsDisallowTotal int
	ManifestPath        string
	OutDir              string
}

// Pipeline is the assembled run: a fetcher plus every shared collaborator a
// CrawlWorker needs, wired once and reused across every scheduled task.
type Pipeline struct {
	cfg     Config
	fetcher *scraper.Fetcher
	logger  *slog.Logger
}

// New builds a Pipeline, constructing its own Fetcher from cfg's timeout and
// user agent.
func New(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Heuristic.Keywords == nil && cfg.Heuristic.FileExts == nil && cfg.Heuristic.URLHints == nil {
		cfg.Heuristic = linkextract.NewDefaultHeuristic()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "LocalMinutesCrawler/1.0"
	}

	var proxyPool *proxy.Pool
	if cfg.ProxyFile != "" {
		proxyPool = proxy.NewPool(proxy.Config{})
		if err := proxyPool.LoadFile(cfg.ProxyFile); err != nil {
			return nil, fmt.Errorf("context: %w", err)
		}
	}

	fetcher, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout:   cfg.Timeout,
		UAPool:    useragent.NewPool([]string{cfg.UserAgent}),
		ProxyPool: proxyPool,
	})
	if err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}

	return &Pipeline{cfg: cfg, fetcher: fetcher, logger: logger}, nil
}

// Run executes one full crawl: loads the seed file, builds the scheduled
// task list, drives it through a fixed worker pool, and writes the
// end-of-run reports. It returns an error only for conditions that prevent
// the run from starting at all (unreadable input, unopenable manifest);
// per-task failures are journaled, never returned.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	records, err := seedset.Load(p.cfg.InputPath)
	if err != nil {
		return Summary{}, fmt.Errorf("context: %w", err)
	}

	journal, err := manifest.Open(p.cfg.ManifestPath, p.cfg.OverwriteManifest)
	if err != nil {
		return Summary{}, fmt.Errorf("context: %w", err)
	}
	defer journal.Close()

	archive, err := newArchiveBackend(ctx, p.cfg.ArchiveBackend, p.cfg.ArchiveDSN)
	if err != nil {
		return Summary{}, fmt.Errorf("context: %w", err)
	}
	if archive != nil {
		defer archive.Close()
	}

	var resume *manifest.ResumeIndex
	if p.cfg.Resume && !p.cfg.OverwriteManifest {
		resume, err = manifest.LoadResumeIndex(p.cfg.ManifestPath)
		if err != nil {
			return Summary{}, fmt.Errorf("context: %w", err)
		}
	} else {
		resume = manifest.NewResumeIndex()
	}

	counters := manifest.NewCounters()
	disallowReporter := disallow.NewReporter()

	reg := robots.NewRegistry(p.fetcher, p.logger)
	reg.OnLoad = func(host, robotsURL string, loadErr error) {
		if loadErr != nil {
			_ = journal.Emit(ctx, manifest.EventRobotsLoadFailedAllowAll, manifest.Fields{
				"netloc": host, "robots_url": robotsURL, "error": loadErr.Error(),
			})
		} else {
			_ = journal.Emit(ctx, manifest.EventRobotsLoaded, manifest.Fields{
				"netloc": host, "robots_url": robotsURL,
			})
		}
	}

	limiter := ratelimit.NewHostLimiter()

	_ = journal.Emit(ctx, manifest.EventStart, manifest.Fields{
		"input": p.cfg.InputPath, "outdir": p.cfg.OutDir, "threshold": p.cfg.Threshold,
		"flags": manifest.Fields{
			"respect_robots":        p.cfg.RespectRobots,
			"resume":                p.cfg.Resume,
			"skip_completed_seeds":  p.cfg.SkipCompletedSeeds,
			"recheck_seeds":         p.cfg.RecheckSeeds,
			"force_crawl":           p.cfg.ForceCrawl,
			"force_download":        p.cfg.ForceDownload,
			"download_files":        p.cfg.DownloadFiles,
			"same_domain_only":      p.cfg.SameDomainOnly,
			"same_path_prefix_only": p.cfg.SamePathPrefixOnly,
		},
		"config": manifest.Fields{
			"max_depth":             p.cfg.MaxDepth,
			"max_pages":             p.cfg.MaxPages,
			"delay_sec":             p.cfg.Delay.Seconds(),
			"timeout_sec":           p.cfg.Timeout.Seconds(),
			"same_domain_only":      p.cfg.SameDomainOnly,
			"same_path_prefix_only": p.cfg.SamePathPrefixOnly,
		},
	})

	tasks, skipped := seedset.BuildTasks(records, p.cfg.Threshold)
	for _, r := range skipped {
		counters.IncSkippedSeed()
		_ = journal.Emit(ctx, manifest.EventCitySkipNoSeed, manifest.Fields{
			"prefecture": r.Prefecture, "city": r.City,
		})
	}

	emitCityStart(ctx, journal, tasks)

	worker := scraper.NewCrawlWorker(
		scraper.CrawlWorkerConfig{
			MaxDepth:           p.cfg.MaxDepth,
			MaxPages:           p.cfg.MaxPages,
			Delay:              p.cfg.Delay,
			UserAgent:          p.cfg.UserAgent,
			Heuristic:          p.cfg.Heuristic,
			SameDomainOnly:     p.cfg.SameDomainOnly,
			SamePathPrefixOnly: p.cfg.SamePathPrefixOnly,
			RespectRobots:      p.cfg.RespectRobots,
			SavePages:          p.cfg.SavePages,
			DownloadFiles:      p.cfg.DownloadFiles,
			ForceDownload:      p.cfg.ForceDownload,
			OutDir:             p.cfg.OutDir,
			UseSitemap:         p.cfg.UseSitemap,
		},
		p.fetcher, reg, limiter, journal, resume, disallowReporter, counters, archive, p.logger,
	)

	r := &runner{
		cfg:      p.cfg,
		fetcher:  p.fetcher,
		robots:   reg,
		limiter:  limiter,
		journal:  journal,
		resume:   resume,
		counters: counters,
		worker:   worker,
		logger:   p.logger,
	}

	queue := make(chan seedset.SeedTask, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for task := range queue {
				r.runTask(gCtx, task)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := disallowReporter.Write(p.cfg.ReportDir); err != nil {
		p.logger.Error("failed to write disallow reports", "err", err)
	} else {
		_ = journal.Emit(ctx, manifest.EventRobotsReportWritten, manifest.Fields{
			"report_dir": p.cfg.ReportDir, "robots_disallow_total": disallowReporter.Total(),
		})
	}

	totalFound, skippedSeeds := counters.Snapshot()
	_ = journal.Emit(ctx, manifest.EventDone, manifest.Fields{
		"total_found_links":    totalFound,
		"skipped_seed_count":   skippedSeeds,
		"robots_disallow_total": disallowReporter.Total(),
		"flags": manifest.Fields{
			"respect_robots": p.cfg.RespectRobots,
			"resume":         p.cfg.Resume,
		},
	})

	return Summary{
		TotalFoundLinks:     totalFound,
		SkippedSeedCount:    skippedSeeds,
		RobotsDisallowTotal: disallowReporter.Total(),
		ManifestPath:        p.cfg.ManifestPath,
		OutDir:              p.cfg.OutDir,
	}, nil
}

// emitCityStart emits one city_start event per distinct (prefecture, city)
// pair in tasks, in first-encountered order, using the seed-count and
// total fields carried on that pair's first task.
func emitCityStart(ctx context.Context, journal *manifest.Journal, tasks []seedset.SeedTask) {
	seen := make(map[string]struct{})
	for _, t := range tasks {
		key := t.Prefecture + "|" + t.City
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		_ = journal.Emit(ctx, manifest.EventCityStart, manifest.Fields{
			"prefecture": t.Prefecture, "city": t.City, "mode": string(t.Mode),
			"seed_count": t.SeedCount, "parent_total": t.ParentTotal, "grand_parent_total": t.GrandParentTotal,
		})
	}
}

// runner carries the per-run collaborators runTask needs beyond what the
// shared CrawlWorker already closes over: the pieces specific to seed
// revalidation, which happens before a CrawlWorker is ever invoked.
type runner struct {
	cfg      Config
	fetcher  *scraper.Fetcher
	robots   *robots.Registry
	limiter  *ratelimit.HostLimiter
	journal  *manifest.Journal
	resume   *manifest.ResumeIndex
	counters *manifest.Counters
	worker   *scraper.CrawlWorker
	logger   *slog.Logger
}

// runTask executes one SeedTask: the resume/revalidation decision (§4.6),
// then, if the seed is to be (re-)crawled, the bounded BFS itself. A
// recovered panic is journaled as seed_task_exception rather than
// propagated, so one bad task never takes down the pool.
func (r *runner) runTask(ctx context.Context, task seedset.SeedTask) {
	defer func() {
		if rec := recover(); rec != nil {
			_ = r.journal.Emit(ctx, manifest.EventSeedTaskException, manifest.Fields{
				"error": fmt.Sprintf("%v", rec),
			})
		}
	}()

	fields := manifest.Fields{
		"prefecture": task.Prefecture, "city": task.City, "mode": string(task.Mode), "seed_url": task.SeedURL,
	}

	completed := r.resume.IsSeedCompleted(task.SeedURL)
	if completed && !r.cfg.ForceCrawl {
		switch {
		case !r.cfg.SkipCompletedSeeds:
			// Completed seeds are not special-cased at all; fall through to a
			// full re-crawl.
		case r.cfg.RecheckSeeds:
			if !r.revalidateSeed(ctx, task, fields) {
				return
			}
		default:
			r.counters.IncSkippedSeed()
			_ = r.journal.Emit(ctx, manifest.EventSkipSeedAlreadyDone, fields)
			return
		}
	}

	found := r.worker.Crawl(ctx, task.Prefecture, task.City, string(task.Mode), task.SeedURL)
	_ = found
	r.resume.MarkSeedCompleted(task.SeedURL)
}

// revalidateSeed implements §4.6 steps 1-8 for a previously completed seed.
// It returns true if the caller should proceed to a full BFS crawl, false
// if the seed was skipped (already counted and journaled) or the rate-limit
// wait was cancelled (neither counted nor journaled).
func (r *runner) revalidateSeed(ctx context.Context, task seedset.SeedTask, fields manifest.Fields) bool {
	if r.cfg.RespectRobots {
		allowed, err := r.robots.CanFetch(ctx, task.SeedURL, r.cfg.UserAgent)
		if err == nil && !allowed {
			r.counters.IncSkippedSeed()
			_ = r.journal.Emit(ctx, manifest.EventSkipSeedAlreadyDoneRobotsDisallow, fields)
			return false
		}
	}

	host := ratelimit.HostOf(task.SeedURL)
	delay := r.cfg.Delay
	if crawlDelay, ok := r.robots.CrawlDelay(ctx, task.SeedURL, r.cfg.UserAgent); ok && crawlDelay > delay {
		delay = crawlDelay
	}
	if err := r.limiter.Wait(ctx, host, delay); err != nil {
		return false
	}

	prior, hasPrior := r.resume.SeedStateOf(task.SeedURL)
	outcome := revalidate.Revalidate(ctx, r.fetcher, task.SeedURL, prior, hasPrior)

	r.resume.SetSeedState(task.SeedURL, outcome.NewState)
	_ = r.journal.Emit(ctx, manifest.EventSeedState, manifest.Fields{
		"seed_url": task.SeedURL, "etag": outcome.NewState.ETag,
		"last_modified": outcome.NewState.LastModified, "content_sha1": outcome.NewState.ContentSHA1,
	})

	if !outcome.Changed {
		r.counters.IncSkippedSeed()
		_ = r.journal.Emit(ctx, manifest.EventSkipSeedAlreadyDoneNotModified, fields)
		return false
	}

	_ = r.journal.Emit(ctx, manifest.EventSeedChangedReCrawl, fields)
	return true
}

// newArchiveBackend builds the optional raw-result archive named by kind,
// or returns a nil Backend (and nil error) for an empty kind.
func newArchiveBackend(ctx context.Context, kind, dsn string) (storage.Backend, error) {
	switch kind {
	case "":
		return nil, nil
	case "csv":
		return csvbackend.New(dsn)
	case "json":
		return jsonbackend.New(dsn)
	case "sqlite":
		return sqlite.New(dsn)
	case "postgres":
		return postgres.New(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", kind)
	}
}
