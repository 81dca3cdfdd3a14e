// Command crawler is the municipal-minutes crawler's CLI entrypoint: it
// loads a seed file, drives a bounded, resumable, polite crawl over it, and
// writes a manifest journal plus robots-disallow reports.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/localminutes/crawler/internal/linkextract"
	"github.com/localminutes/crawler/internal/metrics"
	"github.com/localminutes/crawler/internal/pipeline"
	"github.com/localminutes/crawler/internal/report"
	"github.com/localminutes/crawler/internal/storage"
	"github.com/localminutes/crawler/internal/storage/csvbackend"
	"github.com/localminutes/crawler/internal/storage/jsonbackend"
	"github.com/localminutes/crawler/internal/storage/postgres"
	"github.com/localminutes/crawler/internal/storage/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "Crawl municipal assembly sites for meeting minutes.",
		Long: `crawler discovers, fetches, and classifies meeting-minutes files across
a list of municipal assembly sites, resuming cleanly across runs via an
append-only manifest journal and respecting each site's robots.txt.`,
		SilenceUsage: true,
		RunE:         runCrawl,
	}

	flags := cmd.Flags()
	flags.String("input", "", "path to the seed JSON file (required)")
	flags.String("outdir", "out", "root output directory for downloaded files and saved pages")
	flags.String("manifest", "manifest.jsonl", "path to the manifest journal")
	flags.Bool("overwrite-manifest", false, "truncate the manifest before this run")
	flags.Int("threshold", 1, "minimum combined parent-URL count to prefer parent over grandparent seeds")
	flags.Int("max-depth", 3, "maximum BFS depth per seed")
	flags.Int("max-pages", 200, "maximum pages fetched per seed")
	flags.Duration("delay", 500*time.Millisecond, "minimum delay between requests to the same host")
	flags.Duration("timeout", 30*time.Second, "per-request HTTP timeout")
	flags.Bool("no-download", false, "disable downloading minutes files")
	flags.Bool("no-download-files", false, "alias of --no-download")
	flags.Bool("no-save-pages", false, "disable saving fetched HTML pages")
	flags.Bool("use-sitemap", false, "also seed each crawl from the host's /sitemap.xml")
	flags.Bool("resume", true, "rebuild resume state from an existing manifest")
	flags.Bool("skip-completed-seeds", true, "skip seeds already marked seed_done in the manifest")
	flags.Bool("recheck-seeds", true, "conditionally revalidate completed seeds instead of skipping outright")
	flags.Bool("force-crawl", false, "ignore completed-seed state entirely and re-crawl every seed")
	flags.Bool("force-download", false, "re-download files even if already recorded as downloaded")
	flags.Bool("respect-robots", true, "honor robots.txt")
	flags.Bool("same-domain-only", false, "never follow links off the seed's host")
	flags.Bool("same-path-prefix-only", false, "never follow links outside the seed's initial path prefix")
	flags.String("user-agent", "LocalMinutesCrawler/1.0", "User-Agent header sent with every request")
	flags.String("keywords", "", "comma-separated keyword overrides for the minutes-link heuristic")
	flags.String("file-exts", "", "comma-separated file-extension overrides for the minutes-link heuristic")
	flags.String("url-hints", "", "comma-separated URL-hint overrides for the minutes-link heuristic")
	flags.String("report-dir", "reports", "directory for the robots-disallow audit reports")
	flags.Int("workers", 8, "number of concurrent seed-crawling workers")
	flags.String("archive-backend", "", "optional raw fetch-result archive: csv, json, sqlite, or postgres")
	flags.String("archive-dsn", "", "file path or connection string for --archive-backend")
	flags.Int("metrics-port", 0, "expose Prometheus metrics on 127.0.0.1:<port> while crawling (0 disables)")
	flags.String("proxy-file", "", "file of proxy URLs (one per line) to rotate fetches through")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("crawler")
	v.AutomaticEnv()

	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	inputPath := v.GetString("input")
	if inputPath == "" {
		fmt.Fprintln(os.Stderr, "error: --input is required")
		os.Exit(2)
	}
	if _, err := os.Stat(inputPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: input file %q not found: %v\n", inputPath, err)
		os.Exit(2)
	}

	heuristic := linkextract.NewDefaultHeuristic()
	if kws := splitCSV(v.GetString("keywords")); len(kws) > 0 {
		heuristic.Keywords = kws
	}
	if exts := splitCSV(v.GetString("file-exts")); len(exts) > 0 {
		heuristic.FileExts = exts
	}
	if hints := splitCSV(v.GetString("url-hints")); len(hints) > 0 {
		heuristic.URLHints = hints
	}

	downloadFiles := !v.GetBool("no-download") && !v.GetBool("no-download-files")

	cfg := pipeline.Config{
		InputPath:          inputPath,
		OutDir:             v.GetString("outdir"),
		ManifestPath:       v.GetString("manifest"),
		OverwriteManifest:  v.GetBool("overwrite-manifest"),
		ReportDir:          v.GetString("report-dir"),
		Threshold:          v.GetInt("threshold"),
		Workers:            v.GetInt("workers"),
		MaxDepth:           v.GetInt("max-depth"),
		MaxPages:           v.GetInt("max-pages"),
		Delay:              v.GetDuration("delay"),
		Timeout:            v.GetDuration("timeout"),
		UserAgent:          v.GetString("user-agent"),
		Heuristic:          heuristic,
		SameDomainOnly:     v.GetBool("same-domain-only"),
		SamePathPrefixOnly: v.GetBool("same-path-prefix-only"),
		RespectRobots:      v.GetBool("respect-robots"),
		SavePages:          !v.GetBool("no-save-pages"),
		DownloadFiles:      downloadFiles,
		UseSitemap:         v.GetBool("use-sitemap"),
		ArchiveBackend:     v.GetString("archive-backend"),
		ArchiveDSN:         v.GetString("archive-dsn"),
		ProxyFile:          v.GetString("proxy-file"),
		Resume:             v.GetBool("resume"),
		SkipCompletedSeeds: v.GetBool("skip-completed-seeds"),
		RecheckSeeds:       v.GetBool("recheck-seeds"),
		ForceCrawl:         v.GetBool("force-crawl"),
		ForceDownload:      v.GetBool("force-download"),
	}

	p, err := pipeline.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	ctx := context.Background()

	if port := v.GetInt("metrics-port"); port > 0 {
		metricsSrv := metrics.Start(port)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Stop(stopCtx)
		}()
	}

	summary, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	fmt.Printf("[OUTDIR] %s\n", summary.OutDir)
	fmt.Printf("[MANIFEST] %s\n", summary.ManifestPath)
	fmt.Printf("[ROBOTS_DISALLOW] total=%d\n", summary.RobotsDisallowTotal)
	fmt.Printf("[DONE] found_links=%d skipped_seeds=%d\n", summary.TotalFoundLinks, summary.SkippedSeedCount)

	if cfg.ArchiveBackend != "" {
		if err := writeArchiveReport(ctx, cfg.ArchiveBackend, cfg.ArchiveDSN, cfg.ReportDir); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write archive report: %v\n", err)
		}
	}

	return nil
}

// writeArchiveReport reopens the archive backend populated during the run,
// summarizes it, and writes the summary in all three of the teacher's
// report formats under reportDir.
func writeArchiveReport(ctx context.Context, kind, dsn, reportDir string) error {
	var (
		backend storage.Backend
		err     error
	)
	switch kind {
	case "csv":
		backend, err = csvbackend.New(dsn)
	case "json":
		backend, err = jsonbackend.New(dsn)
	case "sqlite":
		backend, err = sqlite.New(dsn)
	case "postgres":
		backend, err = postgres.New(ctx, dsn)
	default:
		return fmt.Errorf("unknown archive backend %q", kind)
	}
	if err != nil {
		return fmt.Errorf("reopening archive: %w", err)
	}
	defer backend.Close()

	results, err := backend.Query(ctx, storage.Filter{})
	if err != nil {
		return fmt.Errorf("querying archive: %w", err)
	}
	summary := report.GenerateSummary(results)

	if err := os.MkdirAll(reportDir, 0755); err != nil {
		return fmt.Errorf("context: %w", err)
	}

	writers := map[string]func(*os.File, report.Summary) error{
		"crawl_summary.txt":  func(f *os.File, s report.Summary) error { return report.WriteText(f, s) },
		"crawl_summary.json": func(f *os.File, s report.Summary) error { return report.WriteJSON(f, s) },
		"crawl_summary.html": func(f *os.File, s report.Summary) error { return report.WriteHTML(f, s) },
	}
	for name, write := range writers {
		f, err := os.Create(filepath.Join(reportDir, name))
		if err != nil {
			return fmt.Errorf("context: %w", err)
		}
		werr := write(f, summary)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("context: %w", werr)
		}
		if cerr != nil {
			return fmt.Errorf("context: %w", cerr)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
