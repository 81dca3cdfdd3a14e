package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/localminutes/crawler/internal/disallow"
	"github.com/localminutes/crawler/internal/fingerprint"
	"github.com/localminutes/crawler/internal/linkextract"
	"github.com/localminutes/crawler/internal/manifest"
	"github.com/localminutes/crawler/internal/robots"
	"github.com/localminutes/crawler/pkg/ratelimit"
)

func newTestWorker(t *testing.T, manifestPath string, cfg CrawlWorkerConfig) (*CrawlWorker, *manifest.Journal) {
	t.Helper()

	fetcher, err := NewFetcher(FetchConfig{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	journal, err := manifest.Open(manifestPath, true)
	if err != nil {
		t.Fatalf("manifest.Open: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	reg := robots.NewRegistry(fetcher, nil)
	worker := NewCrawlWorker(
		cfg,
		fetcher,
		reg,
		ratelimit.NewHostLimiter(),
		journal,
		manifest.NewResumeIndex(),
		disallow.NewReporter(),
		manifest.NewCounters(),
		nil,
		nil,
	)
	return worker, journal
}

func TestCrawlDiscoversMinutesLinkAndSavesPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/giji/2024.pdf">議事録</a></body></html>`))
	})
	mux.HandleFunc("/giji/2024.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 fake content"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	outDir := t.TempDir()
	cfg := CrawlWorkerConfig{
		MaxDepth:      2,
		MaxPages:      10,
		Delay:         0,
		UserAgent:     "TestBot",
		Heuristic:     linkextract.NewDefaultHeuristic(),
		RespectRobots: true,
		SavePages:     true,
		DownloadFiles: true,
		OutDir:        outDir,
	}

	worker, _ := newTestWorker(t, filepath.Join(t.TempDir(), "manifest.jsonl"), cfg)

	found := worker.Crawl(context.Background(), "Tokyo", "Shibuya", "parent", ts.URL+"/index.html")
	if found != 1 {
		t.Fatalf("expected 1 found minutes link, got %d", found)
	}

	filesDir := filepath.Join(outDir, "Tokyo", "Shibuya", "files")
	entries, err := os.ReadDir(filesDir)
	if err != nil {
		t.Fatalf("ReadDir files: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 downloaded file, got %d", len(entries))
	}

	pagesDir := filepath.Join(outDir, "Tokyo", "Shibuya", "pages")
	entries, err = os.ReadDir(pagesDir)
	if err != nil {
		t.Fatalf("ReadDir pages: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 saved page, got %d", len(entries))
	}
}

func TestCrawlRespectsRobotsDisallow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
	})
	hit := false
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.Write([]byte("should not be reached"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := CrawlWorkerConfig{
		MaxDepth:      2,
		MaxPages:      10,
		UserAgent:     "TestBot",
		Heuristic:     linkextract.NewDefaultHeuristic(),
		RespectRobots: true,
		OutDir:        t.TempDir(),
	}
	worker, _ := newTestWorker(t, filepath.Join(t.TempDir(), "manifest.jsonl"), cfg)

	found := worker.Crawl(context.Background(), "Tokyo", "Shibuya", "parent", ts.URL+"/index.html")
	if found != 0 {
		t.Errorf("expected 0 found links when seed itself is disallowed, got %d", found)
	}
	if hit {
		t.Error("expected the disallowed page to never be fetched")
	}
}

func TestCrawlBinaryDirectHit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/minutes.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 direct hit"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	outDir := t.TempDir()
	cfg := CrawlWorkerConfig{
		MaxDepth:      1,
		MaxPages:      5,
		UserAgent:     "TestBot",
		Heuristic:     linkextract.NewDefaultHeuristic(),
		RespectRobots: true,
		DownloadFiles: true,
		OutDir:        outDir,
	}
	worker, _ := newTestWorker(t, filepath.Join(t.TempDir(), "manifest.jsonl"), cfg)

	found := worker.Crawl(context.Background(), "Osaka", "Naniwa", "parent", ts.URL+"/minutes.pdf")
	if found != 1 {
		t.Fatalf("expected 1 found link for direct binary hit, got %d", found)
	}

	entries, err := os.ReadDir(filepath.Join(outDir, "Osaka", "Naniwa", "files"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 downloaded file, got %d", len(entries))
	}
}

func TestCrawlStopsAtMaxPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	var pageHits atomic.Int32
	for i := 0; i < 5; i++ {
		n := i
		mux.HandleFunc("/p"+strconv.Itoa(n), func(w http.ResponseWriter, r *http.Request) {
			pageHits.Add(1)
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body><a href="/p` + strconv.Itoa(n+1) + `">next</a></body></html>`))
		})
	}
	ts := httptest.NewServer(mux)
	defer ts.Close()

	cfg := CrawlWorkerConfig{
		MaxDepth:      10,
		MaxPages:      2,
		UserAgent:     "TestBot",
		Heuristic:     linkextract.NewDefaultHeuristic(),
		RespectRobots: true,
		OutDir:        t.TempDir(),
	}
	worker, _ := newTestWorker(t, filepath.Join(t.TempDir(), "manifest.jsonl"), cfg)

	worker.Crawl(context.Background(), "Pref", "City", "parent", ts.URL+"/p0")

	if got := pageHits.Load(); got != 2 {
		t.Errorf("expected exactly MaxPages=2 page fetches, got %d", got)
	}
}
