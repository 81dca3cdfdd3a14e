package revalidate

import (
	"context"
	"testing"

	"github.com/localminutes/crawler/internal/manifest"
	"github.com/localminutes/crawler/internal/storage"
)

type stubFetcher struct {
	result      *storage.ScrapeResult
	err         error
	lastHeaders map[string]string
}

func (s *stubFetcher) FetchWithHeaders(ctx context.Context, targetURL string, extraHeaders map[string]string) (*storage.ScrapeResult, error) {
	s.lastHeaders = extraHeaders
	return s.result, s.err
}

func TestRevalidateFirstVisitIsAlwaysChanged(t *testing.T) {
	f := &stubFetcher{result: &storage.ScrapeResult{StatusCode: 200, Body: []byte("hello")}}
	out := Revalidate(context.Background(), f, "http://h/x/", manifest.SeedState{}, false)
	if !out.Changed {
		t.Error("first visit must be treated as changed")
	}
	if out.NewState.ContentSHA1 == "" {
		t.Error("expected a content hash to be captured")
	}
}

func TestRevalidateNotModified304(t *testing.T) {
	f := &stubFetcher{result: &storage.ScrapeResult{StatusCode: 304}}
	prior := manifest.SeedState{ETag: "abc"}
	out := Revalidate(context.Background(), f, "http://h/x/", prior, true)
	if out.Changed || !out.NotModified {
		t.Errorf("expected unchanged+not-modified, got %+v", out)
	}
	if f.lastHeaders["If-None-Match"] != "abc" {
		t.Errorf("expected If-None-Match to carry the prior etag, got %v", f.lastHeaders)
	}
	if out.NewState != prior {
		t.Errorf("expected prior state to survive a 304 unchanged, got %+v", out.NewState)
	}
}

func TestRevalidateUnchangedBySHA1(t *testing.T) {
	body := []byte("same content")
	prior := manifest.SeedState{ContentSHA1: sha1Hex(body)}
	f := &stubFetcher{result: &storage.ScrapeResult{StatusCode: 200, Body: body}}
	out := Revalidate(context.Background(), f, "http://h/x/", prior, true)
	if out.Changed {
		t.Error("expected sha1 match to mean unchanged")
	}
}

func TestRevalidateUnchangedByETagEvenWhenBodyDiffers(t *testing.T) {
	prior := manifest.SeedState{ETag: "v1", ContentSHA1: "deadbeef"}
	f := &stubFetcher{result: &storage.ScrapeResult{
		StatusCode: 200,
		Body:       []byte("different body, sha1 will differ"),
		Headers:    map[string][]string{"Etag": {"v1"}},
	}}
	out := Revalidate(context.Background(), f, "http://h/x/", prior, true)
	if out.Changed {
		t.Error("expected ETag match to mean unchanged even though sha1 differs")
	}
}

func TestRevalidateChangedWhenAllSignalsDisagree(t *testing.T) {
	prior := manifest.SeedState{ETag: "v1", LastModified: "Mon, 01 Jan 2024", ContentSHA1: "deadbeef"}
	f := &stubFetcher{result: &storage.ScrapeResult{
		StatusCode: 200,
		Body:       []byte("new content"),
		Headers:    map[string][]string{"Etag": {"v2"}, "Last-Modified": {"Tue, 02 Jan 2024"}},
	}}
	out := Revalidate(context.Background(), f, "http://h/x/", prior, true)
	if !out.Changed {
		t.Error("expected a change when sha1, etag, and last-modified all disagree")
	}
}

func TestRevalidateNetworkErrorFailsOpenToChanged(t *testing.T) {
	f := &stubFetcher{result: &storage.ScrapeResult{Error: "connection reset"}}
	out := Revalidate(context.Background(), f, "http://h/x/", manifest.SeedState{ETag: "v1"}, true)
	if !out.Changed {
		t.Error("expected a transport-level failure to fail open to changed")
	}
}
