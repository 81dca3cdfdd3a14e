// Package revalidate decides whether a previously crawled seed page has
// changed since the last run, using a conditional GET plus a body-hash
// fallback, grounded on the fetch_seed_state check this subsystem's
// Python ancestor performs before deciding whether to skip a completed
// seed outright or fall through to a full re-crawl.
package revalidate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	"github.com/localminutes/crawler/internal/manifest"
	"github.com/localminutes/crawler/internal/storage"
)

// Fetcher is the capability revalidation needs: a conditional GET that can
// carry If-None-Match / If-Modified-Since headers.
type Fetcher interface {
	FetchWithHeaders(ctx context.Context, targetURL string, extraHeaders map[string]string) (*storage.ScrapeResult, error)
}

// Outcome is the result of revalidating one seed.
type Outcome struct {
	// Changed is true when the seed should be (re-)crawled.
	Changed bool
	// NotModified is true when the server replied 304; Changed is always
	// false in that case, prior state should be kept as-is.
	NotModified bool
	// NewState is the snapshot to journal as a seed_state event and store
	// in the resume index. When NotModified is true this is simply prior,
	// unchanged, so a 304 never wipes out a seed's recorded ETag/
	// Last-Modified/ContentSHA1.
	NewState manifest.SeedState
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Revalidate issues a conditional GET for seedURL using prior (the last
// recorded seed_state, if any) and decides whether the seed has changed.
//
// Precedence when both a body hash and headers are available and
// disagree: a SHA-1 match wins over an ETag match wins over a
// Last-Modified match — the first true comparison short-circuits
// "unchanged", matching the Python ancestor's fetch_seed_state.
//
// A network error during revalidation is treated as "changed" (fail open
// to a full re-crawl rather than silently skipping a seed that might have
// moved).
func Revalidate(ctx context.Context, f Fetcher, seedURL string, prior manifest.SeedState, hasPrior bool) Outcome {
	headers := map[string]string{}
	if hasPrior {
		if prior.ETag != "" {
			headers["If-None-Match"] = prior.ETag
		}
		if prior.LastModified != "" {
			headers["If-Modified-Since"] = prior.LastModified
		}
	}

	result, err := f.FetchWithHeaders(ctx, seedURL, headers)
	if err != nil || result.Error != "" {
		return Outcome{Changed: true}
	}

	if result.StatusCode == 304 {
		return Outcome{Changed: false, NotModified: true, NewState: prior}
	}

	newState := manifest.SeedState{
		ETag:         firstHeader(result.Headers, "ETag"),
		LastModified: firstHeader(result.Headers, "Last-Modified"),
		ContentSHA1:  sha1Hex(result.Body),
	}

	if !hasPrior {
		return Outcome{Changed: true, NewState: newState}
	}

	if prior.ContentSHA1 != "" && prior.ContentSHA1 == newState.ContentSHA1 {
		return Outcome{Changed: false, NewState: newState}
	}
	if prior.ETag != "" && newState.ETag != "" && prior.ETag == newState.ETag {
		return Outcome{Changed: false, NewState: newState}
	}
	if prior.LastModified != "" && newState.LastModified != "" && prior.LastModified == newState.LastModified {
		return Outcome{Changed: false, NewState: newState}
	}

	return Outcome{Changed: true, NewState: newState}
}

func firstHeader(h map[string][]string, key string) string {
	if h == nil {
		return ""
	}
	for k, v := range h {
		if equalFoldASCII(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// equalFoldASCII avoids importing strings just for this one comparison;
// http.Header keys are already canonicalized by net/http, but a
// hand-rolled ScrapeResult in tests may not be.
func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
