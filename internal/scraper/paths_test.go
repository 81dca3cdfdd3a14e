package scraper

import (
	"testing"
	"unicode/utf8"
)

func TestSafeNameReplacesDisallowedCharsAndTruncates(t *testing.T) {
	got := SafeName(`  Tokyo/Shibuya:"weird"?*<name>|  `)
	if got == "" || got[0] == ' ' || got[len(got)-1] == ' ' {
		t.Fatalf("expected trimmed output, got %q", got)
	}
	for _, r := range got {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|':
			t.Fatalf("disallowed char survived in %q", got)
		}
	}

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	if got := SafeName(string(long)); len(got) != 80 {
		t.Errorf("expected truncation to 80 chars, got %d", len(got))
	}
}

func TestSafeNameTruncatesMultiByteRunesSafely(t *testing.T) {
	runes := make([]rune, 200)
	for i := range runes {
		runes[i] = '東'
	}
	got := SafeName(string(runes))
	if n := len([]rune(got)); n != 80 {
		t.Errorf("expected truncation to 80 runes, got %d", n)
	}
	if !utf8.ValidString(got) {
		t.Errorf("expected valid UTF-8 after truncation, got %q", got)
	}
}

func TestSafeNameCollapsesWhitespace(t *testing.T) {
	got := SafeName("foo   bar\t\tbaz")
	if got != "foo bar baz" {
		t.Errorf("expected collapsed whitespace, got %q", got)
	}
}

func TestSha1HexIsStableAndDistinct(t *testing.T) {
	a := Sha1Hex("http://example.com/a")
	b := Sha1Hex("http://example.com/a")
	c := Sha1Hex("http://example.com/b")
	if a != b {
		t.Error("expected identical input to hash identically")
	}
	if a == c {
		t.Error("expected different input to hash differently")
	}
	if len(a) != 40 {
		t.Errorf("expected 40 hex chars, got %d", len(a))
	}
}

func TestIsProbablyBinary(t *testing.T) {
	cases := map[string]bool{
		"application/pdf":                        true,
		"application/msword":                      true,
		"application/vnd.ms-excel":                 true,
		"application/zip":                          true,
		"application/octet-stream":                 true,
		"APPLICATION/PDF; charset=binary":          true,
		"text/html; charset=utf-8":                 false,
		"text/plain":                               false,
	}
	for ct, want := range cases {
		if got := IsProbablyBinary(ct); got != want {
			t.Errorf("IsProbablyBinary(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestGuessExtFromContentType(t *testing.T) {
	cases := map[string]string{
		"application/pdf":                                                           ".pdf",
		"application/zip":                                                           ".zip",
		"application/msword":                                                        ".doc",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document":    ".docx",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":          ".xlsx",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
		"text/plain; charset=utf-8":                                                 ".txt",
		"text/csv":                                                                  ".csv",
		"application/octet-stream":                                                  "",
	}
	for ct, want := range cases {
		if got := GuessExtFromContentType(ct); got != want {
			t.Errorf("GuessExtFromContentType(%q) = %q, want %q", ct, got, want)
		}
	}
}

func TestURLPathExt(t *testing.T) {
	cases := map[string]string{
		"http://h/a/b/minutes.PDF": ".pdf",
		"http://h/a/b/minutes.pdf?x=1": ".pdf",
		"http://h/a/b/":           "",
		"http://h/a/b":            "",
		"://not a url":            "",
	}
	for in, want := range cases {
		if got := URLPathExt(in); got != want {
			t.Errorf("URLPathExt(%q) = %q, want %q", in, got, want)
		}
	}
}
