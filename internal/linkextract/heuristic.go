package linkextract

import "strings"

// DefaultKeywords are the Japanese terms that mark a link or its anchor
// text as meeting-minutes-like. Lifted verbatim from the council-minutes
// crawler this heuristic was distilled from; several are intentionally
// multi-byte and matched case-sensitively (see Matches below).
var DefaultKeywords = []string{
	"議事録", "会議録", "会議資料", "会議結果", "会議概要", "審議会",
	"委員会", "本会議", "定例会", "臨時会", "会議", "録",
	"令和", "平成", "議会", "会期", "質疑", "答弁",
}

// DefaultFileExts are the file extensions treated as minutes-like
// regardless of anchor text or keyword match.
var DefaultFileExts = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".csv",
	".txt", ".zip",
}

// DefaultURLHints are lowercase substrings of a URL that suggest it leads
// to minutes even without a recognized file extension.
var DefaultURLHints = []string{
	"giji", "gijiroku", "kaigi", "minutes", "meeting", "gikai", "iin",
	"shingikai", "kaigiroku",
}

// Heuristic bundles the configurable keyword/extension/hint sets used to
// judge a candidate link.
type Heuristic struct {
	Keywords []string
	FileExts []string
	URLHints []string
}

// NewDefaultHeuristic returns a Heuristic seeded with the default sets.
func NewDefaultHeuristic() Heuristic {
	return Heuristic{
		Keywords: DefaultKeywords,
		FileExts: DefaultFileExts,
		URLHints: DefaultURLHints,
	}
}

// Matches reports whether (absURL, anchorText) is minutes-like. Order of
// evaluation does not matter semantically; the first true check short
// circuits. The fourth check intentionally compares the keyword set
// against the original, non-lowercased URL: the keyword set is expected to
// contain multi-byte strings for which case folding is not meaningful, and
// a case-sensitive substring match against the raw URL is the documented,
// if surprising, behavior.
func (h Heuristic) Matches(absURL, anchorText string) bool {
	lowerURL := strings.ToLower(absURL)
	text := strings.TrimSpace(anchorText)

	for _, ext := range h.FileExts {
		if strings.HasSuffix(lowerURL, ext) {
			return true
		}
	}
	for _, hint := range h.URLHints {
		if strings.Contains(lowerURL, hint) {
			return true
		}
	}
	for _, kw := range h.Keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	for _, kw := range h.Keywords {
		if strings.Contains(absURL, kw) {
			return true
		}
	}
	return false
}
