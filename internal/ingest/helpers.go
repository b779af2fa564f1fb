package ingest

import (
	"strings"
)

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanText(s string) string {
	return normalizeSpace(s)
}

// matchesKeywords reports whether any keyword occurs in the text. An empty
// keyword list matches everything.
func matchesKeywords(keywords []string, texts ...string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := NormalizeText(strings.Join(texts, " "))
	if haystack == "" {
		return false
	}
	for _, kw := range keywords {
		if norm := NormalizeText(kw); norm != "" && strings.Contains(haystack, norm) {
			return true
		}
	}
	return false
}

func keywordQuery(keywords []string) string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = cleanText(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return strings.Join(out, " ")
}

func sourceKey(source, nativeID string) string {
	return source + ":" + strings.TrimSpace(nativeID)
}
