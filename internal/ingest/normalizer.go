package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// SnippetLength bounds the description kept on each record.
const SnippetLength = 600

var strictPolicy = bluemonday.StrictPolicy()

// TruncateText cuts a string to maxLen runes, appending an ellipsis if truncated.
func TruncateText(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	if maxLen > 3 {
		return strings.TrimSpace(string(runes[:maxLen-3])) + "..."
	}
	return string(runes[:maxLen])
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return cleanText(raw)
	}
	return cleanText(doc.Text())
}

// SanitizeSnippet strips all markup from a provider description and bounds
// its length.
func SanitizeSnippet(raw string) string {
	text := html.UnescapeString(strictPolicy.Sanitize(raw))
	return TruncateText(cleanText(text), SnippetLength)
}

// NormalizeText case-folds, replaces punctuation with spaces and collapses
// whitespace. It is the only normalization dedup identity depends on.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteByte(' ')
		}
	}
	return normalizeSpace(b.String())
}

// DedupKey is the cross-source identity of an opportunity.
func DedupKey(funder, title string) string {
	sum := sha256.Sum256([]byte(NormalizeText(funder) + "|" + NormalizeText(title)))
	return hex.EncodeToString(sum[:])
}

// CanonicalizeURL lowercases the host and drops fragments and tracking params.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(rawURL)
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(k, "utm_") {
			q.Del(k)
		}
	}
	for _, p := range []string{"fbclid", "gclid", "mc_cid", "mc_eid", "mkt_tok", "ref", "session", "s_cid"} {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
