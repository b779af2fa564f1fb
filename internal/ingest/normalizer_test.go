package ingest

import (
	"strings"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Community Grant 2025", "community grant 2025"},
		{"  COMMUNITY   grant,  2025!! ", "community grant 2025"},
		{"Acme-Foundation's  \"Fund\"", "acme foundation s fund"},
		{"Fondo de Innovación", "fondo de innovación"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Fatalf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDedupKeyStableAcrossSources(t *testing.T) {
	a := DedupKey("Acme Foundation", "Community Grant 2025")
	b := DedupKey("ACME foundation.", "community grant - 2025")
	if a != b {
		t.Fatalf("expected identical keys, got %s vs %s", a, b)
	}
	if a == DedupKey("Acme Foundation", "Community Grant 2026") {
		t.Fatal("different titles must not collide")
	}
	if len(a) != 64 {
		t.Fatalf("expected sha256 hex, got %d chars", len(a))
	}
}

func TestSanitizeSnippet(t *testing.T) {
	got := SanitizeSnippet(`<p>Funding for <b>rural</b> clinics &amp; schools</p><script>alert(1)</script>`)
	if strings.Contains(got, "<") || strings.Contains(got, "alert") {
		t.Fatalf("markup survived: %q", got)
	}
	if !strings.Contains(got, "rural clinics & schools") {
		t.Fatalf("unexpected snippet: %q", got)
	}

	long := SanitizeSnippet(strings.Repeat("word ", 500))
	if n := len([]rune(long)); n > SnippetLength {
		t.Fatalf("snippet not bounded: %d runes", n)
	}
}

func TestCanonicalizeURL(t *testing.T) {
	got := CanonicalizeURL("https://Example.ORG/grants/1?utm_source=x&id=7#apply")
	if got != "https://example.org/grants/1?id=7" {
		t.Fatalf("CanonicalizeURL = %q", got)
	}
}

func TestMatchesKeywords(t *testing.T) {
	if !matchesKeywords(nil, "anything") {
		t.Fatal("empty keyword list should match")
	}
	if !matchesKeywords([]string{"Rural Health"}, "Grants for rural-health clinics") {
		t.Fatal("expected normalized match")
	}
	if matchesKeywords([]string{"arts"}, "Water infrastructure") {
		t.Fatal("unexpected match")
	}
}
