package ingest

import (
	"regexp"
	"strings"
	"time"
)

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02 January 2006",
	"Monday, January 2, 2006",
}

var spanishMonths = map[string]string{
	"enero": "January", "febrero": "February", "marzo": "March", "abril": "April",
	"mayo": "May", "junio": "June", "julio": "July", "agosto": "August",
	"septiembre": "September", "setiembre": "September", "octubre": "October",
	"noviembre": "November", "diciembre": "December",
}

var (
	isoDateRegex     = regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	usDateRegex      = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(20\d{2})\b`)
	monthFirstRegex  = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(20\d{2})\b`)
	dayFirstRegex    = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?,?\s+(20\d{2})\b`)
	spanishDateRegex = regexp.MustCompile(`(?i)\b(\d{1,2})\s+de\s+(enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre)\s+(?:de|del)\s+(20\d{2})\b`)
	deadlineLabel    = regexp.MustCompile(`(?i)(deadline|closing date|close date|due date|due|apply by|applications? close|submission|fecha l[ií]mite|cierre)`)
)

// ParseDate reads a dedicated date field. Date-only values resolve to the
// end of that day in UTC.
func ParseDate(text string) *time.Time {
	text = cleanDateString(text)
	if text == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		t = t.UTC()
		return &t
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			t = toEndOfDay(t)
			return &t
		}
	}
	return findDate(text)
}

// ExtractDeadline looks for a date that follows a deadline label in free text.
func ExtractDeadline(text string) *time.Time {
	for _, loc := range deadlineLabel.FindAllStringIndex(text, -1) {
		end := loc[1] + 80
		if end > len(text) {
			end = len(text)
		}
		if t := findDate(text[loc[1]:end]); t != nil {
			return t
		}
	}
	return nil
}

func findDate(text string) *time.Time {
	var candidates []string
	if m := isoDateRegex.FindString(text); m != "" {
		if t, err := time.Parse("2006-01-02", m); err == nil {
			t = toEndOfDay(t)
			return &t
		}
	}
	if m := monthFirstRegex.FindStringSubmatch(text); len(m) == 4 {
		candidates = append(candidates, m[1]+" "+m[2]+" "+m[3])
	}
	if m := dayFirstRegex.FindStringSubmatch(text); len(m) == 4 {
		candidates = append(candidates, m[2]+" "+m[1]+" "+m[3])
	}
	if m := spanishDateRegex.FindStringSubmatch(text); len(m) == 4 {
		candidates = append(candidates, spanishMonths[strings.ToLower(m[2])]+" "+m[1]+" "+m[3])
	}
	for _, c := range candidates {
		for _, layout := range []string{"January 2 2006", "Jan 2 2006"} {
			if t, err := time.Parse(layout, normalizeMonth(c)); err == nil {
				t = toEndOfDay(t)
				return &t
			}
		}
	}
	if m := usDateRegex.FindString(text); m != "" {
		if t, err := time.Parse("1/2/2006", m); err == nil {
			t = toEndOfDay(t)
			return &t
		}
	}
	return nil
}

func normalizeMonth(s string) string {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return s
	}
	m := strings.ToLower(strings.TrimSuffix(parts[0], "."))
	if m == "sept" {
		m = "sep"
	}
	parts[0] = strings.ToUpper(m[:1]) + m[1:]
	return strings.Join(parts, " ")
}

func toEndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

func cleanDateString(s string) string {
	s = strings.TrimSpace(s)
	if loc := deadlineLabel.FindStringIndex(s); loc != nil && loc[0] == 0 {
		s = strings.TrimLeft(s[loc[1]:], " :-")
	}
	return strings.TrimSpace(s)
}
