package ingest

import (
	"regexp"
	"strings"

	"github.com/david/grant-discovery/internal/models"
)

var (
	emailRegex       = regexp.MustCompile(`(?i)(mailto:)?([a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,})`)
	emailLabelRegex  = regexp.MustCompile(`(?i)\b(e-?mail|contact)\s*:?\s*(mailto:)?[a-z0-9._%+\-]+@`)
	phoneRegex       = regexp.MustCompile(`(?i)(tel(?:ephone)?|phone|ph)?\.?\s*:?\s*(\+?\(?\d[\d\s().\-]{6,}\d)`)
	phoneShapeRegex  = regexp.MustCompile(`^(\+|\()|\d{3}[\s\-]\d{3,4}[\s\-]\d{3,4}`)
	contactNameRegex = regexp.MustCompile(`(?:(?i)contact(?: person| name)?|program officer|programme officer|point of contact)\s*:\s*((?:[A-Z][a-zA-Z'\-]+\.?\s?){2,4})`)
)

// ParseContact pulls contact details out of raw provider text and tags each
// field with how it was found.
func ParseContact(raw string) *models.ContactInfo {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	info := &models.ContactInfo{}

	if m := emailRegex.FindStringSubmatch(raw); m != nil {
		conf := models.ConfidenceMedium
		if m[1] != "" || emailLabelRegex.MatchString(raw) {
			conf = models.ConfidenceHigh
		}
		info.Email = &models.ContactField{Value: strings.ToLower(m[2]), Confidence: conf}
	}

	for _, m := range phoneRegex.FindAllStringSubmatch(raw, -1) {
		digits := countDigits(m[2])
		if digits < 8 || digits > 15 {
			continue
		}
		conf := models.ConfidenceMedium
		if m[1] == "" {
			if !phoneShapeRegex.MatchString(strings.TrimSpace(m[2])) {
				continue
			}
			conf = models.ConfidenceLow
		}
		info.Phone = &models.ContactField{Value: normalizeSpace(m[2]), Confidence: conf}
		break
	}

	if m := contactNameRegex.FindStringSubmatch(raw); m != nil {
		name := strings.TrimSpace(m[1])
		conf := models.ConfidenceLow
		if strings.Contains(strings.ToLower(m[0]), "name") || strings.Contains(strings.ToLower(m[0]), "officer") {
			conf = models.ConfidenceMedium
		}
		info.Name = &models.ContactField{Value: name, Confidence: conf}
	}

	if info.IsEmpty() {
		return nil
	}
	return info
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
