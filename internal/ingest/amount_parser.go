package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

var amountRegex = regexp.MustCompile(`(?i)([$€£])?\s*(\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d+)?)(?:\s*(million|mil|thousand|m|k)\b)?(?:\s*(usd|eur|gbp|dollars|euros|pounds)\b)?`)

var (
	upToHints    = []string{"up to", "maximum", "max.", "ceiling", "hasta", "no more than"}
	atLeastHints = []string{"minimum", "at least", "floor", "from", "starting at", "desde"}
)

// ParseAmount reads a dedicated amount field ("$5,000 - $25,000",
// "up to 1.000.000 EUR", "2.5 million"). A single unqualified figure is
// treated as the maximum.
func ParseAmount(text string) (min, max *float64, currency string) {
	return parseAmount(text, false)
}

// ExtractAmount scans free text and only trusts figures that carry a
// currency marker, so years and phone numbers are not mistaken for awards.
func ExtractAmount(text string) (min, max *float64, currency string) {
	return parseAmount(text, true)
}

func parseAmount(text string, requireCurrency bool) (*float64, *float64, string) {
	var values []float64
	currency := ""
	for _, m := range amountRegex.FindAllStringSubmatch(text, -1) {
		symbol, number, mult, code := m[1], m[2], strings.ToLower(m[3]), strings.ToLower(m[4])
		marked := symbol != "" || code != ""
		if requireCurrency && !marked {
			continue
		}
		v, ok := parseNumber(number)
		if !ok || v <= 0 {
			continue
		}
		switch mult {
		case "million", "mil", "m":
			v *= 1_000_000
		case "thousand", "k":
			v *= 1_000
		}
		if !marked && mult == "" && v >= 1900 && v <= 2100 && !strings.ContainsAny(number, ".,") {
			continue
		}
		if currency == "" {
			currency = currencyFor(symbol, code)
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		return nil, nil, ""
	}
	if currency == "" {
		currency = currencyFor("", strings.ToLower(text))
	}

	if len(values) == 1 {
		v := values[0]
		lower := strings.ToLower(text)
		for _, h := range atLeastHints {
			if strings.Contains(lower, h) && !containsAny(lower, upToHints) {
				return &v, nil, currency
			}
		}
		return nil, &v, currency
	}

	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return &lo, &hi, currency
}

// parseNumber understands both 1,000,000.50 and 1.000.000,50 grouping.
func parseNumber(s string) (float64, bool) {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func currencyFor(symbol, text string) string {
	switch {
	case symbol == "€", strings.Contains(text, "eur"):
		return "EUR"
	case symbol == "£", strings.Contains(text, "gbp"), strings.Contains(text, "pound"):
		return "GBP"
	case symbol == "$", strings.Contains(text, "usd"), strings.Contains(text, "dollar"):
		return "USD"
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
