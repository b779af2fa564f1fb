package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/david/grant-discovery/internal/models"
)

// ErrNoJSON means the model answered without any JSON object.
var ErrNoJSON = errors.New("ai: response contains no JSON object")

// Evaluate runs prompt on the tier's model and returns the first JSON object
// of the answer. JSON mode is tried first; models that ignore it get a
// second, plain-text attempt.
func (c *OllamaClient) Evaluate(ctx context.Context, tier models.ModelTier, prompt string) (string, error) {
	model := c.ModelFor(tier)

	resp, err := c.GenerateCompletion(ctx, model, prompt, true)
	if err == nil {
		if obj, ok := CleanJSON(resp); ok {
			return obj, nil
		}
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	resp, err = c.GenerateCompletion(ctx, model, prompt, false)
	if err != nil {
		return "", err
	}
	obj, ok := CleanJSON(resp)
	if !ok {
		return "", fmt.Errorf("%w (model %s)", ErrNoJSON, model)
	}
	return obj, nil
}

// CleanJSON strips markdown fences and returns the first balanced object.
func CleanJSON(resp string) (string, bool) {
	cleaned := strings.TrimSpace(resp)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return extractFirstJSONObject(cleaned)
}

// extractFirstJSONObject finds the first outermost balanced {...}
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}

		if char == '\\' {
			escaped = true
			continue
		}

		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if char == '{' {
				depth++
			} else if char == '}' {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}

	return "", false
}
