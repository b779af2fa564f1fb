package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/david/grant-discovery/internal/models"
)

// OllamaClient talks to an Ollama server hosting one model per tier.
type OllamaClient struct {
	BaseURL        string
	CheapModel     string
	ExpensiveModel string
	HTTPClient     *http.Client
}

func NewOllamaClient(baseURL, cheapModel, expensiveModel string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if cheapModel == "" {
		cheapModel = "llama3.2:latest"
	}
	if expensiveModel == "" {
		expensiveModel = "qwen2.5:14b"
	}
	return &OllamaClient{
		BaseURL:        baseURL,
		CheapModel:     cheapModel,
		ExpensiveModel: expensiveModel,
		HTTPClient:     &http.Client{Timeout: 2 * time.Minute},
	}
}

// ModelFor maps a tier onto the configured model name.
func (c *OllamaClient) ModelFor(tier models.ModelTier) string {
	if tier == models.TierCheap {
		return c.CheapModel
	}
	return c.ExpensiveModel
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *OllamaClient) GenerateCompletion(ctx context.Context, model, prompt string, jsonMode bool) (string, error) {
	reqBody := generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]any{"temperature": 0.2},
	}
	if jsonMode {
		reqBody.Format = "json"
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsedResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsedResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return parsedResp.Response, nil
}

// Ping checks that the server answers and lists its models.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status: %d", resp.StatusCode)
	}
	return nil
}
