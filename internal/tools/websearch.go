package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

const defaultWebSearchURL = "https://api.tavily.com/search"

// WebSearch fetches general web results from a Tavily-compatible search API.
type WebSearch struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	maxResults int
	logger     *zap.Logger
}

// WebSearchOption configures a WebSearch fetcher.
type WebSearchOption func(*WebSearch)

// WithWebSearchURL overrides the API endpoint (used by tests).
func WithWebSearchURL(url string) WebSearchOption {
	return func(w *WebSearch) { w.baseURL = url }
}

// NewWebSearch creates a web search fetcher.
func NewWebSearch(apiKey string, timeout time.Duration, maxResults int, logger *zap.Logger, opts ...WebSearchOption) *WebSearch {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	w := &WebSearch{
		client:     &http.Client{Timeout: timeout},
		baseURL:    defaultWebSearchURL,
		apiKey:     apiKey,
		maxResults: maxResults,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSearch) SourceType() models.SourceType { return models.SourceWeb }

type webSearchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type webSearchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Fetch executes the search and normalizes the response.
func (w *WebSearch) Fetch(ctx context.Context, query string) ([]models.SearchResult, error) {
	body, err := json.Marshal(webSearchRequest{
		APIKey:     w.apiKey,
		Query:      query,
		MaxResults: w.maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("web search returned %d: %s", resp.StatusCode, string(b))
	}

	var parsed webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		score := r.Score
		results = append(results, models.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Score:   &score,
		})
	}

	w.logger.Debug("Web search completed",
		zap.String("query", query),
		zap.Int("results", len(results)),
	)
	return results, nil
}
