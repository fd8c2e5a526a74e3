package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

const defaultWikipediaURL = "https://en.wikipedia.org/w/api.php"

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// Wikipedia fetches encyclopedia results from the MediaWiki search API.
type Wikipedia struct {
	client     *http.Client
	baseURL    string
	maxResults int
	logger     *zap.Logger
}

// WikipediaOption configures a Wikipedia fetcher.
type WikipediaOption func(*Wikipedia)

// WithWikipediaURL overrides the API endpoint (used by tests).
func WithWikipediaURL(url string) WikipediaOption {
	return func(w *Wikipedia) { w.baseURL = url }
}

// NewWikipedia creates a wikipedia fetcher.
func NewWikipedia(timeout time.Duration, maxResults int, logger *zap.Logger, opts ...WikipediaOption) *Wikipedia {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	w := &Wikipedia{
		client:     &http.Client{Timeout: timeout},
		baseURL:    defaultWikipediaURL,
		maxResults: maxResults,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wikipedia) SourceType() models.SourceType { return models.SourceEncyclopedia }

type wikipediaResponse struct {
	Query struct {
		Search []struct {
			Title     string `json:"title"`
			Snippet   string `json:"snippet"`
			PageID    int    `json:"pageid"`
			Timestamp string `json:"timestamp"`
		} `json:"search"`
	} `json:"query"`
}

// Fetch executes the search and normalizes the response.
func (w *Wikipedia) Fetch(ctx context.Context, query string) ([]models.SearchResult, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", query)
	params.Set("srlimit", fmt.Sprintf("%d", w.maxResults))
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wikipedia request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wikipedia returned %d", resp.StatusCode)
	}

	var parsed wikipediaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(parsed.Query.Search))
	for _, r := range parsed.Query.Search {
		results = append(results, models.SearchResult{
			Title:   r.Title,
			URL:     "https://en.wikipedia.org/wiki/" + url.PathEscape(strings.ReplaceAll(r.Title, " ", "_")),
			Content: htmlTagRe.ReplaceAllString(r.Snippet, ""),
			Date:    r.Timestamp,
			Metadata: map[string]interface{}{
				"page_id": r.PageID,
			},
		})
	}

	w.logger.Debug("Wikipedia search completed",
		zap.String("query", query),
		zap.Int("results", len(results)),
	)
	return results, nil
}
