package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

const defaultArxivURL = "http://export.arxiv.org/api/query"

// Arxiv fetches academic papers from the arXiv Atom API.
type Arxiv struct {
	client     *http.Client
	baseURL    string
	maxResults int
	logger     *zap.Logger
}

// ArxivOption configures an Arxiv fetcher.
type ArxivOption func(*Arxiv)

// WithArxivURL overrides the API endpoint (used by tests).
func WithArxivURL(url string) ArxivOption {
	return func(a *Arxiv) { a.baseURL = url }
}

// NewArxiv creates an arXiv fetcher.
func NewArxiv(timeout time.Duration, maxResults int, logger *zap.Logger, opts ...ArxivOption) *Arxiv {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	a := &Arxiv{
		client:     &http.Client{Timeout: timeout},
		baseURL:    defaultArxivURL,
		maxResults: maxResults,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Arxiv) SourceType() models.SourceType { return models.SourceAcademic }

type arxivFeed struct {
	Entries []struct {
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		Published string `xml:"published"`
		ID        string `xml:"id"`
		Authors   []struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

// Fetch executes the search and normalizes the Atom feed.
func (a *Arxiv) Fetch(ctx context.Context, query string) ([]models.SearchResult, error) {
	params := url.Values{}
	params.Set("search_query", "all:"+query)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprintf("%d", a.maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned %d", resp.StatusCode)
	}

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	results := make([]models.SearchResult, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		authors := make([]string, 0, len(e.Authors))
		for _, au := range e.Authors {
			authors = append(authors, au.Name)
		}
		results = append(results, models.SearchResult{
			Title:   strings.TrimSpace(e.Title),
			URL:     strings.TrimSpace(e.ID),
			Content: strings.TrimSpace(e.Summary),
			Date:    e.Published,
			Metadata: map[string]interface{}{
				"authors": authors,
			},
		})
	}

	a.logger.Debug("arXiv search completed",
		zap.String("query", query),
		zap.Int("results", len(results)),
	)
	return results, nil
}
