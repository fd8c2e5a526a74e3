package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/deepresearch/internal/models"
)

const (
	scraperUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	scraperMaxBody    = 2 << 20 // 2 MiB cap on fetched pages
	scraperMaxContent = 8000    // characters of extracted text per page
)

var (
	titleRe      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	whitespaceRe = regexp.MustCompile(`\s{2,}`)
)

// WebScraper fetches a single page directly when the planner targets a
// specific URL rather than a search query. The extracted text is the page
// body with markup, scripts and styles stripped.
type WebScraper struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebScraper creates a page scraper.
func NewWebScraper(timeout time.Duration, logger *zap.Logger) *WebScraper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebScraper{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (s *WebScraper) SourceType() models.SourceType { return models.SourceWeb }

// Fetch treats the query as a URL and returns the page as one result. A
// query that is not an absolute http(s) URL is an error; the pair is dropped
// by the fan-out executor like any other failed fetch.
func (s *WebScraper) Fetch(ctx context.Context, query string) ([]models.SearchResult, error) {
	target, err := url.Parse(strings.TrimSpace(query))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("scrape target %q is not an absolute http(s) url", query)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", scraperUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape returned %d for %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, scraperMaxBody))
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	page := string(body)

	title := ""
	if m := titleRe.FindStringSubmatch(page); m != nil {
		title = strings.TrimSpace(htmlTagRe.ReplaceAllString(m[1], ""))
	}

	content := scriptRe.ReplaceAllString(page, " ")
	content = htmlTagRe.ReplaceAllString(content, " ")
	content = strings.TrimSpace(whitespaceRe.ReplaceAllString(content, " "))
	if len(content) > scraperMaxContent {
		content = content[:scraperMaxContent]
	}

	s.logger.Debug("Page scraped",
		zap.String("url", target.String()),
		zap.Int("content_length", len(content)),
	)

	return []models.SearchResult{{
		Title:   title,
		URL:     target.String(),
		Content: content,
		Metadata: map[string]interface{}{
			"content_type": resp.Header.Get("Content-Type"),
		},
	}}, nil
}
