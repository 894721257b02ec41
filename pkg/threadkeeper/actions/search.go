// Package actions runs the side-effecting work that sits behind approval:
// web searches and image generation.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// WebSearchConfig configures the search provider.
type WebSearchConfig struct {
	// Provider is "brave" or "duckduckgo". Brave without a key falls back
	// to DuckDuckGo.
	Provider    string `yaml:"provider"`
	BraveAPIKey string `yaml:"brave_api_key"`
	MaxResults  int    `yaml:"max_results"`

	// BraveURL and DuckDuckGoURL override the endpoints.
	BraveURL      string `yaml:"brave_url"`
	DuckDuckGoURL string `yaml:"duckduckgo_url"`
}

// Effective fills zero values with defaults.
func (c WebSearchConfig) Effective() WebSearchConfig {
	if c.Provider == "" {
		c.Provider = "duckduckgo"
	}
	if c.Provider == "brave" && c.BraveAPIKey == "" {
		c.Provider = "duckduckgo"
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 5
	}
	if c.BraveURL == "" {
		c.BraveURL = "https://api.search.brave.com/res/v1/web/search"
	}
	if c.DuckDuckGoURL == "" {
		c.DuckDuckGoURL = "https://html.duckduckgo.com/html/"
	}
	return c
}

// SearchResult is one hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher queries a web search provider.
type Searcher struct {
	cfg    WebSearchConfig
	client *http.Client
	logger *slog.Logger
}

// NewSearcher creates a Searcher.
func NewSearcher(cfg WebSearchConfig, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		cfg:    cfg.Effective(),
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "web_search"),
	}
}

// Search runs query and returns results formatted for a model.
func (s *Searcher) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	var (
		results []SearchResult
		err     error
	)
	if s.cfg.Provider == "brave" {
		results, err = s.searchBrave(ctx, query)
	} else {
		results, err = s.searchDDG(ctx, query)
	}
	if err != nil {
		return "", err
	}
	s.logger.Debug("search done", "provider", s.cfg.Provider, "results", len(results))
	return FormatResults(query, results, s.cfg.MaxResults), nil
}

// FormatResults renders results as a numbered list.
func FormatResults(query string, results []SearchResult, maxResults int) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s\n\n", query)
	for i, r := range results {
		if i >= maxResults {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (s *Searcher) searchBrave(ctx context.Context, query string) ([]SearchResult, error) {
	searchURL := fmt.Sprintf("%s?q=%s&count=%d", s.cfg.BraveURL, url.QueryEscape(query), s.cfg.MaxResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.cfg.BraveAPIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave search returned %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 200*1024)).Decode(&result); err != nil {
		return nil, fmt.Errorf("parsing brave results: %w", err)
	}

	out := make([]SearchResult, 0, len(result.Web.Results))
	for _, r := range result.Web.Results {
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	return out, nil
}

func (s *Searcher) searchDDG(ctx context.Context, query string) ([]SearchResult, error) {
	searchURL := fmt.Sprintf("%s?q=%s", s.cfg.DuckDuckGoURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "threadkeeper/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}
	return parseDDG(io.LimitReader(resp.Body, 512*1024))
}

// parseDDG extracts results from DuckDuckGo's HTML endpoint.
func parseDDG(r io.Reader) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing duckduckgo html: %w", err)
	}

	var results []SearchResult
	doc.Find(".result").Each(func(_ int, sel *goquery.Selection) {
		link := sel.Find("a.result__a").First()
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return
		}
		href, _ := link.Attr("href")
		results = append(results, SearchResult{
			Title:   title,
			URL:     unwrapDDGURL(href),
			Snippet: strings.TrimSpace(sel.Find(".result__snippet").First().Text()),
		})
	})
	return results, nil
}

// unwrapDDGURL extracts the target from DuckDuckGo's redirect links.
func unwrapDDGURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

func stripTags(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}
