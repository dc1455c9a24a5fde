package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-shiori/go-readability"
	mcpgate "github.com/useit/mcpgate"
)

const (
	defaultEndpoint = "https://api.search.brave.com/res/v1/web/search"
	userAgent       = "Mozilla/5.0 (compatible; mcpgate/1.0)"

	// extractLimit caps the readable text taken from each fetched page.
	extractLimit = 2000
)

// Tool searches the web via the Brave Search API and enriches the top
// results with readable page content.
type Tool struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	count      int // results requested from Brave
	fetchTop   int // results whose pages are fetched and extracted
}

// Option configures the web search tool.
type Option func(*Tool)

// WithHTTPClient overrides the HTTP client used for both the search API
// and page fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.httpClient = c }
}

// New creates a web search tool using the given Brave API key.
func New(apiKey string, opts ...Option) *Tool {
	t := &Tool{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		count:      8,
		fetchTop:   3,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type braveResult struct {
	Title   string
	URL     string
	Snippet string
}

type resultWithContent struct {
	Result  braveResult
	Content string // extracted page text, may be empty
}

func (t *Tool) Definitions() []mcpgate.ToolDefinition {
	return []mcpgate.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web for current/real-time information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (mcpgate.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcpgate.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Query == "" {
		return mcpgate.ToolResult{Error: "query is required"}, nil
	}

	content, err := t.Search(ctx, params.Query)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	return mcpgate.ToolResult{Content: content}, nil
}

// Search runs a query and returns a sourced answer context assembled from
// the result snippets and the extracted text of the top pages.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	results, err := t.braveSearch(ctx, query, t.count)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	enriched := t.fetchAndExtract(ctx, results)
	return formatResults(enriched), nil
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]braveResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", t.endpoint, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse error: %w", err)
	}

	var results []braveResult
	for _, r := range data.Web.Results {
		results = append(results, braveResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return results, nil
}

// fetchAndExtract fetches the first fetchTop result pages concurrently.
// Results beyond that keep their snippet only.
func (t *Tool) fetchAndExtract(ctx context.Context, results []braveResult) []resultWithContent {
	out := make([]resultWithContent, len(results))
	for i := range results {
		out[i] = resultWithContent{Result: results[i]}
	}

	n := t.fetchTop
	if n > len(results) {
		n = len(results)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int, pageURL string) {
			defer wg.Done()
			out[idx].Content = t.extractPage(ctx, pageURL)
		}(i, results[i].URL)
	}
	wg.Wait()

	return out
}

// extractPage downloads a page and pulls out its readable text. Any
// failure yields an empty string; the snippet still represents the result.
func (t *Tool) extractPage(ctx context.Context, pageURL string) string {
	fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, "GET", pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10)) // 512KB
	if err != nil {
		return ""
	}

	parsed, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil || article.TextContent == "" {
		return ""
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > extractLimit {
		text = text[:extractLimit] + "..."
	}
	return text
}

func formatResults(results []resultWithContent) string {
	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "[%d] %s\n", i+1, r.Result.Title)
		if r.Result.Snippet != "" {
			out.WriteString(r.Result.Snippet + "\n")
		}
		if r.Content != "" {
			out.WriteString(r.Content + "\n")
		}
		out.WriteString("\n")
	}

	out.WriteString("Sources:\n")
	for _, r := range results {
		fmt.Fprintf(&out, "- %s (%s)\n", r.Result.Title, r.Result.URL)
	}
	return out.String()
}
