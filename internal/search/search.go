// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package search provides keyless web search through DuckDuckGo's HTML
// endpoint and plain-text extraction of result pages.
//
// Both operations are best-effort inputs to a chat turn. Callers log and
// drop their errors rather than failing the turn.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-gateway/internal/util"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// DefaultUserAgent is sent on every outbound request.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxBodyBytes caps how much of any response is read (5MB).
const maxBodyBytes = 5 * 1024 * 1024

// Config configures a Client.
type Config struct {
	// Endpoint is the DuckDuckGo HTML search URL
	Endpoint string

	SearchTimeout time.Duration
	FetchTimeout  time.Duration

	// RatePerSec limits outbound requests across all callers (0 = unlimited)
	RatePerSec float64

	// AllowPrivate disables the private-address guard on page fetches
	AllowPrivate bool

	UserAgent string
}

// DefaultConfig returns the default search configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:      "https://html.duckduckgo.com/html/",
		SearchTimeout: 10 * time.Second,
		FetchTimeout:  8 * time.Second,
		RatePerSec:    2,
		UserAgent:     DefaultUserAgent,
	}
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client performs searches and page fetches. Safe for concurrent use.
type Client struct {
	config       Config
	searchClient *http.Client
	fetchClient  *http.Client
	limiter      *rate.Limiter
}

// New creates a client. Zero-valued fields take their defaults.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.Endpoint == "" {
		config.Endpoint = def.Endpoint
	}
	if config.SearchTimeout == 0 {
		config.SearchTimeout = def.SearchTimeout
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = def.FetchTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}

	c := &Client{
		config:       config,
		searchClient: &http.Client{Timeout: config.SearchTimeout},
		limiter:      rate.NewLimiter(rate.Inf, 0),
	}
	if config.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RatePerSec), 1)
	}
	if config.AllowPrivate {
		c.fetchClient = &http.Client{Timeout: config.FetchTimeout}
	} else {
		c.fetchClient = guardedClient(config.FetchTimeout, 5)
	}
	return c
}

// Search returns up to limit results for query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.searchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned %s", resp.Status)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	results := parseResults(doc)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// FetchPage returns the visible text of a page, truncated to maxChars runes.
func (c *Client) FetchPage(ctx context.Context, rawURL string, maxChars int) (string, error) {
	u := rawURL
	if !c.config.AllowPrivate {
		parsed, err := validateURL(rawURL)
		if err != nil {
			return "", err
		}
		u = parsed.String()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)

	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch returned %s", resp.Status)
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBodyBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("failed to decode page: %w", err)
	}
	doc, err := html.Parse(body)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}

	text := norm.NFC.String(util.CollapseWhitespace(visibleText(doc)))
	if maxChars > 0 {
		text = util.TruncateRunes(text, maxChars)
	}
	return text, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
}

// =============================================================================
// HTML EXTRACTION
// =============================================================================

// parseResults walks a DuckDuckGo results page. Titles are a.result__a and
// snippets a.result__snippet; a snippet belongs to the title before it.
func parseResults(doc *html.Node) []Result {
	var results []Result

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			switch {
			case hasClass(n, "result__a"):
				href := resolveResultURL(attr(n, "href"))
				title := util.CollapseWhitespace(textContent(n))
				if href != "" && title != "" {
					results = append(results, Result{Title: title, URL: href})
				}
				return
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = util.CollapseWhitespace(textContent(n))
				}
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return results
}

// resolveResultURL unwraps DuckDuckGo's //duckduckgo.com/l/?uddg=<url>
// redirect links.
func resolveResultURL(href string) string {
	if strings.Contains(href, "uddg=") {
		if strings.HasPrefix(href, "//") {
			href = "https:" + href
		}
		parsed, err := url.Parse(href)
		if err != nil {
			return ""
		}
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return ""
}

// visibleText concatenates text nodes outside script, style and similar
// non-content elements, separating nodes with spaces.
func visibleText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return sb.String()
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
