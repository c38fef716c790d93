// Package search talks to DuckDuckGo's HTML endpoint and fetches pages as text.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	internal "github.com/ZanzyTHEbar/agent-host/agenthost"
	"github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/agent-host/agenthost/generation/harness/ports"
	"github.com/go-shiori/go-readability"
	"github.com/rs/zerolog"
)

const (
	DefaultK               = 5
	DefaultSearchRPM       = 30
	DefaultFetchRPM        = 20
	DefaultMaxContentChars = 8000

	maxBodyBytes   = 1 << 20
	truncateMarker = "... [content truncated]"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// ErrInvalidURL is returned by Fetch for anything but absolute http(s) URLs.
var ErrInvalidURL = errors.New("search: url must be absolute http or https")

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	SearchRPM       int
	FetchRPM        int
	MaxContentChars int
	HTTPClient      *http.Client
	Cache           ports.Cache
	CacheTTLSeconds int
}

// Client performs rate limited web searches and page fetches.
type Client struct {
	baseURL         string
	http            *http.Client
	searchLimiter   *adapters.TokenBucket
	fetchLimiter    *adapters.TokenBucket
	cache           ports.Cache
	cacheTTL        int
	maxContentChars int
	logger          zerolog.Logger
}

// NewClient creates a client from opts.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = internal.DefaultSearchURL
	}
	if opts.SearchRPM <= 0 {
		opts.SearchRPM = DefaultSearchRPM
	}
	if opts.FetchRPM <= 0 {
		opts.FetchRPM = DefaultFetchRPM
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = DefaultMaxContentChars
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:         opts.BaseURL,
		http:            opts.HTTPClient,
		searchLimiter:   adapters.NewPerMinute(opts.SearchRPM),
		fetchLimiter:    adapters.NewPerMinute(opts.FetchRPM),
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTLSeconds,
		maxContentChars: opts.MaxContentChars,
		logger:          logger.With().Str("component", "search").Logger(),
	}
}

// Search returns up to k results for query. k <= 0 means DefaultK.
func (c *Client) Search(ctx context.Context, query string, k int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	if k <= 0 {
		k = DefaultK
	}

	key := "search:" + strconv.Itoa(k) + ":" + query
	if cached, ok := c.cacheGet(ctx, key); ok {
		var results []Result
		if err := json.Unmarshal(cached, &results); err == nil {
			return results, nil
		}
	}

	if err := c.searchLimiter.Wait(ctx, "search"); err != nil {
		return nil, err
	}

	form := url.Values{"q": {query}, "b": {""}, "kl": {""}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug().Str("query", query).Int("k", k).Msg("Searching DuckDuckGo")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search: HTTP %d", resp.StatusCode)
	}

	results, err := parseResults(io.LimitReader(resp.Body, maxBodyBytes), k)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")

	if len(results) > 0 {
		if data, err := json.Marshal(results); err == nil {
			c.cacheSet(ctx, key, data)
		}
	}
	return results, nil
}

// Fetch downloads rawURL and returns its readable text, truncated to the
// configured character budget.
func (c *Client) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	key := "fetch:" + u.String()
	if cached, ok := c.cacheGet(ctx, key); ok {
		return string(cached), nil
	}

	if err := c.fetchLimiter.Wait(ctx, "fetch"); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch: HTTP %d from %s", resp.StatusCode, u.String())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("fetch: read body: %w", err)
	}

	text := c.extract(body, u)
	text = truncate(text, c.maxContentChars)
	c.cacheSet(ctx, key, []byte(text))
	return text, nil
}

func (c *Client) extract(body []byte, u *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err == nil {
		if text := collapse(article.TextContent); text != "" {
			return text
		}
	}
	text, err := visibleText(bytes.NewReader(body))
	if err != nil {
		c.logger.Debug().Err(err).Str("url", u.String()).Msg("Falling back to raw body")
		return collapse(string(body))
	}
	return text
}

// truncate cuts s to limit characters, marking the cut.
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + truncateMarker
}

func (c *Client) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(ctx, key)
}

func (c *Client) cacheSet(ctx context.Context, key string, value []byte) {
	if c.cache == nil || c.cacheTTL <= 0 {
		return
	}
	if err := c.cache.Set(ctx, key, value, c.cacheTTL); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("Cache write failed")
	}
}
