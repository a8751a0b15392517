// Package fetch retrieves candidate headlines from a Google-News-style RSS
// endpoint: per-topic search queries plus a global top-headlines feed used
// for trending detection. Fetch failures never cross this boundary; callers
// get an empty slice and a warning in the log.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"newsdigest/internal/retry"
)

// Article is one fetched headline.
type Article struct {
	Title     string
	Link      string
	Published time.Time
}

// Client fetches and parses feeds. Each call is an independent HTTP request;
// the client holds no per-topic state.
type Client struct {
	parser  *gofeed.Parser
	baseURL string
	retry   retry.Config
}

// NewClient builds a fetcher against the given RSS base URL. Some feed hosts
// reject default Go user agents, so a browser-like one is set.
func NewClient(baseURL string, timeout time.Duration, retryCfg retry.Config) *Client {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	parser.UserAgent = "Mozilla/5.0"

	return &Client{
		parser:  parser,
		baseURL: strings.TrimRight(baseURL, "/"),
		retry:   retryCfg,
	}
}

// Topic fetches up to maxArticles recent headlines for a topic search.
// Items older than maxAge or with unparsable publication dates are dropped.
// On failure it logs a warning and returns an empty slice; the caller
// proceeds with zero articles for that topic.
func (c *Client) Topic(ctx context.Context, topic string, maxArticles int, maxAge time.Duration) []Article {
	feedURL := fmt.Sprintf("%s/search?q=%s", c.baseURL, url.QueryEscape(topic))
	articles, err := c.fetch(ctx, feedURL, maxArticles, maxAge)
	if err != nil {
		slog.Warn("failed to fetch articles for topic", "topic", topic, "error", err)
		return nil
	}
	slog.Debug("fetched articles for topic", "topic", topic, "count", len(articles))
	return articles
}

// TopHeadlines fetches the global top-headlines feed, used only to compute
// trending boosts. Same failure policy as Topic.
func (c *Client) TopHeadlines(ctx context.Context, maxArticles int, maxAge time.Duration) []Article {
	feedURL := c.baseURL + "?hl=en-US&gl=US&ceid=US:en"
	articles, err := c.fetch(ctx, feedURL, maxArticles, maxAge)
	if err != nil {
		slog.Warn("failed to fetch top headlines", "error", err)
		return nil
	}
	slog.Debug("fetched top headlines", "count", len(articles))
	return articles
}

func (c *Client) fetch(ctx context.Context, feedURL string, maxArticles int, maxAge time.Duration) ([]Article, error) {
	var feed *gofeed.Feed
	err := retry.WithRetry(ctx, c.retry, func() error {
		var parseErr error
		feed, parseErr = c.parser.ParseURLWithContext(feedURL, ctx)
		return parseErr
	})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-maxAge)
	articles := make([]Article, 0, maxArticles)
	for _, item := range feed.Items {
		if item.Title == "" || item.Link == "" {
			continue
		}
		published := publishedAt(item)
		if published == nil {
			slog.Debug("skipping item with unparsable date", "title", item.Title)
			continue
		}
		if published.Before(cutoff) {
			continue
		}
		articles = append(articles, Article{
			Title:     item.Title,
			Link:      item.Link,
			Published: *published,
		})
		if len(articles) >= maxArticles {
			break
		}
	}
	return articles, nil
}

// publishedAt returns the item publication time, falling back to parsing the
// raw pubDate string when gofeed could not.
func publishedAt(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, item.Published); err == nil {
			return &t
		}
	}
	return nil
}
