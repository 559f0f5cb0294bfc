// Package fetch retrieves the tracker RSS feed and converts its items to
// raw entries for translation.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/abelbrown/harvest/internal/model"
)

// UserAgent is sent when no other is configured.
const UserAgent = "harvest/1.0"

// Fetcher retrieves entries from one feed URL.
type Fetcher struct {
	url       string
	userAgent string
	client    *http.Client
}

// NewFetcher creates a Fetcher with the given HTTP client timeout.
func NewFetcher(url string, timeout time.Duration, userAgent string) *Fetcher {
	if userAgent == "" {
		userAgent = UserAgent
	}
	return &Fetcher{
		url:       url,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// Fetch returns the feed's entries in feed order.
// Transport and parse failures return an empty slice and the error; callers
// treat that as nothing to do this cycle.
func (f *Fetcher) Fetch(ctx context.Context) ([]model.RawEntry, error) {
	if ctx.Err() != nil {
		return []model.RawEntry{}, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return []model.RawEntry{}, fmt.Errorf("create feed request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return []model.RawEntry{}, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return []model.RawEntry{}, fmt.Errorf("fetch feed: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return []model.RawEntry{}, fmt.Errorf("parse feed: %w", err)
	}

	entries := make([]model.RawEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entries = append(entries, convertFeedItem(item))
	}
	return entries, nil
}

// convertFeedItem maps a gofeed item to a RawEntry. The description falls
// back to content, the link to the first enclosure.
func convertFeedItem(item *gofeed.Item) model.RawEntry {
	description := item.Description
	if description == "" {
		description = item.Content
	}

	link := item.Link
	if link == "" {
		for _, enc := range item.Enclosures {
			if enc != nil && enc.URL != "" {
				link = enc.URL
				break
			}
		}
	}

	return model.RawEntry{
		Title:       item.Title,
		Link:        link,
		Description: description,
	}
}
