package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
)

// Outlink is a single link extracted from a fetched page.
type Outlink struct {
	TargetURL  string
	AnchorText string
	Placement  string
}

// Page is the result of fetching and parsing one URL.
type Page struct {
	StatusCode int
	Title      string
	Outlinks   []Outlink
	Issues     []crawl.IssueRecord
}

// Fetcher retrieves and parses one URL. Implementations own their own HTTP
// client, politeness, and parse rules; the engine only sequences calls.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, depth int) (Page, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, rawURL string, depth int) (Page, error)

func (f FetcherFunc) Fetch(ctx context.Context, rawURL string, depth int) (Page, error) {
	return f(ctx, rawURL, depth)
}

// NoopFetcher returns an empty 200 page for every URL. It keeps the loop
// machinery usable when no real fetcher is wired in.
type NoopFetcher struct{}

func (NoopFetcher) Fetch(_ context.Context, _ string, _ int) (Page, error) {
	return Page{StatusCode: 200}, nil
}

func marshalCursor(c cursor) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal cursor: %w", err)
	}
	return data, nil
}

func unmarshalCursor(data []byte) (cursor, error) {
	var c cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return cursor{}, fmt.Errorf("unmarshal cursor: %w", err)
	}
	return c, nil
}
