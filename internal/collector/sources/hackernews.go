package sources

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/signalforge/prospector/infrastructure/httpclient"
	"github.com/signalforge/prospector/internal/canonicalkey"
	"github.com/signalforge/prospector/internal/collector"
	"github.com/signalforge/prospector/internal/model"
)

const hackerNewsDefaultBaseURL = "https://hn.algolia.com/api/v1"

// HackerNews watches the Algolia-backed HN search API for "Show HN" stories
// within the lookback window.
type HackerNews struct {
	client  *httpclient.Client
	baseURL string
}

// NewHackerNews builds the hackernews collector.
func NewHackerNews(client *httpclient.Client, baseURL string) *HackerNews {
	if baseURL == "" {
		baseURL = hackerNewsDefaultBaseURL
	}
	return &HackerNews{client: client, baseURL: baseURL}
}

func (h *HackerNews) Name() string         { return "hackernews" }
func (h *HackerNews) SkipDuplicates() bool { return false }

func (h *HackerNews) Open(ctx context.Context) error  { return nil }
func (h *HackerNews) Close(ctx context.Context) error { return nil }

func (h *HackerNews) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	start := now.Add(-lookback)

	q := url.Values{}
	q.Set("query", "Show HN")
	q.Set("tags", "story")
	q.Set("numericFilters", fmt.Sprintf("created_at_i>%d,points>10", start.Unix()))

	body, status, err := h.client.Get(ctx, h.Name(), "search_by_date", h.baseURL+"/search_by_date?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("hackernews: search_by_date: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("hackernews: search_by_date returned status %d", status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, hit := range gjson.GetBytes(body, "hits").Array() {
		createdAt := time.Unix(hit.Get("created_at_i").Int(), 0).UTC()
		if !withinLookback(createdAt, now, lookback) {
			continue
		}

		title := hit.Get("title").String()
		storyURL := hit.Get("url").String()

		key := keyFor(canonicalkey.Evidence{Website: storyURL, CompanyName: title})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalHNMention,
			CanonicalKey: key,
			CompanyName:  title,
			Confidence:   0.35,
			RawData: model.RawData{
				"points":      hit.Get("points").Num,
				"num_comments": hit.Get("num_comments").Num,
				"object_id":   hit.Get("objectID").String(),
			},
			DetectedAt:         createdAt,
			SourceURL:          storyURL,
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
