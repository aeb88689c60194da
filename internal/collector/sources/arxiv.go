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

const arxivDefaultBaseURL = "https://export.arxiv.org/api"

// Arxiv watches arXiv listings for papers whose author affiliation string
// names a company rather than a university, a weak but real signal of
// applied commercial R&D.
type Arxiv struct {
	client     *httpclient.Client
	baseURL    string
	categories []string
}

// NewArxiv builds the arxiv collector.
func NewArxiv(client *httpclient.Client, baseURL string, categories []string) *Arxiv {
	if baseURL == "" {
		baseURL = arxivDefaultBaseURL
	}
	if len(categories) == 0 {
		categories = []string{"cs.AI", "cs.LG"}
	}
	return &Arxiv{client: client, baseURL: baseURL, categories: categories}
}

func (a *Arxiv) Name() string         { return "arxiv" }
func (a *Arxiv) SkipDuplicates() bool { return false }

func (a *Arxiv) Open(ctx context.Context) error  { return nil }
func (a *Arxiv) Close(ctx context.Context) error { return nil }

func (a *Arxiv) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	var out []collector.Candidate
	for _, cat := range a.categories {
		candidates, err := a.fetchCategory(ctx, cat, now, lookback)
		if err != nil {
			return nil, err
		}
		out = append(out, candidates...)
	}
	return out, nil
}

func (a *Arxiv) fetchCategory(ctx context.Context, category string, now time.Time, lookback time.Duration) ([]collector.Candidate, error) {
	q := url.Values{}
	q.Set("search_query", "cat:"+category)
	q.Set("sortBy", "submittedDate")
	q.Set("sortOrder", "descending")
	q.Set("format", "json")

	body, status, err := a.client.Get(ctx, a.Name(), "query", a.baseURL+"/query?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("arxiv: query(%s): %w", category, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("arxiv: query(%s) returned status %d", category, status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, entry := range gjson.GetBytes(body, "entries").Array() {
		affiliation := entry.Get("affiliation").String()
		if affiliation == "" {
			continue
		}
		submittedAt, perr := time.Parse(time.RFC3339, entry.Get("published").String())
		if perr != nil {
			continue
		}
		if !withinLookback(submittedAt, now, lookback) {
			continue
		}

		key := keyFor(canonicalkey.Evidence{CompanyName: affiliation})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalResearchPaper,
			CanonicalKey: key,
			CompanyName:  affiliation,
			Confidence:   0.30,
			RawData: model.RawData{
				"title":    entry.Get("title").String(),
				"category": category,
				"arxiv_id": entry.Get("id").String(),
			},
			DetectedAt:         submittedAt,
			SourceURL:          entry.Get("id").String(),
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
