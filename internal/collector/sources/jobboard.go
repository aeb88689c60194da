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

const jobBoardDefaultBaseURL = "https://api.greenhouse.io/v1/board"

// JobBoard watches a generic job board aggregator for early, unusual hires
// (e.g. "founding engineer") which indicate a company is scaling beyond its
// founding team. Search terms are configurable.
type JobBoard struct {
	client  *httpclient.Client
	baseURL string
	queries []string
}

// NewJobBoard builds the jobboard collector.
func NewJobBoard(client *httpclient.Client, baseURL string, queries []string) *JobBoard {
	if baseURL == "" {
		baseURL = jobBoardDefaultBaseURL
	}
	return &JobBoard{client: client, baseURL: baseURL, queries: queries}
}

func (j *JobBoard) Name() string         { return "jobboard" }
func (j *JobBoard) SkipDuplicates() bool { return false }

func (j *JobBoard) Open(ctx context.Context) error  { return nil }
func (j *JobBoard) Close(ctx context.Context) error { return nil }

func (j *JobBoard) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	var out []collector.Candidate
	for _, query := range j.queries {
		candidates, err := j.fetchQuery(ctx, query, now, lookback)
		if err != nil {
			return nil, err
		}
		out = append(out, candidates...)
	}
	return out, nil
}

func (j *JobBoard) fetchQuery(ctx context.Context, query string, now time.Time, lookback time.Duration) ([]collector.Candidate, error) {
	q := url.Values{}
	q.Set("q", query)

	body, status, err := j.client.Get(ctx, j.Name(), "search", j.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("jobboard: search(%q): %w", query, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("jobboard: search(%q) returned status %d", query, status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, posting := range gjson.GetBytes(body, "jobs").Array() {
		postedAt, perr := time.Parse(time.RFC3339, posting.Get("updated_at").String())
		if perr != nil {
			continue
		}
		if !withinLookback(postedAt, now, lookback) {
			continue
		}

		company := posting.Get("company_name").String()
		website := posting.Get("company_website").String()

		key := keyFor(canonicalkey.Evidence{Website: website, CompanyName: company})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalJobPosting,
			CanonicalKey: key,
			CompanyName:  company,
			Confidence:   0.30,
			RawData: model.RawData{
				"title":        posting.Get("title").String(),
				"matched_query": query,
			},
			DetectedAt:         postedAt,
			SourceURL:          posting.Get("absolute_url").String(),
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
