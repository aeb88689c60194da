package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/signalforge/prospector/infrastructure/httpclient"
	"github.com/signalforge/prospector/internal/canonicalkey"
	"github.com/signalforge/prospector/internal/collector"
	"github.com/signalforge/prospector/internal/model"
)

const usptoDefaultBaseURL = "https://search.patentsview.org/api/v1"

// USPTO polls the PatentsView API for newly published patent applications,
// a leading indicator of deep-tech R&D investment.
type USPTO struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
}

// NewUSPTO builds the uspto collector.
func NewUSPTO(client *httpclient.Client, baseURL, apiKey string) *USPTO {
	if baseURL == "" {
		baseURL = usptoDefaultBaseURL
	}
	return &USPTO{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (u *USPTO) Name() string         { return "uspto" }
func (u *USPTO) SkipDuplicates() bool { return true }

func (u *USPTO) Open(ctx context.Context) error  { return nil }
func (u *USPTO) Close(ctx context.Context) error { return nil }

func (u *USPTO) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	start := now.Add(-lookback)

	query := fmt.Sprintf(`{"_gte":{"patent_date":"%s"}}`, start.Format("2006-01-02"))
	payload := []byte(fmt.Sprintf(`{"q":%s,"f":["patent_id","patent_title","patent_date","assignees.assignee_organization"]}`, query))

	return u.collectViaPost(ctx, payload, now, lookback)
}

func (u *USPTO) collectViaPost(ctx context.Context, payload []byte, now time.Time, lookback time.Duration) ([]collector.Candidate, error) {
	headers := map[string]string{"X-Api-Key": u.apiKey}
	body, status, err := u.client.PostJSON(ctx, u.Name(), "patents", u.baseURL+"/patent/", payload, headers)
	if err != nil {
		return nil, fmt.Errorf("uspto: patent search: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("uspto: patent search returned status %d", status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, p := range gjson.GetBytes(body, "patents").Array() {
		filedAt, perr := time.Parse("2006-01-02", p.Get("patent_date").String())
		if perr != nil {
			continue
		}
		if !withinLookback(filedAt, now, lookback) {
			continue
		}

		assignee := p.Get("assignees.0.assignee_organization").String()
		if assignee == "" {
			continue
		}

		key := keyFor(canonicalkey.Evidence{CompanyName: assignee})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalPatentFiling,
			CanonicalKey: key,
			CompanyName:  assignee,
			Confidence:   0.70,
			RawData: model.RawData{
				"patent_id":    p.Get("patent_id").String(),
				"patent_title": p.Get("patent_title").String(),
			},
			DetectedAt:         filedAt,
			SourceURL:          "https://patents.google.com/patent/" + p.Get("patent_id").String(),
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
