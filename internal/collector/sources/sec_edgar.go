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

const secEdgarDefaultBaseURL = "https://efts.sec.gov/LATEST"

// SECEdgar watches SEC EDGAR full-text search for new Form D filings
// (private offering notices), which are the earliest public record of a US
// incorporation raising outside capital.
type SECEdgar struct {
	client  *httpclient.Client
	baseURL string
}

// NewSECEdgar builds the sec_edgar collector.
func NewSECEdgar(client *httpclient.Client, baseURL string) *SECEdgar {
	if baseURL == "" {
		baseURL = secEdgarDefaultBaseURL
	}
	return &SECEdgar{client: client, baseURL: baseURL}
}

func (s *SECEdgar) Name() string         { return "sec_edgar" }
func (s *SECEdgar) SkipDuplicates() bool { return true }

func (s *SECEdgar) Open(ctx context.Context) error  { return nil }
func (s *SECEdgar) Close(ctx context.Context) error { return nil }

func (s *SECEdgar) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	start := now.Add(-lookback)

	q := url.Values{}
	q.Set("q", "Form D")
	q.Set("forms", "D")
	q.Set("startdt", start.Format("2006-01-02"))
	q.Set("enddt", now.Format("2006-01-02"))

	body, status, err := s.client.Get(ctx, s.Name(), "search", s.baseURL+"/search-index?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("sec_edgar: search: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("sec_edgar: search returned status %d", status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	hits := gjson.GetBytes(body, "hits.hits")
	for _, hit := range hits.Array() {
		src := hit.Get("_source")
		companyName := src.Get("display_names.0").String()
		filedAt, err := time.Parse("2006-01-02", src.Get("file_date").String())
		if err != nil {
			filedAt = now
		}
		if !withinLookback(filedAt, now, lookback) {
			continue
		}

		key := keyFor(canonicalkey.Evidence{CompanyName: companyName})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalIncorporation,
			CanonicalKey: key,
			CompanyName:  companyName,
			Confidence:   0.85,
			RawData: model.RawData{
				"accession_no": src.Get("_id").String(),
				"form_type":    src.Get("file_type").String(),
			},
			DetectedAt:         filedAt,
			SourceURL:          fmt.Sprintf("https://www.sec.gov/cgi-bin/browse-edgar?action=getcompany&company=%s", url.QueryEscape(companyName)),
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
