package sources

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/signalforge/prospector/infrastructure/httpclient"
	"github.com/signalforge/prospector/internal/canonicalkey"
	"github.com/signalforge/prospector/internal/collector"
	"github.com/signalforge/prospector/internal/model"
)

const companiesHouseDefaultBaseURL = "https://api.company-information.service.gov.uk"

// CompaniesHouse is the UK's equivalent of SECEdgar: new incorporations via
// the advanced-search endpoint. It also produces the hard-kill
// company_dissolved signal from the same API's dissolved-companies filter,
// since both come off one registrar and one API key.
type CompaniesHouse struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
}

// NewCompaniesHouse builds the companies_house collector. apiKey is sent as
// HTTP basic auth username per Companies House's API convention.
func NewCompaniesHouse(client *httpclient.Client, baseURL, apiKey string) *CompaniesHouse {
	if baseURL == "" {
		baseURL = companiesHouseDefaultBaseURL
	}
	return &CompaniesHouse{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (c *CompaniesHouse) Name() string         { return "companies_house" }
func (c *CompaniesHouse) SkipDuplicates() bool { return true }

func (c *CompaniesHouse) Open(ctx context.Context) error  { return nil }
func (c *CompaniesHouse) Close(ctx context.Context) error { return nil }

func (c *CompaniesHouse) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(c.apiKey+":"))}
}

func (c *CompaniesHouse) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	start := now.Add(-lookback)

	incorporated, err := c.fetchByStatus(ctx, "active", start, now, model.SignalIncorporation, 0.85)
	if err != nil {
		return nil, err
	}
	dissolved, err := c.fetchByStatus(ctx, "dissolved", start, now, model.SignalCompanyDissolved, 0.95)
	if err != nil {
		return nil, err
	}
	return append(incorporated, dissolved...), nil
}

func (c *CompaniesHouse) fetchByStatus(ctx context.Context, status string, start, now time.Time, signalType model.SignalType, confidence float64) ([]collector.Candidate, error) {
	q := url.Values{}
	q.Set("company_status", status)
	q.Set("incorporated_from", start.Format("2006-01-02"))
	q.Set("incorporated_to", now.Format("2006-01-02"))

	body, respStatus, err := c.client.Get(ctx, c.Name(), "advanced-search", c.baseURL+"/advanced-search/companies?"+q.Encode(), c.headers())
	if err != nil {
		return nil, fmt.Errorf("companies_house: advanced-search(%s): %w", status, err)
	}
	if respStatus >= 400 {
		return nil, fmt.Errorf("companies_house: advanced-search(%s) returned status %d", status, respStatus)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, item := range gjson.GetBytes(body, "items").Array() {
		companyName := item.Get("company_name").String()
		companyNumber := item.Get("company_number").String()
		dateField := "date_of_creation"
		if signalType == model.SignalCompanyDissolved {
			dateField = "date_of_cessation"
		}
		eventAt, perr := time.Parse("2006-01-02", item.Get(dateField).String())
		if perr != nil {
			eventAt = now
		}

		key := keyFor(canonicalkey.Evidence{CompaniesHouseNumber: companyNumber, CompanyName: companyName})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   signalType,
			CanonicalKey: key,
			CompanyName:  companyName,
			Confidence:   confidence,
			RawData: model.RawData{
				"company_number": companyNumber,
				"company_status": status,
			},
			DetectedAt:         eventAt,
			SourceURL:          fmt.Sprintf("https://find-and-update.company-information.service.gov.uk/company/%s", companyNumber),
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
