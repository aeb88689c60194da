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

const crunchbaseDefaultBaseURL = "https://api.crunchbase.com/api/v4"

// Crunchbase polls recently announced funding rounds.
type Crunchbase struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
}

// NewCrunchbase builds the crunchbase collector.
func NewCrunchbase(client *httpclient.Client, baseURL, apiKey string) *Crunchbase {
	if baseURL == "" {
		baseURL = crunchbaseDefaultBaseURL
	}
	return &Crunchbase{client: client, baseURL: baseURL, apiKey: apiKey}
}

func (c *Crunchbase) Name() string         { return "crunchbase" }
func (c *Crunchbase) SkipDuplicates() bool { return false }

func (c *Crunchbase) Open(ctx context.Context) error  { return nil }
func (c *Crunchbase) Close(ctx context.Context) error { return nil }

func (c *Crunchbase) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	url := c.baseURL + "/searches/funding_rounds"
	headers := map[string]string{"X-cb-user-key": c.apiKey}

	body, status, err := c.client.Get(ctx, c.Name(), "searches", url, headers)
	if err != nil {
		return nil, fmt.Errorf("crunchbase: funding_rounds search: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("crunchbase: funding_rounds search returned status %d", status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, entity := range gjson.GetBytes(body, "entities").Array() {
		props := entity.Get("properties")
		announcedAt, perr := time.Parse("2006-01-02", props.Get("announced_on.value").String())
		if perr != nil {
			continue
		}
		if !withinLookback(announcedAt, now, lookback) {
			continue
		}

		companyName := props.Get("funded_organization_identifier.value").String()
		cbID := props.Get("funded_organization_identifier.uuid").String()
		website := props.Get("funded_organization_website.value").String()

		key := keyFor(canonicalkey.Evidence{CrunchbaseID: cbID, Website: website, CompanyName: companyName})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalFundingEvent,
			CanonicalKey: key,
			CompanyName:  companyName,
			Confidence:   0.80,
			RawData: model.RawData{
				"money_raised_usd": props.Get("money_raised.value_usd").Num,
				"investment_type":  props.Get("investment_type.value").String(),
				"crunchbase_uuid":  cbID,
			},
			DetectedAt:         announcedAt,
			SourceURL:          props.Get("funded_organization_identifier.permalink").String(),
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
