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

const domainRegistryDefaultBaseURL = "https://rdap.org"

// DomainRegistry polls a configurable set of TLDs' new-registrations feed
// (most startup-relevant ccTLD/gTLD registries publish one, RDAP-shaped)
// for domains created within the lookback window.
type DomainRegistry struct {
	client  *httpclient.Client
	baseURL string
	tlds    []string
}

// NewDomainRegistry builds the domain_registry collector.
func NewDomainRegistry(client *httpclient.Client, baseURL string, tlds []string) *DomainRegistry {
	if baseURL == "" {
		baseURL = domainRegistryDefaultBaseURL
	}
	if len(tlds) == 0 {
		tlds = []string{".ai", ".io"}
	}
	return &DomainRegistry{client: client, baseURL: baseURL, tlds: tlds}
}

func (d *DomainRegistry) Name() string         { return "domain_registry" }
func (d *DomainRegistry) SkipDuplicates() bool { return true }

func (d *DomainRegistry) Open(ctx context.Context) error  { return nil }
func (d *DomainRegistry) Close(ctx context.Context) error { return nil }

func (d *DomainRegistry) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	var out []collector.Candidate
	for _, tld := range d.tlds {
		candidates, err := d.fetchTLD(ctx, tld, now, lookback)
		if err != nil {
			return nil, err
		}
		out = append(out, candidates...)
	}
	return out, nil
}

func (d *DomainRegistry) fetchTLD(ctx context.Context, tld string, now time.Time, lookback time.Duration) ([]collector.Candidate, error) {
	body, status, err := d.client.Get(ctx, d.Name(), "new-registrations", d.baseURL+"/domains/new"+"?tld="+tld, nil)
	if err != nil {
		return nil, fmt.Errorf("domain_registry: new-registrations(%s): %w", tld, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("domain_registry: new-registrations(%s) returned status %d", tld, status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, entry := range gjson.GetBytes(body, "domainSearchResults").Array() {
		domainName := entry.Get("domain").String()
		registeredAt, perr := time.Parse(time.RFC3339, entry.Get("registrationDate").String())
		if perr != nil {
			continue
		}
		if !withinLookback(registeredAt, now, lookback) {
			continue
		}

		key := keyFor(canonicalkey.Evidence{Website: domainName})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalDomainRegistration,
			CanonicalKey: key,
			Confidence:   0.45,
			RawData: model.RawData{
				"domain": domainName,
				"tld":    tld,
			},
			DetectedAt:         registeredAt,
			SourceURL:          "https://rdap.org/domain/" + domainName,
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
