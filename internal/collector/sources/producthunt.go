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

const productHuntDefaultBaseURL = "https://api.producthunt.com/v2/api/graphql"

// ProductHunt polls the Product Hunt GraphQL API for posts launched within
// the lookback window.
type ProductHunt struct {
	client  *httpclient.Client
	baseURL string
	token   string
}

// NewProductHunt builds the producthunt collector.
func NewProductHunt(client *httpclient.Client, baseURL, token string) *ProductHunt {
	if baseURL == "" {
		baseURL = productHuntDefaultBaseURL
	}
	return &ProductHunt{client: client, baseURL: baseURL, token: token}
}

func (p *ProductHunt) Name() string         { return "producthunt" }
func (p *ProductHunt) SkipDuplicates() bool { return true }

func (p *ProductHunt) Open(ctx context.Context) error  { return nil }
func (p *ProductHunt) Close(ctx context.Context) error { return nil }

func (p *ProductHunt) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	start := now.Add(-lookback)

	query := fmt.Sprintf(`{"query":"query { posts(postedAfter: \"%s\") { edges { node { id name tagline website votesCount createdAt } } } }"}`,
		start.Format(time.RFC3339))

	headers := map[string]string{"Authorization": "Bearer " + p.token}
	body, status, err := p.client.PostJSON(ctx, p.Name(), "graphql", p.baseURL, []byte(query), headers)
	if err != nil {
		return nil, fmt.Errorf("producthunt: posts query: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("producthunt: posts query returned status %d", status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, edge := range gjson.GetBytes(body, "data.posts.edges").Array() {
		node := edge.Get("node")
		launchedAt, perr := time.Parse(time.RFC3339, node.Get("createdAt").String())
		if perr != nil {
			continue
		}
		if !withinLookback(launchedAt, now, lookback) {
			continue
		}

		name := node.Get("name").String()
		website := node.Get("website").String()

		key := keyFor(canonicalkey.Evidence{Website: website, CompanyName: name})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalProductLaunch,
			CanonicalKey: key,
			CompanyName:  name,
			Confidence:   0.40,
			RawData: model.RawData{
				"tagline":     node.Get("tagline").String(),
				"votes_count": node.Get("votesCount").Num,
				"ph_id":       node.Get("id").String(),
			},
			DetectedAt:         launchedAt,
			SourceURL:          website,
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
