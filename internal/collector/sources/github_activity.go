package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/signalforge/prospector/infrastructure/httpclient"
	"github.com/signalforge/prospector/internal/canonicalkey"
	"github.com/signalforge/prospector/internal/collector"
	"github.com/signalforge/prospector/internal/model"
)

const githubDefaultBaseURL = "https://api.github.com"

// GithubActivity watches the GitHub search API for repositories created
// within the lookback window whose star count already indicates an
// unusually fast community pickup (a "spike"), scoped to a configurable
// set of topics to keep the sweep relevant.
type GithubActivity struct {
	client  *httpclient.Client
	baseURL string
	token   string
	topics  []string
}

// NewGithubActivity builds the github_activity collector.
func NewGithubActivity(client *httpclient.Client, baseURL, token string, topics []string) *GithubActivity {
	if baseURL == "" {
		baseURL = githubDefaultBaseURL
	}
	return &GithubActivity{client: client, baseURL: baseURL, token: token, topics: topics}
}

func (g *GithubActivity) Name() string         { return "github_activity" }
func (g *GithubActivity) SkipDuplicates() bool { return false }

func (g *GithubActivity) Open(ctx context.Context) error  { return nil }
func (g *GithubActivity) Close(ctx context.Context) error { return nil }

func (g *GithubActivity) headers() map[string]string {
	h := map[string]string{"Accept": "application/vnd.github+json"}
	if g.token != "" {
		h["Authorization"] = "Bearer " + g.token
	}
	return h
}

func (g *GithubActivity) Collect(ctx context.Context, lookback time.Duration, dryRun bool) ([]collector.Candidate, error) {
	now := time.Now().UTC()
	start := now.Add(-lookback)

	topics := g.topics
	if len(topics) == 0 {
		topics = []string{""}
	}

	var out []collector.Candidate
	for _, topic := range topics {
		candidates, err := g.searchTopic(ctx, topic, start, now, lookback)
		if err != nil {
			return nil, err
		}
		out = append(out, candidates...)
	}
	return out, nil
}

func (g *GithubActivity) searchTopic(ctx context.Context, topic string, start, now time.Time, lookback time.Duration) ([]collector.Candidate, error) {
	q := fmt.Sprintf("created:>=%s stars:>50", start.Format("2006-01-02"))
	if topic != "" {
		q += " topic:" + topic
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("sort", "stars")
	params.Set("order", "desc")

	body, status, err := g.client.Get(ctx, g.Name(), "search-repositories", g.baseURL+"/search/repositories?"+params.Encode(), g.headers())
	if err != nil {
		return nil, fmt.Errorf("github_activity: search(%s): %w", topic, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("github_activity: search(%s) returned status %d", topic, status)
	}

	hash := hashResponse(body)
	var out []collector.Candidate
	for _, item := range gjson.GetBytes(body, "items").Array() {
		createdAt, perr := time.Parse(time.RFC3339, item.Get("created_at").String())
		if perr != nil {
			continue
		}
		if !withinLookback(createdAt, now, lookback) {
			continue
		}

		fullName := item.Get("full_name").String()
		org := strings.SplitN(fullName, "/", 2)[0]
		homepage := item.Get("homepage").String()

		key := keyFor(canonicalkey.Evidence{GithubOrg: org, GithubRepo: fullName, Website: homepage, CompanyName: org})
		if key == "" {
			continue
		}

		out = append(out, collector.Candidate{
			SignalType:   model.SignalGithubSpike,
			CanonicalKey: key,
			CompanyName:  org,
			Confidence:   0.55,
			RawData: model.RawData{
				"repo":        fullName,
				"stars":       item.Get("stargazers_count").Num,
				"topic_query": topic,
			},
			DetectedAt:         createdAt,
			SourceURL:          item.Get("html_url").String(),
			SourceResponseHash: hash,
		})
	}
	return out, nil
}
