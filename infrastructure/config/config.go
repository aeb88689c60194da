// Package config loads and validates the prospector's configuration from
// environment variables (optionally pre-loaded from a .env file), per
// spec.md §6.4.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const envPrefix = "PROSPECTOR_"

// GateWeights and GateHalfLives are keyed by signal_type; TierMultipliers by
// source reliability tier name ("tier1".."tier4").
type Config struct {
	StorePath          string        `validate:"required"`
	SuppressionTTL      time.Duration `validate:"required,gt=0"`
	CRMAPIKey           string        `validate:"required"`
	CRMDatabaseID       string        `validate:"required"`
	CRMStatusAutoPush   string        `validate:"required"`
	CRMStatusNeedsReview string       `validate:"required"`
	CRMStatusTerminal   []string
	CRMSchemaCacheTTL   time.Duration `validate:"required,gt=0"`

	GateHighThreshold   float64 `validate:"gte=0,lte=1"`
	GateMediumThreshold float64 `validate:"gte=0,lte=1"`
	GateStrictMode      bool
	GateWeights         map[string]float64
	GateHalfLives       map[string]time.Duration
	GateTierMultipliers map[string]float64
	GateSourceTiers     map[string]string

	HTTPRetries     int           `validate:"gte=0"`
	HTTPBackoffBase time.Duration `validate:"required,gt=0"`
	HTTPBackoffMax  time.Duration `validate:"required,gt=0"`
	HTTPTimeout     time.Duration `validate:"required,gt=0"`

	RateLimits map[string]RateLimit

	CollectorsEnabled []string
	CollectorAPIKeys   map[string]string // keyed by collector name
	CollectorBaseURLs  map[string]string // keyed by collector name, override for testing
	DomainRegistryTLDs []string
	JobBoardQueries    []string
	GithubSearchTopics []string

	LogLevel  string
	LogFormat string
}

// RateLimit is requests/sec plus burst for one source_api.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Default returns the baked-in defaults from spec.md before environment
// overrides are applied.
func Default() Config {
	return Config{
		StorePath:            "prospector.db",
		SuppressionTTL:       7 * 24 * time.Hour,
		CRMStatusAutoPush:    "Source",
		CRMStatusNeedsReview: "Needs Review",
		CRMStatusTerminal:    []string{"Passed", "Lost"},
		CRMSchemaCacheTTL:    6 * time.Hour,
		GateHighThreshold:    0.70,
		GateMediumThreshold:  0.40,
		GateStrictMode:       true,
		GateWeights: map[string]float64{
			"incorporation":       0.25,
			"funding_event":       0.20,
			"github_spike":        0.20,
			"domain_registration": 0.15,
			"patent_filing":       0.15,
			"product_launch":      0.10,
			"hn_mention":          0.08,
			"research_paper":      0.10,
			"job_posting":         0.08,
			"company_dissolved":   0.0,
		},
		GateHalfLives: map[string]time.Duration{
			"incorporation":       365 * 24 * time.Hour,
			"funding_event":       180 * 24 * time.Hour,
			"github_spike":        14 * 24 * time.Hour,
			"domain_registration": 60 * 24 * time.Hour,
			"patent_filing":       365 * 24 * time.Hour,
			"product_launch":      30 * 24 * time.Hour,
			"hn_mention":          7 * 24 * time.Hour,
			"research_paper":      120 * 24 * time.Hour,
			"job_posting":         45 * 24 * time.Hour,
			"company_dissolved":   365 * 24 * time.Hour,
		},
		GateTierMultipliers: map[string]float64{
			"tier1": 1.00,
			"tier2": 0.85,
			"tier3": 0.70,
			"tier4": 0.50,
		},
		GateSourceTiers: map[string]string{
			"sec_edgar":        "tier1",
			"companies_house":  "tier1",
			"uspto":            "tier1",
			"crunchbase":       "tier2",
			"github_activity":  "tier2",
			"domain_registry":  "tier2",
			"producthunt":      "tier3",
			"hackernews":       "tier3",
			"arxiv":            "tier3",
			"jobboard":         "tier4",
		},
		HTTPRetries:     3,
		HTTPBackoffBase: 200 * time.Millisecond,
		HTTPBackoffMax:  10 * time.Second,
		HTTPTimeout:     10 * time.Second,
		RateLimits: map[string]RateLimit{
			"crm": {PerSecond: 3, Burst: 3},
		},
		CollectorsEnabled: []string{
			"sec_edgar", "companies_house", "crunchbase", "github_activity",
			"domain_registry", "uspto", "producthunt", "hackernews", "arxiv", "jobboard",
		},
		CollectorAPIKeys:   map[string]string{},
		CollectorBaseURLs:  map[string]string{},
		DomainRegistryTLDs: []string{".ai", ".io"},
		JobBoardQueries:    []string{"founding engineer", "head of growth", "first product hire"},
		GithubSearchTopics: []string{"generative-ai", "developer-tools", "infrastructure"},
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load reads a .env file (if present, ignored if missing) then overlays
// PROSPECTOR_-prefixed environment variables on top of Default(), validating
// the result.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath) // missing .env is not an error
	}

	cfg := Default()

	if v := os.Getenv(envPrefix + "STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv(envPrefix + "STORE_SUPPRESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SuppressionTTL = d
		}
	}
	cfg.CRMAPIKey = firstNonEmpty(os.Getenv(envPrefix+"CRM_API_KEY"), cfg.CRMAPIKey)
	cfg.CRMDatabaseID = firstNonEmpty(os.Getenv(envPrefix+"CRM_DATABASE_ID"), cfg.CRMDatabaseID)
	cfg.CRMStatusAutoPush = firstNonEmpty(os.Getenv(envPrefix+"CRM_STATUS_AUTO_PUSH"), cfg.CRMStatusAutoPush)
	cfg.CRMStatusNeedsReview = firstNonEmpty(os.Getenv(envPrefix+"CRM_STATUS_NEEDS_REVIEW"), cfg.CRMStatusNeedsReview)
	if v := os.Getenv(envPrefix + "CRM_STATUS_TERMINAL_SET"); v != "" {
		cfg.CRMStatusTerminal = splitCSV(v)
	}
	if v := os.Getenv(envPrefix + "CRM_SCHEMA_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CRMSchemaCacheTTL = d
		}
	}
	if v := os.Getenv(envPrefix + "GATE_HIGH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.GateHighThreshold = f
		}
	}
	if v := os.Getenv(envPrefix + "GATE_MEDIUM_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.GateMediumThreshold = f
		}
	}
	if v := os.Getenv(envPrefix + "GATE_STRICT_MODE"); v != "" {
		cfg.GateStrictMode = parseBool(v)
	}
	if v := os.Getenv(envPrefix + "HTTP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPRetries = n
		}
	}
	if v := os.Getenv(envPrefix + "HTTP_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPBackoffBase = d
		}
	}
	if v := os.Getenv(envPrefix + "HTTP_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPBackoffMax = d
		}
	}
	if v := os.Getenv(envPrefix + "HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTPTimeout = d
		}
	}
	if v := os.Getenv(envPrefix + "COLLECTORS_ENABLED"); v != "" {
		cfg.CollectorsEnabled = splitCSV(v)
	}
	if v := os.Getenv(envPrefix + "GATE_SOURCE_TIERS"); v != "" {
		cfg.GateSourceTiers = parsePairs(v)
	}
	if v := os.Getenv(envPrefix + "COLLECTOR_API_KEYS"); v != "" {
		cfg.CollectorAPIKeys = parsePairs(v)
	}
	if v := os.Getenv(envPrefix + "COLLECTOR_BASE_URLS"); v != "" {
		cfg.CollectorBaseURLs = parsePairs(v)
	}
	if v := os.Getenv(envPrefix + "DOMAIN_REGISTRY_TLDS"); v != "" {
		cfg.DomainRegistryTLDs = splitCSV(v)
	}
	if v := os.Getenv(envPrefix + "JOBBOARD_QUERIES"); v != "" {
		cfg.JobBoardQueries = splitCSV(v)
	}
	if v := os.Getenv(envPrefix + "GITHUB_SEARCH_TOPICS"); v != "" {
		cfg.GithubSearchTopics = splitCSV(v)
	}
	cfg.LogLevel = firstNonEmpty(os.Getenv(envPrefix+"LOG_LEVEL"), cfg.LogLevel)
	cfg.LogFormat = firstNonEmpty(os.Getenv(envPrefix+"LOG_FORMAT"), cfg.LogFormat)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePairs parses a "key1=value1,key2=value2" string, used for
// GATE_SOURCE_TIERS overrides.
func parsePairs(v string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitCSV(v) {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
