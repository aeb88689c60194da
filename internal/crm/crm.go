// Package crm implements the Notion-backed CRM connector from spec.md
// §4.6: schema preflight, suppression-list pagination, and prospect
// upsert, all rate-limited to a single shared bucket (≤3 req/s) via
// infrastructure/httpclient.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/signalforge/prospector/internal/apperrors"
	"github.com/signalforge/prospector/infrastructure/httpclient"
)

const (
	sourceAPI       = "crm"
	endpointGroup   = "crm" // one bucket: the 3 req/s cap applies to the CRM as a whole, not per-endpoint
	notionAPIBase   = "https://api.notion.com/v1"
	notionVersion   = "2022-06-28"
)

// Config configures the connector. Status strings must match the CRM's
// literal enum values, including any historical misspellings.
type Config struct {
	APIKey            string        `validate:"required"`
	DatabaseID        string        `validate:"required"`
	SchemaCacheTTL    time.Duration `validate:"required,gt=0"`
	StatusAutoPush    string        `validate:"required"`
	StatusNeedsReview string        `validate:"required"`
	StatusTerminal    []string
	// BaseURL overrides notionAPIBase; empty means production Notion. Tests
	// point this at an httptest server.
	BaseURL string
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return notionAPIBase
}

// requiredProperty describes one property this module depends on existing
// in the target database, with its expected Notion property type.
type requiredProperty struct {
	name     string
	propType string
	required bool
}

// requiredProperties is the schema this connector's payload shape depends
// on; validate_schema checks the live database against this list.
var requiredProperties = []requiredProperty{
	{name: "Canonical Key", propType: "rich_text", required: true},
	{name: "Status", propType: "status", required: true},
	{name: "Confidence", propType: "number", required: true},
	{name: "Signal Types", propType: "multi_select", required: true},
	{name: "Why Now", propType: "rich_text", required: true},
	{name: "Stage Estimate", propType: "select", required: false},
	{name: "Discovery ID", propType: "rich_text", required: true},
}

// SchemaReport is the structured preflight result. It stringifies to a
// human-readable summary.
type SchemaReport struct {
	MissingRequired     []string
	MissingOptional     []string
	WrongTypes          map[string]string // property -> expected type
	MissingEnumOptions  map[string][]string // property -> missing option names
	CheckedAt           time.Time
}

// Valid reports whether the schema satisfies every required property.
func (r SchemaReport) Valid() bool {
	return len(r.MissingRequired) == 0 && len(r.WrongTypes) == 0 && len(r.MissingEnumOptions) == 0
}

func (r SchemaReport) String() string {
	if r.Valid() {
		return "schema valid"
	}
	var b strings.Builder
	b.WriteString("schema invalid:")
	if len(r.MissingRequired) > 0 {
		fmt.Fprintf(&b, " missing required properties=%v;", r.MissingRequired)
	}
	if len(r.MissingOptional) > 0 {
		fmt.Fprintf(&b, " missing optional properties=%v;", r.MissingOptional)
	}
	if len(r.WrongTypes) > 0 {
		fmt.Fprintf(&b, " wrong types=%v;", r.WrongTypes)
	}
	if len(r.MissingEnumOptions) > 0 {
		fmt.Fprintf(&b, " missing enum options=%v;", r.MissingEnumOptions)
	}
	return b.String()
}

// SuppressionRecord is one CRM record surfaced by ListSuppressionRecords.
type SuppressionRecord struct {
	CanonicalKey string
	CRMPageID    string
	Status       string
	CompanyName  string
	Website      string
}

// UpsertPayload carries everything upsert_prospect needs to create or
// update one CRM record.
type UpsertPayload struct {
	CanonicalKey  string   `validate:"required"`
	Status        string   `validate:"required"`
	Confidence    float64  `validate:"gte=0,lte=1"`
	SignalTypes   []string `validate:"required,min=1"`
	WhyNow        string   `validate:"required"`
	StageEstimate string
	DiscoveryID   string `validate:"required"`
}

// UpsertAction is the outcome of UpsertProspect.
type UpsertAction string

const (
	ActionCreated UpsertAction = "Created"
	ActionUpdated UpsertAction = "Updated"
	ActionSkipped UpsertAction = "Skipped"
)

// UpsertResult is upsert_prospect's return value.
type UpsertResult struct {
	CRMPageID string
	Action    UpsertAction
}

// Connector is the CRM client.
type Connector struct {
	client *httpclient.Client
	cfg    Config

	mu           sync.Mutex
	cachedSchema *SchemaReport
}

// New builds a Connector. client should come from infrastructure/httpclient
// configured with the CRM's rate limit bucket.
func New(client *httpclient.Client, cfg Config) *Connector {
	return &Connector{client: client, cfg: cfg}
}

func (c *Connector) headers() map[string]string {
	return map[string]string{
		"Authorization":  "Bearer " + c.cfg.APIKey,
		"Notion-Version": notionVersion,
	}
}

// ValidateSchema fetches (or returns the cached) schema report. forceRefresh
// bypasses the TTL cache.
func (c *Connector) ValidateSchema(ctx context.Context, forceRefresh bool) (SchemaReport, error) {
	c.mu.Lock()
	if !forceRefresh && c.cachedSchema != nil && time.Since(c.cachedSchema.CheckedAt) < c.cfg.SchemaCacheTTL {
		cached := *c.cachedSchema
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	body, _, err := c.client.Get(ctx, sourceAPI, endpointGroup,
		fmt.Sprintf("%s/databases/%s", c.cfg.baseURL(), c.cfg.DatabaseID), c.headers())
	if err != nil {
		return SchemaReport{}, fmt.Errorf("crm: validate_schema: %w", err)
	}

	report := c.buildSchemaReport(body)
	c.mu.Lock()
	c.cachedSchema = &report
	c.mu.Unlock()
	return report, nil
}

func (c *Connector) buildSchemaReport(body []byte) SchemaReport {
	report := SchemaReport{
		WrongTypes:         map[string]string{},
		MissingEnumOptions: map[string][]string{},
		CheckedAt:          time.Now().UTC(),
	}
	props := gjson.GetBytes(body, "properties")

	for _, rp := range requiredProperties {
		prop := props.Get(gjson.Escape(rp.name))
		if !prop.Exists() {
			if rp.required {
				report.MissingRequired = append(report.MissingRequired, rp.name)
			} else {
				report.MissingOptional = append(report.MissingOptional, rp.name)
			}
			continue
		}
		actualType := prop.Get("type").String()
		if actualType != rp.propType {
			report.WrongTypes[rp.name] = rp.propType
		}
	}

	statusOptions := props.Get(gjson.Escape("Status") + ".status.options")
	seen := map[string]bool{}
	statusOptions.ForEach(func(_, v gjson.Result) bool {
		seen[v.Get("name").String()] = true
		return true
	})
	requiredEnum := append([]string{c.cfg.StatusAutoPush, c.cfg.StatusNeedsReview}, c.cfg.StatusTerminal...)
	var missingEnum []string
	for _, required := range requiredEnum {
		if !seen[required] {
			missingEnum = append(missingEnum, required)
		}
	}
	if len(missingEnum) > 0 {
		report.MissingEnumOptions["Status"] = missingEnum
	}

	return report
}

// ListSuppressionRecords returns every CRM record regardless of status,
// paginating internally (Notion's start_cursor/has_more protocol).
func (c *Connector) ListSuppressionRecords(ctx context.Context) ([]SuppressionRecord, error) {
	var out []SuppressionRecord
	cursor := ""
	for {
		payload := map[string]interface{}{"page_size": 100}
		if cursor != "" {
			payload["start_cursor"] = cursor
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("crm: encode query: %w", err)
		}

		body, _, err := c.client.PostJSON(ctx, sourceAPI, endpointGroup,
			fmt.Sprintf("%s/databases/%s/query", c.cfg.baseURL(), c.cfg.DatabaseID), raw, c.headers())
		if err != nil {
			return nil, fmt.Errorf("crm: get_suppression_list: %w", err)
		}

		results := gjson.GetBytes(body, "results")
		results.ForEach(func(_, page gjson.Result) bool {
			out = append(out, SuppressionRecord{
				CanonicalKey: page.Get("properties.Canonical Key.rich_text.0.plain_text").String(),
				CRMPageID:    page.Get("id").String(),
				Status:       page.Get("properties.Status.status.name").String(),
				CompanyName:  page.Get("properties.Name.title.0.plain_text").String(),
				Website:      page.Get("properties.Website.url").String(),
			})
			return true
		})

		if !gjson.GetBytes(body, "has_more").Bool() {
			break
		}
		cursor = gjson.GetBytes(body, "next_cursor").String()
		if cursor == "" {
			break
		}
	}
	return out, nil
}

// UpsertProspect creates or updates one CRM record for payload. The payload
// is checked against its validate tags before any network call. Preflight
// then runs validate_schema(forceRefresh=false via cache); an invalid
// schema fails the call before any write. An existing record whose status
// is in the configured terminal set is never overwritten.
func (c *Connector) UpsertProspect(ctx context.Context, payload UpsertPayload) (UpsertResult, error) {
	if err := validator.New().Struct(payload); err != nil {
		return UpsertResult{}, fmt.Errorf("crm: upsert_prospect: invalid payload: %w", err)
	}

	report, err := c.ValidateSchema(ctx, false)
	if err != nil {
		return UpsertResult{}, err
	}
	if !report.Valid() {
		return UpsertResult{}, fmt.Errorf("crm: %w: %s", apperrors.ErrSchemaInvalid, report.String())
	}

	existing, err := c.findByCanonicalKey(ctx, payload.CanonicalKey)
	if err != nil {
		return UpsertResult{}, err
	}

	if existing != nil && c.isTerminal(existing.Status) {
		return UpsertResult{CRMPageID: existing.CRMPageID, Action: ActionSkipped}, nil
	}

	properties := c.propertiesJSON(payload)

	if existing == nil {
		body := map[string]interface{}{
			"parent":     map[string]interface{}{"database_id": c.cfg.DatabaseID},
			"properties": properties,
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return UpsertResult{}, fmt.Errorf("crm: encode create payload: %w", err)
		}
		resp, _, err := c.client.PostJSON(ctx, sourceAPI, endpointGroup, c.cfg.baseURL()+"/pages", raw, c.headers())
		if err != nil {
			return UpsertResult{}, fmt.Errorf("crm: upsert_prospect (create): %w", err)
		}
		return UpsertResult{CRMPageID: gjson.GetBytes(resp, "id").String(), Action: ActionCreated}, nil
	}

	body := map[string]interface{}{"properties": properties}
	raw, err := json.Marshal(body)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("crm: encode update payload: %w", err)
	}
	resp, _, err := c.client.PostJSON(ctx, sourceAPI, endpointGroup,
		fmt.Sprintf("%s/pages/%s", c.cfg.baseURL(), existing.CRMPageID), raw, c.headers())
	if err != nil {
		return UpsertResult{}, fmt.Errorf("crm: upsert_prospect (update): %w", err)
	}
	return UpsertResult{CRMPageID: gjson.GetBytes(resp, "id").String(), Action: ActionUpdated}, nil
}

func (c *Connector) isTerminal(status string) bool {
	for _, t := range c.cfg.StatusTerminal {
		if t == status {
			return true
		}
	}
	return false
}

func (c *Connector) findByCanonicalKey(ctx context.Context, canonicalKey string) (*SuppressionRecord, error) {
	filter := map[string]interface{}{
		"filter": map[string]interface{}{
			"property": "Canonical Key",
			"rich_text": map[string]interface{}{"equals": canonicalKey},
		},
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("crm: encode lookup: %w", err)
	}
	body, _, err := c.client.PostJSON(ctx, sourceAPI, endpointGroup,
		fmt.Sprintf("%s/databases/%s/query", c.cfg.baseURL(), c.cfg.DatabaseID), raw, c.headers())
	if err != nil {
		return nil, fmt.Errorf("crm: lookup existing record: %w", err)
	}

	results := gjson.GetBytes(body, "results")
	if len(results.Array()) == 0 {
		return nil, nil
	}
	first := results.Array()[0]
	return &SuppressionRecord{
		CanonicalKey: canonicalKey,
		CRMPageID:    first.Get("id").String(),
		Status:       first.Get("properties.Status.status.name").String(),
	}, nil
}

func (c *Connector) propertiesJSON(payload UpsertPayload) map[string]interface{} {
	tags := make([]map[string]interface{}, 0, len(payload.SignalTypes))
	for _, t := range payload.SignalTypes {
		tags = append(tags, map[string]interface{}{"name": t})
	}
	props := map[string]interface{}{
		"Canonical Key": map[string]interface{}{
			"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": payload.CanonicalKey}}},
		},
		"Status":       map[string]interface{}{"status": map[string]interface{}{"name": payload.Status}},
		"Confidence":   map[string]interface{}{"number": payload.Confidence},
		"Signal Types": map[string]interface{}{"multi_select": tags},
		"Why Now": map[string]interface{}{
			"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": payload.WhyNow}}},
		},
		"Discovery ID": map[string]interface{}{
			"rich_text": []map[string]interface{}{{"text": map[string]interface{}{"content": payload.DiscoveryID}}},
		},
	}
	if payload.StageEstimate != "" {
		props["Stage Estimate"] = map[string]interface{}{"select": map[string]interface{}{"name": payload.StageEstimate}}
	}
	return props
}
