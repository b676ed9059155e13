// Package audit archives raw webhook events to OpenSearch with bounded
// retention. The archive is a secondary sink for operator forensics; the
// event store remains the source of truth.
package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/pulseboard/agentbridge/internal/models"
)

// Config holds OpenSearch connection and retention configuration.
// RetentionDays is clamped to the 30-90 day audit window.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	IndexPrefix   string
	RetentionDays int
}

// Archiver indexes raw webhook events into daily indices
// (<prefix>-YYYY.MM.DD) governed by an ISM delete policy.
type Archiver struct {
	osClient *opensearch.Client
	cfg      Config
}

// NewArchiver creates an OpenSearch-backed archiver.
func NewArchiver(cfg Config) (*Archiver, error) {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "bridge-audit"
	}
	if cfg.RetentionDays < 30 {
		cfg.RetentionDays = 30
	}
	if cfg.RetentionDays > 90 {
		cfg.RetentionDays = 90
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	return &Archiver{osClient: client, cfg: cfg}, nil
}

// Initialize verifies connectivity and installs the index template and the
// retention policy. Failure is non-fatal to the pipeline; events simply stop
// flowing to the archive until OpenSearch recovers.
func (a *Archiver) Initialize(ctx context.Context) error {
	info, err := a.osClient.Info(a.osClient.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect to opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := a.createIndexTemplate(ctx); err != nil {
		return fmt.Errorf("create index template: %w", err)
	}
	if err := a.createRetentionPolicy(ctx); err != nil {
		return fmt.Errorf("create retention policy: %w", err)
	}

	slog.Info("audit archive initialized",
		slog.String("index_prefix", a.cfg.IndexPrefix),
		slog.Int("retention_days", a.cfg.RetentionDays),
	)
	return nil
}

func (a *Archiver) createIndexTemplate(ctx context.Context) error {
	template := fmt.Sprintf(`{
		"index_patterns": ["%s-*"],
		"template": {
			"settings": {
				"number_of_shards": 1,
				"number_of_replicas": 0
			},
			"mappings": {
				"properties": {
					"id":              {"type": "keyword"},
					"receivedAt":      {"type": "date"},
					"rawBody":         {"type": "binary"},
					"signatureHeader": {"type": "keyword", "index": false},
					"signatureValid":  {"type": "boolean"},
					"sourceAgentId":   {"type": "keyword"},
					"correlationId":   {"type": "keyword"},
					"sourceIp":        {"type": "ip"}
				}
			}
		}
	}`, a.cfg.IndexPrefix)

	req := opensearchapi.IndicesPutIndexTemplateRequest{
		Name: a.cfg.IndexPrefix + "-template",
		Body: strings.NewReader(template),
	}
	resp, err := req.Do(ctx, a.osClient)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("template request failed: %s", resp.Status())
	}
	return nil
}

// createRetentionPolicy installs an ISM policy deleting audit indices past
// the retention window. ISM is a plugin API, so this goes through a raw
// request rather than opensearchapi.
func (a *Archiver) createRetentionPolicy(ctx context.Context) error {
	policy := fmt.Sprintf(`{
		"policy": {
			"description": "delete audit indices past retention",
			"default_state": "hot",
			"states": [
				{
					"name": "hot",
					"actions": [],
					"transitions": [{"state_name": "delete", "conditions": {"min_index_age": "%dd"}}]
				},
				{
					"name": "delete",
					"actions": [{"delete": {}}],
					"transitions": []
				}
			],
			"ism_template": {"index_patterns": ["%s-*"], "priority": 100}
		}
	}`, a.cfg.RetentionDays, a.cfg.IndexPrefix)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		"/_plugins/_ism/policies/"+a.cfg.IndexPrefix+"-retention",
		strings.NewReader(policy))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.osClient.Perform(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means the policy already exists from a previous boot.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("retention policy request failed: %s", resp.Status)
	}
	return nil
}

// Archive indexes one raw webhook event into today's audit index.
func (a *Archiver) Archive(ctx context.Context, event *models.WebhookEvent) error {
	if a == nil {
		return nil
	}

	body, err := eventDocument(event)
	if err != nil {
		return fmt.Errorf("encode audit document: %w", err)
	}

	index := fmt.Sprintf("%s-%s", a.cfg.IndexPrefix, event.ReceivedAt.UTC().Format("2006.01.02"))
	req := opensearchapi.IndexRequest{
		Index:      index,
		DocumentID: event.ID,
		Body:       strings.NewReader(body),
	}

	resp, err := req.Do(ctx, a.osClient)
	if err != nil {
		return fmt.Errorf("index audit document: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("audit index request failed: %s", resp.Status())
	}
	return nil
}

func eventDocument(event *models.WebhookEvent) (string, error) {
	doc, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(doc), nil
}
