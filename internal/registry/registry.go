// Package registry holds the versioned roster of expected agents. The roster
// is explicit configuration, not a hardcoded count, so completeness checks
// stay correct as agents are added or retired.
package registry

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Tier is the coarse category an agent's output is expected to belong to.
type Tier string

const (
	TierStrategic    Tier = "strategic"
	TierInsights     Tier = "insights"
	TierOptimization Tier = "optimization"
	TierTooling      Tier = "tooling"
)

// Agent describes one expected agent on the upstream platform.
type Agent struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Tier       Tier   `yaml:"tier"`
	RefreshURL string `yaml:"refresh_url,omitempty"`
}

// Registry is a versioned agent roster.
type Registry struct {
	Version int     `yaml:"version"`
	Agents  []Agent `yaml:"agents"`

	byID map[string]Agent
}

// Load reads a roster from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(r.Agents) == 0 {
		return nil, fmt.Errorf("registry %s lists no agents", path)
	}

	r.index()
	return &r, nil
}

// Default returns the built-in Pulseboard roster.
func Default() *Registry {
	r := &Registry{
		Version: 1,
		Agents: []Agent{
			{ID: "market-analyst", Name: "Market Analyst", Tier: TierStrategic},
			{ID: "growth-strategist", Name: "Growth Strategist", Tier: TierStrategic},
			{ID: "customer-insights", Name: "Customer Insights", Tier: TierInsights},
			{ID: "sentiment-tracker", Name: "Sentiment Tracker", Tier: TierInsights},
			{ID: "revenue-forecaster", Name: "Revenue Forecaster", Tier: TierInsights},
			{ID: "campaign-optimizer", Name: "Campaign Optimizer", Tier: TierOptimization},
			{ID: "pricing-optimizer", Name: "Pricing Optimizer", Tier: TierOptimization},
			{ID: "data-quality", Name: "Data Quality", Tier: TierTooling},
			{ID: "report-builder", Name: "Report Builder", Tier: TierTooling},
		},
	}
	r.index()
	return r
}

func (r *Registry) index() {
	r.byID = make(map[string]Agent, len(r.Agents))
	for _, a := range r.Agents {
		r.byID[a.ID] = a
	}
}

// Expected returns the number of agents on the roster.
func (r *Registry) Expected() int {
	return len(r.Agents)
}

// Agent looks up an agent by id.
func (r *Registry) Agent(id string) (Agent, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Contains reports whether id is on the roster.
func (r *Registry) Contains(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// TierOf returns the expected tier for an agent.
func (r *Registry) TierOf(id string) (Tier, bool) {
	a, ok := r.byID[id]
	return a.Tier, ok
}

// IDs returns all agent ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return ids
}
