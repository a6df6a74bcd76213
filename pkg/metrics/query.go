// Package metrics reads aggregated provider and tool usage back from a
// Prometheus server that scrapes reforge's /metrics endpoint.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ModelUsage is the token usage of one model over a window.
type ModelUsage struct {
	Model           string `json:"model"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	CacheReadTokens int64  `json:"cache_read_tokens"`
	Requests        int64  `json:"requests"`
	Failures        int64  `json:"failures"`
}

// ToolUsage counts executions of one tool by outcome.
type ToolUsage struct {
	Tool     string           `json:"tool"`
	Outcomes map[string]int64 `json:"outcomes"`
}

// Usage is a usage report over a window.
type Usage struct {
	Window      time.Duration `json:"window"`
	Models      []ModelUsage  `json:"models"`
	Tools       []ToolUsage   `json:"tools"`
	Compactions int64         `json:"compactions"`
}

// QueryService runs usage queries against Prometheus.
type QueryService struct {
	queryAPI v1.API
	now      func() time.Time
}

// NewQueryService creates a query service for the server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		queryAPI: v1.NewAPI(client),
		now:      time.Now,
	}, nil
}

// Usage aggregates token, request, tool and compaction counters over the
// trailing window.
func (q *QueryService) Usage(ctx context.Context, window time.Duration) (*Usage, error) {
	rng := model.Duration(window).String()
	u := &Usage{Window: window}
	models := map[string]*ModelUsage{}
	entry := func(name string) *ModelUsage {
		m, ok := models[name]
		if !ok {
			m = &ModelUsage{Model: name}
			models[name] = m
		}
		return m
	}

	tokens, err := q.vector(ctx, fmt.Sprintf(`sum by (model, type) (increase(reforge_llm_tokens_total[%s]))`, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	for _, s := range tokens {
		m := entry(string(s.Metric["model"]))
		n := int64(s.Value)
		switch s.Metric["type"] {
		case "input":
			m.InputTokens = n
		case "output":
			m.OutputTokens = n
		case "cache_read":
			m.CacheReadTokens = n
		}
	}

	requests, err := q.vector(ctx, fmt.Sprintf(`sum by (model, status) (increase(reforge_llm_requests_total[%s]))`, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	for _, s := range requests {
		m := entry(string(s.Metric["model"]))
		n := int64(s.Value)
		m.Requests += n
		if s.Metric["status"] == "error" {
			m.Failures += n
		}
	}

	toolCalls, err := q.vector(ctx, fmt.Sprintf(`sum by (tool, outcome) (increase(reforge_tool_calls_total[%s]))`, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	byTool := map[string]*ToolUsage{}
	for _, s := range toolCalls {
		name := string(s.Metric["tool"])
		t, ok := byTool[name]
		if !ok {
			t = &ToolUsage{Tool: name, Outcomes: map[string]int64{}}
			byTool[name] = t
		}
		t.Outcomes[string(s.Metric["outcome"])] += int64(s.Value)
	}

	compactions, err := q.vector(ctx, fmt.Sprintf(`sum(increase(reforge_compactions_total[%s]))`, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query compactions: %w", err)
	}
	if len(compactions) > 0 {
		u.Compactions = int64(compactions[0].Value)
	}

	for _, m := range models {
		u.Models = append(u.Models, *m)
	}
	sort.Slice(u.Models, func(i, j int) bool { return u.Models[i].Model < u.Models[j].Model })
	for _, t := range byTool {
		u.Tools = append(u.Tools, *t)
	}
	sort.Slice(u.Tools, func(i, j int) bool { return u.Tools[i].Tool < u.Tools[j].Tool })
	return u, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return vector, nil
}
