package tools_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/datachat/internal/customtool"
	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/relations"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/internal/tools"
	"github.com/agentoven/datachat/pkg/models"
)

func newDispatcher(t *testing.T) *tools.Dispatcher {
	t.Helper()
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	mem.Insert("risk_categories",
		models.Row{"id": 1.0, "user_id": "u1", "name": "Operational"},
	)
	mem.Insert("risks",
		models.Row{"id": 10.0, "user_id": "u1", "title": "Vendor outage", "risk_category_id": 1.0, "score": 4.0},
		models.Row{"id": 11.0, "user_id": "u1", "title": "Staff turnover", "risk_category_id": 1.0, "score": 6.0},
		models.Row{"id": 12.0, "user_id": "u2", "title": "Other tenant", "risk_category_id": 1.0, "score": 9.0},
	)
	exec := query.NewExecutor(mem)
	runner := customtool.NewRunner(mem, exec)
	require.NoError(t, runner.Create(context.Background(), "u1", &models.CustomTool{
		Name:    "high_risks",
		Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "risks", Filters: []models.ProgramFilter{{Column: "score", Operator: models.OpGT, Value: 5.0}}},
	}))
	return tools.NewDispatcher(exec, relations.NewService(relations.DefaultSchema()), runner)
}

func TestDispatch_UnknownTool(t *testing.T) {
	d := newDispatcher(t)
	got := d.Dispatch(context.Background(), "u1", "drop_everything", nil)
	assert.Equal(t, map[string]interface{}{"error": "tool not found"}, got)
	assert.True(t, tools.IsError(got))
}

func TestDispatch_QueryData(t *testing.T) {
	d := newDispatcher(t)
	got := d.Dispatch(context.Background(), "u1", tools.QueryData, map[string]interface{}{
		"table":   "risks",
		"filters": []interface{}{map[string]interface{}{"column": "score", "operator": "gte", "value": 5}},
	})
	res, ok := got.(*models.QueryResult)
	require.True(t, ok, "got %T: %v", got, got)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "Staff turnover", res.Data[0]["title"])
}

func TestDispatch_AggregateData(t *testing.T) {
	d := newDispatcher(t)
	got := d.Dispatch(context.Background(), "u1", tools.AggregateData, map[string]interface{}{
		"table":       "risks",
		"aggregation": map[string]interface{}{"type": "sum", "column": "score"},
	})
	res, ok := got.(*models.AggregateResult)
	require.True(t, ok, "got %T: %v", got, got)
	assert.Equal(t, 10.0, res.Results[0]["sum"])
}

func TestDispatch_HandlerErrorBecomesResult(t *testing.T) {
	d := newDispatcher(t)
	got := d.Dispatch(context.Background(), "u1", tools.QueryData, map[string]interface{}{"table": "Risks"})
	require.True(t, tools.IsError(got))
	assert.Contains(t, got.(map[string]interface{})["error"], "invalid table")
}

func TestDispatch_PanicIsRecovered(t *testing.T) {
	d := newDispatcher(t)
	d.Register(models.ToolDefinition{Name: "boom"}, func(context.Context, *query.Scope, map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	})
	got := d.Dispatch(context.Background(), "u1", "boom", nil)
	assert.Equal(t, map[string]interface{}{"error": "kaboom"}, got)
}

func TestDispatch_EachCallGetsOwnScope(t *testing.T) {
	d := newDispatcher(t)
	var owners []string
	d.Register(models.ToolDefinition{Name: "whoami"}, func(_ context.Context, s *query.Scope, _ map[string]interface{}) (interface{}, error) {
		owners = append(owners, s.Owner())
		return s.Owner(), nil
	})
	d.Dispatch(context.Background(), "u1", "whoami", nil)
	d.Dispatch(context.Background(), "u2", "whoami", nil)
	assert.Equal(t, []string{"u1", "u2"}, owners)
}

func TestDispatch_RelationsAndCustomTools(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	got := d.Dispatch(ctx, "u1", tools.GetRisksByCategory, map[string]interface{}{"category_name": "operational"})
	rel := got.(*models.RelationResult)
	assert.True(t, rel.Success)
	assert.Equal(t, 2, rel.Count)

	got = d.Dispatch(ctx, "u1", tools.GetRisksByCategory, map[string]interface{}{"category_name": "Legal"})
	rel = got.(*models.RelationResult)
	assert.False(t, rel.Success)
	assert.Empty(t, rel.Data)

	got = d.Dispatch(ctx, "u1", "high_risks", nil)
	res := got.(*models.QueryResult)
	assert.Equal(t, 1, res.Count)

	// u2 has no custom tools.
	assert.Equal(t, map[string]interface{}{"error": "tool not found"}, d.Dispatch(ctx, "u2", "high_risks", nil))
}

// toolCalls reads datachat_tools_calls_total for one tool and status.
func toolCalls(t *testing.T, tool, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "datachat_tools_calls_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["tool"] == tool && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestDispatch_UnsuccessfulEnvelopeIsError(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	before := toolCalls(t, tools.GetRisksByCategory, "error")
	got := d.Dispatch(ctx, "u1", tools.GetRisksByCategory, map[string]interface{}{"category_name": "Legal"})
	assert.True(t, tools.IsError(got))
	assert.Equal(t, before+1, toolCalls(t, tools.GetRisksByCategory, "error"))

	found := d.Dispatch(ctx, "u1", tools.GetRisksByCategory, map[string]interface{}{"category_name": "Operational"})
	assert.False(t, tools.IsError(found))

	tests := []struct {
		name   string
		result interface{}
		want   bool
	}{
		{"bare error", map[string]interface{}{"error": "boom"}, true},
		{"success false", map[string]interface{}{"success": false, "error": "x not found", "count": 0, "data": []interface{}{}}, true},
		{"success false without message", map[string]interface{}{"success": false}, true},
		{"success true", map[string]interface{}{"success": true, "count": 1}, false},
		{"error column in data row", map[string]interface{}{"error": "boom", "id": 1}, false},
		{"relation found", &models.RelationResult{Success: true}, false},
		{"relation not found", &models.RelationResult{Error: "Legal not found"}, true},
	}
	for _, tt := range tests {
		if got := tools.IsError(tt.result); got != tt.want {
			t.Errorf("%s: IsError() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDefinitions(t *testing.T) {
	d := newDispatcher(t)
	defs, err := d.Definitions(context.Background(), "u1")
	require.NoError(t, err)

	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{
		tools.QueryData, tools.AggregateData, tools.GetEntitiesByType,
		tools.GetRisksByCategory, tools.GetAssessmentsByFilter, tools.GetEntitiesWithRisks,
		"high_risks",
	}, names)
}
