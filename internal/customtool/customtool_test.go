package customtool_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/datachat/internal/customtool"
	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

func newRunner(t *testing.T) (*customtool.Runner, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	mem.Insert("risks",
		models.Row{"id": 1.0, "user_id": "u1", "title": "Vendor outage", "status": "open", "score": 8.0},
		models.Row{"id": 2.0, "user_id": "u1", "title": "FX exposure", "status": "closed", "score": 3.0},
		models.Row{"id": 3.0, "user_id": "u1", "title": "Staff turnover", "status": "open", "score": 5.0},
		models.Row{"id": 4.0, "user_id": "u2", "title": "Other tenant", "status": "open", "score": 9.0},
	)
	return customtool.NewRunner(mem, query.NewExecutor(mem)), mem
}

func openRisksTool() *models.CustomTool {
	return &models.CustomTool{
		Name:        "open_risks",
		Description: "Open risks, optionally above a minimum score",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"min_score": map[string]interface{}{"type": "number"},
				"limit":     map[string]interface{}{"type": "integer"},
			},
		},
		Program: models.ToolProgram{
			Kind:  models.ProgramQuery,
			Table: "risks",
			Filters: []models.ProgramFilter{
				{Column: "status", Operator: models.OpEquals, Value: "open"},
				{Column: "score", Operator: models.OpGTE, ValueExpr: "args.min_score"},
			},
			Sort:      &models.Sort{Column: "score", Direction: models.SortDesc},
			LimitExpr: "args.limit ?? 10",
		},
	}
}

func TestRunner_CreateAndRun(t *testing.T) {
	r, mem := newRunner(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "u1", openRisksTool()))

	out, err := r.Run(ctx, "u1", "open_risks", map[string]interface{}{"min_score": 6.0})
	require.NoError(t, err)
	res := out.(*models.QueryResult)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, "Vendor outage", res.Data[0]["title"])

	// Optional argument left out: the score filter is dropped.
	out, err = r.Run(ctx, "u1", "open_risks", nil)
	require.NoError(t, err)
	res = out.(*models.QueryResult)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 10, res.Query.Limit)

	tools, err := mem.ListCustomTools(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, 2, tools[0].UsageCount)
	assert.NotNil(t, tools[0].LastUsedAt)
}

func TestRunner_OwnerScoped(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "u1", openRisksTool()))

	_, err := r.Run(ctx, "u2", "open_risks", nil)
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf), "another owner's tool is not visible, got %v", err)
}

func TestRunner_InvalidArgumentsDoNotMarkError(t *testing.T) {
	r, mem := newRunner(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "u1", openRisksTool()))

	_, err := r.Run(ctx, "u1", "open_risks", map[string]interface{}{"min_score": "high"})
	require.ErrorIs(t, err, customtool.ErrInvalidArguments)

	tool, err := mem.GetActiveCustomTool(ctx, "u1", "open_risks")
	require.NoError(t, err)
	assert.Equal(t, models.CustomToolActive, tool.Status)
}

func TestRunner_ProgramFailureMarksError(t *testing.T) {
	r, mem := newRunner(t)
	ctx := context.Background()
	tool := &models.CustomTool{
		Name:    "missing_table",
		Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "no_such_table"},
	}
	require.NoError(t, r.Create(ctx, "u1", tool))

	_, err := r.Run(ctx, "u1", "missing_table", nil)
	require.Error(t, err)
	assert.True(t, query.IsExecution(err))

	_, err = mem.GetActiveCustomTool(ctx, "u1", "missing_table")
	assert.Error(t, err, "errored tool is no longer active")
	all, err := mem.ListCustomTools(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.CustomToolError, all[0].Status)
	assert.NotEmpty(t, all[0].ErrorMessage)
}

func TestRunner_AggregateAndRowFilter(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "u1", &models.CustomTool{
		Name: "score_by_status",
		Program: models.ToolProgram{
			Kind:        models.ProgramAggregate,
			Table:       "risks",
			Aggregation: &models.Aggregation{Type: models.AggSum, Column: "score", GroupBy: "status"},
		},
	}))
	out, err := r.Run(ctx, "u1", "score_by_status", nil)
	require.NoError(t, err)
	agg := out.(*models.AggregateResult)
	assert.Equal(t, []models.Row{
		{"status": "open", "sum": 13.0},
		{"status": "closed", "sum": 3.0},
	}, agg.Results)

	require.NoError(t, r.Create(ctx, "u1", &models.CustomTool{
		Name: "titled",
		Program: models.ToolProgram{
			Kind:      models.ProgramQuery,
			Table:     "risks",
			RowFilter: `row.title startsWith (args.prefix ?? "")`,
		},
	}))
	out, err = r.Run(ctx, "u1", "titled", map[string]interface{}{"prefix": "Staff"})
	require.NoError(t, err)
	res := out.(*models.QueryResult)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, 3.0, res.Data[0]["id"])
}

func TestValidate(t *testing.T) {
	cases := map[string]*models.CustomTool{
		"bad name":     {Name: "Open Risks", Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "risks"}},
		"bad table":    {Name: "x", Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "risks;drop"}},
		"reserved":     {Name: "x", Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "custom_tools"}},
		"bad kind":     {Name: "x", Program: models.ToolProgram{Kind: "delete", Table: "risks"}},
		"bad expr":     {Name: "x", Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "risks", LimitExpr: "args.("}},
		"agg missing":  {Name: "x", Program: models.ToolProgram{Kind: models.ProgramAggregate, Table: "risks"}},
		"bad column":   {Name: "x", Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "risks", Filters: []models.ProgramFilter{{Column: "A", Operator: models.OpEquals, Value: 1}}}},
		"bad schema":   {Name: "x", Parameters: map[string]interface{}{"type": 12}, Program: models.ToolProgram{Kind: models.ProgramQuery, Table: "risks"}},
		"agg rowfiltr": {Name: "x", Program: models.ToolProgram{Kind: models.ProgramAggregate, Table: "risks", RowFilter: "true", Aggregation: &models.Aggregation{Type: models.AggCount, Column: "id"}}},
	}
	for name, tool := range cases {
		t.Run(name, func(t *testing.T) {
			assert.True(t, query.IsValidation(customtool.Validate(tool)))
		})
	}
}

func TestDefinitions(t *testing.T) {
	r, _ := newRunner(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "u1", openRisksTool()))

	defs, err := r.Definitions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "open_risks", defs[0].Name)
	assert.Equal(t, "object", defs[0].Parameters["type"])

	defs, err = r.Definitions(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, defs)
}
