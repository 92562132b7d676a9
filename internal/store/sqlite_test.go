package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	_, err = s.DB().Exec(`CREATE TABLE risk_categories (id INTEGER PRIMARY KEY, user_id TEXT, name TEXT, weight REAL)`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO risk_categories (id, user_id, name, weight) VALUES
		(1, 'u1', 'Operational', 2.5),
		(2, 'u1', 'Financial', NULL),
		(3, 'u2', 'Operational', 1.0),
		(4, 'u1', 'Ops_Legacy', 4.0)`)
	require.NoError(t, err)
	return s
}

func TestSQLiteSelect(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	rows, err := s.Select(ctx, store.Selection{
		Table: "risk_categories",
		Where: []store.Condition{
			owner("u1"),
			{Column: "name", Op: store.CmpILike, Value: "%OPERATIONAL%"},
		},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Operational", rows[0]["name"])
	assert.EqualValues(t, 1, rows[0]["id"])

	// Escaped underscore only matches a literal underscore.
	rows, err = s.Select(ctx, store.Selection{
		Table: "risk_categories",
		Where: []store.Condition{owner("u1"), {Column: "name", Op: store.CmpILike, Value: `%s\_l%`}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ops_Legacy", rows[0]["name"])

	rows, err = s.Select(ctx, store.Selection{
		Table:   "risk_categories",
		Columns: []string{"id"},
		Where:   []store.Condition{owner("u1"), {Column: "id", Op: store.CmpIn, Value: []interface{}{1.0, 2.0, 3.0}}},
		OrderBy: &store.Order{Column: "weight"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0]["id"])
	assert.EqualValues(t, 2, rows[1]["id"], "NULL weight sorts last")

	_, err = s.Select(ctx, store.Selection{Table: "missing", Where: []store.Condition{owner("u1")}})
	assert.Error(t, err)
}

func TestSQLiteDescribeTables(t *testing.T) {
	s := newSQLiteStore(t)
	tables, err := s.DescribeTables(context.Background(), owner("u1"))
	require.NoError(t, err)
	require.Len(t, tables, 1, "custom_tools is never described")
	assert.Equal(t, "risk_categories", tables[0].Name)
	assert.Equal(t, []string{"id", "user_id", "name", "weight"}, tables[0].Columns)
	assert.EqualValues(t, 3, tables[0].RecordCount)
}

func TestSQLiteCustomTools(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	tool := &models.CustomTool{
		OwnerID:     "u1",
		Name:        "heavy_categories",
		Description: "Categories above a weight",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"min": map[string]interface{}{"type": "number"}},
		},
		Program: models.ToolProgram{
			Kind:    models.ProgramQuery,
			Table:   "risk_categories",
			Filters: []models.ProgramFilter{{Column: "weight", Operator: models.OpGT, ValueExpr: "args.min"}},
		},
	}
	require.NoError(t, s.CreateCustomTool(ctx, tool))

	var conflict *store.ErrConflict
	assert.ErrorAs(t, s.CreateCustomTool(ctx, &models.CustomTool{OwnerID: "u1", Name: "heavy_categories"}), &conflict)

	got, err := s.GetActiveCustomTool(ctx, "u1", "heavy_categories")
	require.NoError(t, err)
	assert.Equal(t, tool.ID, got.ID)
	assert.Equal(t, "args.min", got.Program.Filters[0].ValueExpr)
	assert.Equal(t, "object", got.Parameters["type"])

	require.NoError(t, s.RecordCustomToolUsage(ctx, "u1", tool.ID, time.Now()))
	got, err = s.GetActiveCustomTool(ctx, "u1", "heavy_categories")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)

	require.NoError(t, s.MarkCustomToolError(ctx, "u1", tool.ID, "bad table"))
	_, err = s.GetActiveCustomTool(ctx, "u1", "heavy_categories")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)

	all, err := s.ListCustomTools(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.CustomToolError, all[0].Status)
	assert.Equal(t, "bad table", all[0].ErrorMessage)

	assert.Error(t, s.RecordCustomToolUsage(ctx, "u2", tool.ID, time.Now()), "other owners cannot touch the tool")
}
