package query_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// spyStore records every selection it receives.
type spyStore struct {
	mu    sync.Mutex
	calls []store.Selection
	rows  []models.Row
	err   error
}

func (s *spyStore) Select(_ context.Context, sel store.Selection) ([]models.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sel)
	return s.rows, s.err
}

func (s *spyStore) last(t *testing.T) store.Selection {
	t.Helper()
	if len(s.calls) == 0 {
		t.Fatal("store was never called")
	}
	return s.calls[len(s.calls)-1]
}

// ─── Identifier Validator ────────────────────────────────────

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"assessments", true},
		{"_private", true},
		{"risk_category_id", true},
		{"t2", true},
		{"", false},
		{"Users", false},
		{"2fast", false},
		{"entity-types", false},
		{"name; drop table x", false},
		{"a.b", false},
		{`"quoted"`, false},
		{"café", false},
		{"*", false},
	}
	for _, tt := range tests {
		if got := query.IsValidIdentifier(tt.in); got != tt.want {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ─── Query Executor ──────────────────────────────────────────

func TestQuery_InvalidIdentifierNeverReachesStore(t *testing.T) {
	cases := map[string]models.QueryRequest{
		"table":  {Table: "Assessments"},
		"select": {Table: "assessments", Select: []string{"id", "name)--"}},
		"filter": {Table: "assessments", Filters: []models.Filter{{Column: "status or 1=1", Operator: models.OpEquals, Value: "x"}}},
		"sort":   {Table: "assessments", Sort: &models.Sort{Column: "created at", Direction: models.SortAsc}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			spy := &spyStore{}
			exec := query.NewExecutor(spy)

			_, err := exec.Query(context.Background(), "u1", req)
			if !query.IsValidation(err) {
				t.Fatalf("Query() error = %v, want validation error", err)
			}
			if len(spy.calls) != 0 {
				t.Errorf("store calls = %d, want 0", len(spy.calls))
			}
		})
	}
}

func TestQuery_OwnerConditionAlwaysPresent(t *testing.T) {
	spy := &spyStore{}
	exec := query.NewExecutor(spy)
	ctx := context.Background()

	if _, err := exec.Query(ctx, "u1", models.QueryRequest{Table: "entities"}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	sel := spy.last(t)
	if len(sel.Where) != 1 {
		t.Fatalf("len(Where) = %d, want 1", len(sel.Where))
	}
	want := store.Condition{Column: "user_id", Op: store.CmpOwner, Value: "u1"}
	if sel.Where[0] != want {
		t.Errorf("Where[0] = %+v, want %+v", sel.Where[0], want)
	}

	// A caller-supplied owner filter is ANDed, never a replacement.
	req := models.QueryRequest{
		Table:   "entities",
		Filters: []models.Filter{{Column: "user_id", Operator: models.OpEquals, Value: "someone-else"}},
	}
	if _, err := exec.Query(ctx, "u1", req); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	sel = spy.last(t)
	if sel.Where[0] != want {
		t.Errorf("Where[0] = %+v, want %+v", sel.Where[0], want)
	}
	if len(sel.Where) != 2 {
		t.Errorf("len(Where) = %d, want 2", len(sel.Where))
	}
	if sel.Owner != "u1" {
		t.Errorf("Owner = %q, want %q", sel.Owner, "u1")
	}
}

func TestQuery_OffsetWithoutLimitUsesDefaultPage(t *testing.T) {
	spy := &spyStore{}
	exec := query.NewExecutor(spy)

	res, err := exec.Query(context.Background(), "u1", models.QueryRequest{Table: "risks", Offset: 200})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	sel := spy.last(t)
	if sel.Limit != query.DefaultPageSize || sel.Offset != 200 {
		t.Errorf("Limit/Offset = %d/%d, want %d/200", sel.Limit, sel.Offset, query.DefaultPageSize)
	}
	if res.Query.Limit != query.DefaultPageSize {
		t.Errorf("echo Limit = %d, want %d", res.Query.Limit, query.DefaultPageSize)
	}
}

func TestQuery_SortAndProjection(t *testing.T) {
	spy := &spyStore{}
	exec := query.NewExecutor(spy)

	req := models.QueryRequest{
		Table:  "risks",
		Select: []string{"id", "name"},
		Sort:   &models.Sort{Column: "name", Order: models.SortDesc},
		Limit:  5,
	}
	res, err := exec.Query(context.Background(), "u1", req)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	sel := spy.last(t)
	if sel.OrderBy == nil || sel.OrderBy.Column != "name" || !sel.OrderBy.Desc {
		t.Errorf("OrderBy = %+v, want name desc", sel.OrderBy)
	}
	if len(sel.Columns) != 2 {
		t.Errorf("Columns = %v, want [id name]", sel.Columns)
	}
	if !res.Query.Sorted {
		t.Error("echo Sorted = false, want true")
	}

	if _, err := exec.Query(context.Background(), "u1", models.QueryRequest{Table: "risks", Select: []string{"*"}}); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if cols := spy.last(t).Columns; cols != nil {
		t.Errorf("Columns = %v, want nil for *", cols)
	}
}

func TestQuery_UnsupportedOperator(t *testing.T) {
	spy := &spyStore{}
	exec := query.NewExecutor(spy)

	req := models.QueryRequest{
		Table:   "risks",
		Filters: []models.Filter{{Column: "name", Operator: "regex", Value: ".*"}},
	}
	_, err := exec.Query(context.Background(), "u1", req)
	var opErr *query.UnsupportedOperatorError
	if !errors.As(err, &opErr) {
		t.Fatalf("Query() error = %v, want UnsupportedOperatorError", err)
	}
	if opErr.Operator != "regex" {
		t.Errorf("Operator = %q, want %q", opErr.Operator, "regex")
	}
	if len(spy.calls) != 0 {
		t.Errorf("store calls = %d, want 0", len(spy.calls))
	}
}

func TestCompileFilters_Operators(t *testing.T) {
	filters := []models.Filter{
		{Column: "status", Operator: models.OpEquals, Value: "Active"},
		{Column: "status", Operator: models.OpNotEquals, Value: "Closed"},
		{Column: "name", Operator: models.OpContains, Value: "50%_off"},
		{Column: "score", Operator: models.OpGT, Value: 1.0},
		{Column: "score", Operator: models.OpGTE, Value: 2.0},
		{Column: "score", Operator: models.OpLT, Value: 3.0},
		{Column: "score", Operator: models.OpLTE, Value: 4.0},
		{Column: "id", Operator: models.OpIn, Value: []interface{}{1.0, 2.0}},
	}
	pred, err := query.CompileFilters("user_id", "u1", filters)
	if err != nil {
		t.Fatalf("CompileFilters() error = %v", err)
	}
	wantOps := []store.CompareOp{
		store.CmpEq, store.CmpEq, store.CmpNeq, store.CmpILike,
		store.CmpGT, store.CmpGTE, store.CmpLT, store.CmpLTE, store.CmpIn,
	}
	if len(pred) != len(wantOps) {
		t.Fatalf("len(pred) = %d, want %d", len(pred), len(wantOps))
	}
	for i, op := range wantOps {
		if pred[i].Op != op {
			t.Errorf("pred[%d].Op = %q, want %q", i, pred[i].Op, op)
		}
	}
	if got, want := pred[3].Value, `%50\%\_off%`; got != want {
		t.Errorf("contains pattern = %v, want %v", got, want)
	}
}

func TestCompileFilters_InvalidValues(t *testing.T) {
	cases := map[string]models.Filter{
		"in empty":       {Column: "id", Operator: models.OpIn, Value: []interface{}{}},
		"in scalar":      {Column: "id", Operator: models.OpIn, Value: 3.0},
		"equals nil":     {Column: "id", Operator: models.OpEquals},
		"equals object":  {Column: "id", Operator: models.OpEquals, Value: map[string]interface{}{"a": 1}},
		"contains array": {Column: "id", Operator: models.OpContains, Value: []interface{}{"x"}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := query.CompileFilters("user_id", "u1", []models.Filter{f})
			if !query.IsValidation(err) {
				t.Errorf("CompileFilters() error = %v, want validation error", err)
			}
		})
	}
}

func TestQuery_NoOwnerIsAuthError(t *testing.T) {
	spy := &spyStore{}
	exec := query.NewExecutor(spy)

	_, err := exec.Query(context.Background(), "", models.QueryRequest{Table: "risks"})
	if !query.IsAuth(err) {
		t.Fatalf("Query() error = %v, want AuthError", err)
	}
	_, err = exec.Aggregate(context.Background(), "", models.AggregateRequest{
		Table:       "risks",
		Aggregation: models.Aggregation{Type: models.AggCount, Column: "id"},
	})
	if !query.IsAuth(err) {
		t.Fatalf("Aggregate() error = %v, want AuthError", err)
	}
	if len(spy.calls) != 0 {
		t.Errorf("store calls = %d, want 0", len(spy.calls))
	}
}

func TestQuery_StoreFailureIsExecutionError(t *testing.T) {
	spy := &spyStore{err: errors.New("connection reset")}
	exec := query.NewExecutor(spy)

	_, err := exec.Query(context.Background(), "u1", models.QueryRequest{Table: "risks"})
	var qe *query.QueryExecutionError
	if !errors.As(err, &qe) {
		t.Fatalf("Query() error = %v, want QueryExecutionError", err)
	}
	if qe.Table != "risks" {
		t.Errorf("Table = %q, want %q", qe.Table, "risks")
	}
	if !errors.Is(err, spy.err) {
		t.Error("QueryExecutionError does not unwrap to the store error")
	}
}

func TestQuery_EndToEndOwnerIsolation(t *testing.T) {
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	mem.Insert("assessments",
		models.Row{"id": 1.0, "user_id": "U", "status": "Active"},
		models.Row{"id": 2.0, "user_id": "U", "status": "Closed"},
		models.Row{"id": 3.0, "user_id": "V", "status": "Active"},
		models.Row{"id": 4.0, "user_id": "U", "status": "Active"},
	)
	exec := query.NewExecutor(mem)

	res, err := exec.Query(context.Background(), "U", models.QueryRequest{
		Table:   "assessments",
		Filters: []models.Filter{{Column: "status", Operator: models.OpEquals, Value: "Active"}},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("Count = %d, want 2", res.Count)
	}
	for _, r := range res.Data {
		if r["user_id"] != "U" || r["status"] != "Active" {
			t.Errorf("unexpected row %v", r)
		}
	}
	if len(res.Query.Filters) != 1 {
		t.Errorf("echo filters = %d, want 1", len(res.Query.Filters))
	}
}

func TestQuery_NumericLookingOwnersDoNotCollide(t *testing.T) {
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	mem.Insert("assessments", models.Row{"id": 1.0, "user_id": "1", "status": "Active"})
	exec := query.NewExecutor(mem)

	for _, other := range []string{"01", "1.0", " 1", "+1"} {
		res, err := exec.Query(context.Background(), other, models.QueryRequest{Table: "assessments"})
		if err != nil {
			t.Fatalf("Query(%q) error = %v", other, err)
		}
		if res.Count != 0 {
			t.Errorf("owner %q sees %d rows of owner \"1\", want 0", other, res.Count)
		}
	}

	res, err := exec.Query(context.Background(), "1", models.QueryRequest{Table: "assessments"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if res.Count != 1 {
		t.Errorf("owner \"1\" Count = %d, want 1", res.Count)
	}
}
