package query

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// DefaultPageSize is applied when an offset is given without a limit.
const DefaultPageSize = 100

var (
	// storeReadsTotal counts row-store reads by kind (query, aggregate) and status.
	storeReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datachat",
		Subsystem: "query",
		Name:      "reads_total",
		Help:      "Row-store reads by kind and status",
	}, []string{"kind", "status"})

	storeReadSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "datachat",
		Subsystem: "query",
		Name:      "read_seconds",
		Help:      "Row-store read latency",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"kind"})
)

// Executor validates query descriptions and runs them against a RowStore.
type Executor struct {
	rows        store.RowStore
	ownerColumn string
}

type Option func(*Executor)

// WithOwnerColumn overrides the owner column (default "user_id").
func WithOwnerColumn(column string) Option {
	return func(e *Executor) { e.ownerColumn = column }
}

func NewExecutor(rows store.RowStore, opts ...Option) *Executor {
	e := &Executor{rows: rows, ownerColumn: DefaultOwnerColumn}
	for _, o := range opts {
		o(e)
	}
	return e
}

// OwnerColumn returns the column rows are scoped by.
func (e *Executor) OwnerColumn() string { return e.ownerColumn }

// Query runs a validated, owner-scoped read. Every identifier is checked
// before the store is touched; a failing check aborts the whole request.
func (e *Executor) Query(ctx context.Context, owner string, req models.QueryRequest) (*models.QueryResult, error) {
	sel, err := e.planQuery(owner, req)
	if err != nil {
		return nil, err
	}

	rows, err := e.read(ctx, "query", sel)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.Row{}
	}

	filters := req.Filters
	if filters == nil {
		filters = []models.Filter{}
	}
	res := &models.QueryResult{
		Success: true,
		Data:    rows,
		Count:   len(rows),
		Query: models.QueryEcho{
			Table:   req.Table,
			Select:  sel.Columns,
			Filters: filters,
			Sort:    req.Sort,
			Sorted:  req.Sort != nil,
			Limit:   sel.Limit,
			Offset:  sel.Offset,
		},
	}

	log.Debug().
		Str("table", req.Table).
		Int("filters", len(req.Filters)).
		Int("rows", res.Count).
		Msg("Query executed")
	return res, nil
}

func (e *Executor) planQuery(owner string, req models.QueryRequest) (store.Selection, error) {
	if owner == "" {
		return store.Selection{}, &AuthError{Reason: "no owner resolved"}
	}
	if err := CheckShape(req); err != nil {
		return store.Selection{}, err
	}
	if err := ValidateIdentifier("table", req.Table); err != nil {
		return store.Selection{}, err
	}
	columns, err := projection(req.Select)
	if err != nil {
		return store.Selection{}, err
	}
	pred, err := CompileFilters(e.ownerColumn, owner, req.Filters)
	if err != nil {
		return store.Selection{}, err
	}

	sel := store.Selection{
		Table:   req.Table,
		Columns: columns,
		Where:   pred,
		Limit:   req.Limit,
		Offset:  req.Offset,
		Owner:   owner,
	}
	if req.Sort != nil {
		if err := ValidateIdentifier("sort.column", req.Sort.Column); err != nil {
			return store.Selection{}, err
		}
		sel.OrderBy = &store.Order{Column: req.Sort.Column, Desc: req.Sort.Descending()}
	}
	if sel.Offset > 0 && sel.Limit == 0 {
		sel.Limit = DefaultPageSize
	}
	return sel, nil
}

// projection returns nil for "all columns".
func projection(cols []string) ([]string, error) {
	if len(cols) == 0 {
		return nil, nil
	}
	for _, c := range cols {
		if c == "*" {
			return nil, nil
		}
	}
	for _, c := range cols {
		if err := ValidateIdentifier("select", c); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

func (e *Executor) read(ctx context.Context, kind string, sel store.Selection) ([]models.Row, error) {
	start := time.Now()
	rows, err := e.rows.Select(ctx, sel)
	storeReadSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		storeReadsTotal.WithLabelValues(kind, "error").Inc()
		log.Warn().Err(err).Str("table", sel.Table).Str("kind", kind).Msg("Row store read failed")
		return nil, &QueryExecutionError{Table: sel.Table, Err: err}
	}
	storeReadsTotal.WithLabelValues(kind, "ok").Inc()
	return rows, nil
}

// ── Scoped handle ───────────────────────────────────────────

// Scope is a data-access handle bound to one owner. Tool handlers each get
// their own Scope; it holds no state beyond the owner id.
type Scope struct {
	exec  *Executor
	owner string
}

// ForOwner returns a handle whose reads are all scoped to owner.
func (e *Executor) ForOwner(owner string) *Scope {
	return &Scope{exec: e, owner: owner}
}

func (s *Scope) Owner() string { return s.owner }

func (s *Scope) Query(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error) {
	return s.exec.Query(ctx, s.owner, req)
}

func (s *Scope) Aggregate(ctx context.Context, req models.AggregateRequest) (*models.AggregateResult, error) {
	return s.exec.Aggregate(ctx, s.owner, req)
}
