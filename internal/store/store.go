// Package store provides the row-store interface and its implementations.
// The in-memory store backs tests and local development; PostgreSQL and
// SQLite back real deployments.
package store

import (
	"context"
	"time"

	"github.com/agentoven/datachat/pkg/models"
)

// Store is the primary storage interface.
// All query code depends on this interface, making it easy to swap
// between in-memory (tests) and SQL (production) implementations.
type Store interface {
	RowStore
	SchemaStore
	CustomToolStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the tables the service itself owns (custom_tools).
	Migrate(ctx context.Context) error
}

// ── Row Store ───────────────────────────────────────────────

// CompareOp is a native comparison primitive of the store.
type CompareOp string

const (
	CmpEq    CompareOp = "eq"
	CmpNeq   CompareOp = "neq"
	CmpILike CompareOp = "ilike"
	CmpGT    CompareOp = "gt"
	CmpGTE   CompareOp = "gte"
	CmpLT    CompareOp = "lt"
	CmpLTE   CompareOp = "lte"
	CmpIn    CompareOp = "in"

	// CmpOwner is exact textual equality, used for the owner condition.
	// Unlike CmpEq it never coerces, so "01" does not match "1".
	CmpOwner CompareOp = "owner"
)

// Condition is a single bound predicate. Column must already be a validated
// identifier; Value is always passed to the backend as a bound parameter.
// For CmpILike, Value is a LIKE pattern using backslash as the escape
// character. For CmpIn, Value is a []interface{}.
type Condition struct {
	Column string
	Op     CompareOp
	Value  interface{}
}

// Order sorts by one column. NULLs sort last ascending and first descending.
type Order struct {
	Column string
	Desc   bool
}

// Selection is a validated single-table read. Where conditions are ANDed.
type Selection struct {
	Table   string
	Columns []string // empty = all columns
	Where   []Condition
	OrderBy *Order
	Limit   int // 0 = unbounded
	Offset  int

	// Owner is the principal the read runs on behalf of. Backends with
	// row-level security forward it as request claims; filtering by owner is
	// always carried in Where as well.
	Owner string
}

type RowStore interface {
	Select(ctx context.Context, sel Selection) ([]models.Row, error)
}

// ── Schema Store ────────────────────────────────────────────

// SchemaStore lists tables that carry the owner column, with the columns
// observed and the number of rows matching the owner condition.
type SchemaStore interface {
	DescribeTables(ctx context.Context, owner Condition) ([]models.TableSchema, error)
}

// ── Custom Tool Store ───────────────────────────────────────

type CustomToolStore interface {
	ListCustomTools(ctx context.Context, ownerID string, activeOnly bool) ([]models.CustomTool, error)
	GetActiveCustomTool(ctx context.Context, ownerID, name string) (*models.CustomTool, error)
	CreateCustomTool(ctx context.Context, tool *models.CustomTool) error
	RecordCustomToolUsage(ctx context.Context, ownerID, id string, at time.Time) error
	MarkCustomToolError(ctx context.Context, ownerID, id, message string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when creating an entity whose key already exists.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// CustomToolsTable is the table the service itself owns. It is never
// offered to the model as queryable data.
const CustomToolsTable = "custom_tools"
