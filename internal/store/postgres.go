package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/pkg/models"
)

// PostgresOptions configures the PostgreSQL store.
type PostgresOptions struct {
	URL      string
	MaxConns int32

	// RowLevelSecurity forwards the owner as request.jwt.claims and switches
	// to the authenticated role for every read, so policies on user tables
	// apply in addition to the owner condition.
	RowLevelSecurity bool
}

// PostgresStore implements Store on a pgx connection pool.
//
// Queries run in simple-protocol mode: bound values travel as untyped
// literals, so the server coerces them to each column's type the same way a
// PostgREST-style filter would ("17" against an integer column, "2024-01-01"
// against a date).
type PostgresStore struct {
	pool *pgxpool.Pool
	rls  bool
	customToolSQL
}

var postgresDialect = dialect{
	name:        "postgres",
	quote:       func(ident string) string { return pgx.Identifier{ident}.Sanitize() },
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	ilike: func(column, param string) string {
		return fmt.Sprintf("CAST(%s AS TEXT) ILIKE %s", column, param)
	},
	bind: bindLiteral,
}

// bindLiteral turns JSON scalars into their literal text so the server
// infers the type from the column.
func bindLiteral(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	}
	return stringify(v)
}

// NewPostgresStore connects, pings and returns a PostgreSQL-backed store.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres URL: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, rls: opts.RowLevelSecurity}
	s.customToolSQL = customToolSQL{d: postgresDialect, be: s}

	log.Info().
		Int32("max_conns", poolCfg.MaxConns).
		Bool("rls", opts.RowLevelSecurity).
		Msg("PostgreSQL store connected")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, customToolsDDL); err != nil {
		return fmt.Errorf("migrate custom_tools: %w", err)
	}
	return nil
}

// ── Row Store ───────────────────────────────────────────────

func (s *PostgresStore) Select(ctx context.Context, sel Selection) ([]models.Row, error) {
	q, args, err := buildSelect(postgresDialect, sel)
	if err != nil {
		return nil, err
	}
	if !s.rls {
		return s.queryRows(ctx, q, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	claims, err := json.Marshal(map[string]string{"sub": sel.Owner, "role": "authenticated"})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		"SELECT set_config('request.jwt.claims', $1, true), set_config('role', 'authenticated', true)",
		string(claims)); err != nil {
		return nil, fmt.Errorf("set request claims: %w", err)
	}

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	return out, tx.Commit(ctx)
}

func (s *PostgresStore) queryRows(ctx context.Context, query string, args ...interface{}) ([]models.Row, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectRows(rows pgx.Rows) ([]models.Row, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []models.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(models.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = normalizePGValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizePGValue maps pgx's decoded types onto JSON-friendly values.
func normalizePGValue(v interface{}) interface{} {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int32:
		return int64(t)
	case int16:
		return int64(t)
	case float32:
		return float64(t)
	}
	return v
}

// ── Schema Store ────────────────────────────────────────────

func (s *PostgresStore) DescribeTables(ctx context.Context, owner Condition) ([]models.TableSchema, error) {
	rows, err := s.queryRows(ctx, `SELECT table_name, column_name FROM information_schema.columns
		WHERE table_schema = current_schema() ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	return describeFromColumns(ctx, postgresDialect, s, rows, owner)
}

// describeFromColumns groups (table_name, column_name) rows and counts owner
// rows for every table that carries the owner column.
func describeFromColumns(ctx context.Context, d dialect, be sqlBackend, columns []models.Row, owner Condition) ([]models.TableSchema, error) {
	var order []string
	byTable := make(map[string][]string)
	for _, r := range columns {
		table, _ := r["table_name"].(string)
		col, _ := r["column_name"].(string)
		if table == "" || table == CustomToolsTable {
			continue
		}
		if _, seen := byTable[table]; !seen {
			order = append(order, table)
		}
		byTable[table] = append(byTable[table], col)
	}

	var out []models.TableSchema
	for _, table := range order {
		cols := byTable[table]
		if !contains(cols, owner.Column) {
			continue
		}
		q, args, err := buildCount(d, table, owner)
		if err != nil {
			return nil, err
		}
		res, err := be.queryRows(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		var count int64
		if len(res) == 1 {
			for _, v := range res[0] {
				count, _ = toInt64(v)
			}
		}
		out = append(out, models.TableSchema{Name: table, Columns: cols, RecordCount: count})
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toInt64(v interface{}) (int64, bool) {
	f, ok := toNumber(v)
	return int64(f), ok
}
