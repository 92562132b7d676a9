package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/agentoven/datachat/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. It suits
// single-user deployments and integration tests that need real SQL.
type SQLiteStore struct {
	db *sql.DB
	customToolSQL
}

var sqliteDialect = dialect{
	name: "sqlite",
	quote: func(ident string) string {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	},
	placeholder: func(int) string { return "?" },
	ilike: func(column, param string) string {
		return fmt.Sprintf(`lower(CAST(%s AS TEXT)) LIKE lower(%s) ESCAPE '\'`, column, param)
	},
	bind: func(v interface{}) interface{} { return v },
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite busy_timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.customToolSQL = customToolSQL{d: sqliteDialect, be: s}
	log.Info().Str("path", path).Msg("SQLite store opened")
	return s, nil
}

// DB exposes the underlying handle for seeding user tables.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, customToolsDDL); err != nil {
		return fmt.Errorf("migrate custom_tools: %w", err)
	}
	return nil
}

// ── Row Store ───────────────────────────────────────────────

func (s *SQLiteStore) Select(ctx context.Context, sel Selection) ([]models.Row, error) {
	q, args, err := buildSelect(sqliteDialect, sel)
	if err != nil {
		return nil, err
	}
	return s.queryRows(ctx, q, args...)
}

func (s *SQLiteStore) queryRows(ctx context.Context, query string, args ...interface{}) ([]models.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []models.Row
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(models.Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ── Schema Store ────────────────────────────────────────────

func (s *SQLiteStore) DescribeTables(ctx context.Context, owner Condition) ([]models.TableSchema, error) {
	rows, err := s.queryRows(ctx, `SELECT m.name AS table_name, p.name AS column_name
		FROM sqlite_master m JOIN pragma_table_info(m.name) p
		WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
		ORDER BY m.name, p.cid`)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	return describeFromColumns(ctx, sqliteDialect, s, rows, owner)
}
