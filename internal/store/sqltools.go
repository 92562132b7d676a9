package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"

	"github.com/agentoven/datachat/pkg/models"
)

// sqlBackend is the minimal surface the shared SQL code needs from a driver.
type sqlBackend interface {
	queryRows(ctx context.Context, query string, args ...interface{}) ([]models.Row, error)
	exec(ctx context.Context, query string, args ...interface{}) (int64, error)
}

const customToolsDDL = `
CREATE TABLE IF NOT EXISTS custom_tools (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	name          TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	parameters    TEXT NOT NULL DEFAULT '{}',
	definition    TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'active',
	error_message TEXT NOT NULL DEFAULT '',
	usage_count   INTEGER NOT NULL DEFAULT 0,
	last_used_at  TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	UNIQUE (user_id, name)
)`

const customToolColumns = `id, user_id, name, display_name, description, parameters, definition,
	status, error_message, usage_count, last_used_at, created_at, updated_at`

// customToolSQL implements CustomToolStore for any dialect.
type customToolSQL struct {
	d  dialect
	be sqlBackend
}

func (s customToolSQL) ph(n int) string { return s.d.placeholder(n) }

func (s customToolSQL) ListCustomTools(ctx context.Context, ownerID string, activeOnly bool) ([]models.CustomTool, error) {
	q := fmt.Sprintf("SELECT %s FROM custom_tools WHERE user_id = %s", customToolColumns, s.ph(1))
	args := []interface{}{ownerID}
	if activeOnly {
		q += " AND status = " + s.ph(2)
		args = append(args, string(models.CustomToolActive))
	}
	q += " ORDER BY name"

	rows, err := s.be.queryRows(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list custom tools: %w", err)
	}
	out := make([]models.CustomTool, 0, len(rows))
	for _, r := range rows {
		t, err := rowToCustomTool(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s customToolSQL) GetActiveCustomTool(ctx context.Context, ownerID, name string) (*models.CustomTool, error) {
	q := fmt.Sprintf("SELECT %s FROM custom_tools WHERE user_id = %s AND name = %s AND status = %s",
		customToolColumns, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.be.queryRows(ctx, q, ownerID, name, string(models.CustomToolActive))
	if err != nil {
		return nil, fmt.Errorf("get custom tool: %w", err)
	}
	if len(rows) == 0 {
		return nil, &ErrNotFound{Entity: "custom tool", Key: name}
	}
	return rowToCustomTool(rows[0])
}

func (s customToolSQL) CreateCustomTool(ctx context.Context, tool *models.CustomTool) error {
	existing, err := s.be.queryRows(ctx,
		fmt.Sprintf("SELECT id FROM custom_tools WHERE user_id = %s AND name = %s", s.ph(1), s.ph(2)),
		tool.OwnerID, tool.Name)
	if err != nil {
		return fmt.Errorf("create custom tool: %w", err)
	}
	if len(existing) > 0 {
		return &ErrConflict{Entity: "custom tool", Key: tool.Name}
	}

	params, err := json.Marshal(tool.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	def, err := json.Marshal(tool.Program)
	if err != nil {
		return fmt.Errorf("encode definition: %w", err)
	}
	now := time.Now().UTC()
	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	if tool.Status == "" {
		tool.Status = models.CustomToolActive
	}
	tool.CreatedAt, tool.UpdatedAt = now, now

	q := fmt.Sprintf(`INSERT INTO custom_tools
		(id, user_id, name, display_name, description, parameters, definition, status, error_message, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
	_, err = s.be.exec(ctx, q,
		tool.ID, tool.OwnerID, tool.Name, tool.DisplayName, tool.Description,
		string(params), string(def), string(tool.Status), tool.ErrorMessage,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert custom tool: %w", err)
	}
	return nil
}

func (s customToolSQL) RecordCustomToolUsage(ctx context.Context, ownerID, id string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	q := fmt.Sprintf(`UPDATE custom_tools SET usage_count = usage_count + 1, last_used_at = %s, updated_at = %s
		WHERE user_id = %s AND id = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	n, err := s.be.exec(ctx, q, ts, ts, ownerID, id)
	if err != nil {
		return fmt.Errorf("record custom tool usage: %w", err)
	}
	if n == 0 {
		return &ErrNotFound{Entity: "custom tool", Key: id}
	}
	return nil
}

func (s customToolSQL) MarkCustomToolError(ctx context.Context, ownerID, id, message string) error {
	q := fmt.Sprintf(`UPDATE custom_tools SET status = %s, error_message = %s, updated_at = %s
		WHERE user_id = %s AND id = %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	n, err := s.be.exec(ctx, q, string(models.CustomToolError), message,
		time.Now().UTC().Format(time.RFC3339Nano), ownerID, id)
	if err != nil {
		return fmt.Errorf("mark custom tool error: %w", err)
	}
	if n == 0 {
		return &ErrNotFound{Entity: "custom tool", Key: id}
	}
	return nil
}

func rowToCustomTool(r models.Row) (*models.CustomTool, error) {
	t := &models.CustomTool{
		ID:           cast.ToString(r["id"]),
		OwnerID:      cast.ToString(r["user_id"]),
		Name:         cast.ToString(r["name"]),
		DisplayName:  cast.ToString(r["display_name"]),
		Description:  cast.ToString(r["description"]),
		Status:       models.CustomToolStatus(cast.ToString(r["status"])),
		ErrorMessage: cast.ToString(r["error_message"]),
		UsageCount:   cast.ToInt(r["usage_count"]),
		CreatedAt:    parseTime(r["created_at"]),
		UpdatedAt:    parseTime(r["updated_at"]),
	}
	if r["last_used_at"] != nil {
		used := parseTime(r["last_used_at"])
		t.LastUsedAt = &used
	}
	if raw := cast.ToString(r["parameters"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of %s: %w", t.Name, err)
		}
	}
	if raw := cast.ToString(r["definition"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Program); err != nil {
			return nil, fmt.Errorf("decode definition of %s: %w", t.Name, err)
		}
	}
	return t, nil
}

func parseTime(v interface{}) time.Time {
	if ts, ok := v.(time.Time); ok {
		return ts
	}
	ts, _ := time.Parse(time.RFC3339Nano, cast.ToString(v))
	return ts
}
