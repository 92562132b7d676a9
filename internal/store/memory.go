package store

// In-memory Store implementation, used when no database is configured
// (local dev, tests). An optional snapshot file keeps rows and custom tools
// across restarts.

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/agentoven/datachat/pkg/models"
)

// snapshot is the serializable shape read from and written to disk.
type snapshot struct {
	Tables      map[string][]models.Row `json:"tables" yaml:"tables"`
	CustomTools []*models.CustomTool    `json:"custom_tools" yaml:"custom_tools"`
}

// MemoryStore implements Store with in-memory maps. Rows keep insertion order.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]models.Row
	tools  map[string]*models.CustomTool // key: owner:name

	// Persistence
	snapshotPath string        // empty = no persistence
	writable     bool          // only JSON snapshots are written back
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store. When snapshotPath is set the
// store is seeded from it (JSON or YAML). JSON snapshots are also written back
// when custom tools change.
func NewMemoryStore(snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		tables:       make(map[string][]models.Row),
		tools:        make(map[string]*models.CustomTool),
		snapshotPath: snapshotPath,
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}

	if m.snapshotPath != "" {
		m.writable = strings.EqualFold(filepath.Ext(snapshotPath), ".json")
		m.loadSnapshot()
	}
	if m.writable {
		go m.saveLoop()
	}

	log.Info().
		Int("tables", len(m.tables)).
		Int("custom_tools", len(m.tools)).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// Insert appends rows to a table, creating it on first use. Rows are copied.
func (m *MemoryStore) Insert(table string, rows ...models.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], copyRow(r))
	}
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if !m.writable {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{Tables: m.tables}
	for _, t := range m.tools {
		snap.CustomTools = append(snap.CustomTools, t)
	}
	sort.Slice(snap.CustomTools, func(i, j int) bool { return snap.CustomTools[i].ID < snap.CustomTools[j].ID })
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if m.writable {
		err = json.Unmarshal(data, &snap)
	} else {
		err = yaml.Unmarshal(data, &snap)
	}
	if err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rows := 0
	for name, tableRows := range snap.Tables {
		m.tables[name] = tableRows
		rows += len(tableRows)
	}
	for _, t := range snap.CustomTools {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Status == "" {
			t.Status = models.CustomToolActive
		}
		m.tools[key(t.OwnerID, t.Name)] = t
	}

	log.Info().
		Int("tables", len(m.tables)).
		Int("rows", rows).
		Int("custom_tools", len(m.tools)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.writable {
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

func copyRow(r models.Row) models.Row {
	out := make(models.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ── Row Store ───────────────────────────────────────────────

func (m *MemoryStore) Select(ctx context.Context, sel Selection) ([]models.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	match, err := newMatcher(sel.Where)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	rows, ok := m.tables[sel.Table]
	if !ok || sel.Table == CustomToolsTable {
		m.mu.RUnlock()
		return nil, &ErrNotFound{Entity: "table", Key: sel.Table}
	}
	var matched []models.Row
	for _, r := range rows {
		if match.match(r) {
			matched = append(matched, r)
		}
	}
	m.mu.RUnlock()

	if sel.OrderBy != nil {
		sort.SliceStable(matched, func(i, j int) bool {
			return lessRows(matched[i], matched[j], sel.OrderBy)
		})
	}

	if sel.Offset > 0 {
		if sel.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[sel.Offset:]
		}
	}
	if sel.Limit > 0 && len(matched) > sel.Limit {
		matched = matched[:sel.Limit]
	}

	out := make([]models.Row, 0, len(matched))
	for _, r := range matched {
		out = append(out, project(r, sel.Columns))
	}
	return out, nil
}

func project(r models.Row, columns []string) models.Row {
	if len(columns) == 0 {
		return copyRow(r)
	}
	out := make(models.Row, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// ── Schema Store ────────────────────────────────────────────

func (m *MemoryStore) DescribeTables(_ context.Context, owner Condition) ([]models.TableSchema, error) {
	match, err := newMatcher([]Condition{owner})
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.TableSchema
	for name, rows := range m.tables {
		seen := make(map[string]bool)
		var count int64
		for _, r := range rows {
			for c := range r {
				seen[c] = true
			}
			if match.match(r) {
				count++
			}
		}
		if !seen[owner.Column] {
			continue
		}
		cols := make([]string, 0, len(seen))
		for c := range seen {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		out = append(out, models.TableSchema{Name: name, Columns: cols, RecordCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── Custom Tool Store ───────────────────────────────────────

func (m *MemoryStore) ListCustomTools(_ context.Context, ownerID string, activeOnly bool) ([]models.CustomTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.CustomTool
	for _, t := range m.tools {
		if t.OwnerID != ownerID {
			continue
		}
		if activeOnly && t.Status != models.CustomToolActive {
			continue
		}
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) GetActiveCustomTool(_ context.Context, ownerID, name string) (*models.CustomTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[key(ownerID, name)]
	if !ok || t.Status != models.CustomToolActive {
		return nil, &ErrNotFound{Entity: "custom tool", Key: name}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateCustomTool(_ context.Context, tool *models.CustomTool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(tool.OwnerID, tool.Name)
	if _, exists := m.tools[k]; exists {
		return &ErrConflict{Entity: "custom tool", Key: tool.Name}
	}
	now := time.Now().UTC()
	if tool.ID == "" {
		tool.ID = uuid.New().String()
	}
	if tool.Status == "" {
		tool.Status = models.CustomToolActive
	}
	tool.CreatedAt = now
	tool.UpdatedAt = now
	cp := *tool
	m.tools[k] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) findTool(ownerID, id string) (*models.CustomTool, error) {
	for _, t := range m.tools {
		if t.OwnerID == ownerID && t.ID == id {
			return t, nil
		}
	}
	return nil, &ErrNotFound{Entity: "custom tool", Key: id}
}

func (m *MemoryStore) RecordCustomToolUsage(_ context.Context, ownerID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.findTool(ownerID, id)
	if err != nil {
		return err
	}
	used := at.UTC()
	t.UsageCount++
	t.LastUsedAt = &used
	t.UpdatedAt = used
	m.requestSave()
	return nil
}

func (m *MemoryStore) MarkCustomToolError(_ context.Context, ownerID, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.findTool(ownerID, id)
	if err != nil {
		return err
	}
	t.Status = models.CustomToolError
	t.ErrorMessage = message
	t.UpdatedAt = time.Now().UTC()
	m.requestSave()
	return nil
}

// String is used in log lines.
func (m *MemoryStore) String() string {
	return fmt.Sprintf("memory(%d tables)", len(m.tables))
}
