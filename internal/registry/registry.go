// Package registry builds the advisory schema description handed to the
// model: which tables the owner has, their columns, and relationships
// guessed from *_id naming. Nothing here is used to validate queries.
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// SystemColumns are maintained by the ingestion pipeline, not the source API.
var SystemColumns = []string{"record_id", "user_id", "source_endpoint_id", "synced_at", "record_updated_at"}

// KnownRelationships are the domain links the relationship tools rely on.
var KnownRelationships = []models.Relationship{
	{FromTable: "assessments", FromColumn: "assessment_period_id", ToTable: "assessment_periods", ToColumn: "id", RelationshipType: "many_to_one", Confidence: "known"},
	{FromTable: "entities", FromColumn: "auditable_entity_type_id", ToTable: "entity_types", ToColumn: "id", RelationshipType: "many_to_one", Confidence: "known"},
	{FromTable: "entity_risks", FromColumn: "entity_id", ToTable: "entities", ToColumn: "id", RelationshipType: "many_to_one", Confidence: "known"},
	{FromTable: "entity_risks", FromColumn: "risk_id", ToTable: "risks", ToColumn: "id", RelationshipType: "many_to_one", Confidence: "known"},
	{FromTable: "risks", FromColumn: "risk_category_id", ToTable: "risk_categories", ToColumn: "id", RelationshipType: "many_to_one", Confidence: "known"},
}

// Registry describes the tables visible to an owner.
type Registry struct {
	schemas     store.SchemaStore
	ownerColumn string
	now         func() time.Time
}

func New(schemas store.SchemaStore, ownerColumn string) *Registry {
	if ownerColumn == "" {
		ownerColumn = query.DefaultOwnerColumn
	}
	return &Registry{schemas: schemas, ownerColumn: ownerColumn, now: time.Now}
}

// Build describes the owner's tables and the relationships between them.
func (r *Registry) Build(ctx context.Context, owner string) (*models.SchemaRegistry, error) {
	if owner == "" {
		return nil, &query.AuthError{Reason: "no owner resolved"}
	}
	tables, err := r.schemas.DescribeTables(ctx, store.Condition{Column: r.ownerColumn, Op: store.CmpOwner, Value: owner})
	if err != nil {
		return nil, &query.QueryExecutionError{Table: "schema", Err: err}
	}

	out := make([]models.TableSchema, 0, len(tables))
	for _, t := range tables {
		if t.Name == store.CustomToolsTable {
			continue
		}
		t.SystemColumns, t.APIColumns = splitColumns(t.Columns)
		out = append(out, t)
	}

	reg := &models.SchemaRegistry{
		Tables:        out,
		Relationships: DetectRelationships(out),
		GeneratedAt:   r.now().UTC(),
	}
	log.Debug().Str("owner", owner).Int("tables", len(out)).Msg("Schema registry built")
	return reg, nil
}

func splitColumns(cols []string) (system, api []string) {
	for _, c := range cols {
		if isSystemColumn(c) {
			system = append(system, c)
		} else {
			api = append(api, c)
		}
	}
	return system, api
}

func isSystemColumn(c string) bool {
	for _, s := range SystemColumns {
		if c == s {
			return true
		}
	}
	return false
}

// DetectRelationships returns the known relationships whose tables are
// present, followed by suggestions inferred from <x>_id columns that point
// at a present <x>s table.
func DetectRelationships(tables []models.TableSchema) []models.Relationship {
	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t.Name] = true
	}

	var out []models.Relationship
	seen := make(map[string]bool)
	for _, rel := range KnownRelationships {
		if present[rel.FromTable] && present[rel.ToTable] {
			out = append(out, rel)
			seen[rel.FromTable+"."+rel.FromColumn] = true
		}
	}

	for _, t := range tables {
		for _, c := range t.Columns {
			if !strings.HasSuffix(c, "_id") || isSystemColumn(c) || seen[t.Name+"."+c] {
				continue
			}
			target := strings.TrimSuffix(c, "_id") + "s"
			if !present[target] || target == t.Name {
				continue
			}
			out = append(out, models.Relationship{
				FromTable:        t.Name,
				FromColumn:       c,
				ToTable:          target,
				ToColumn:         "id",
				RelationshipType: "many_to_one",
				Confidence:       "suggested",
			})
		}
	}
	if out == nil {
		out = []models.Relationship{}
	}
	return out
}
