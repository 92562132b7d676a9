package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/registry"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

func TestBuild(t *testing.T) {
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	mem.Insert("risks",
		models.Row{"id": 1.0, "user_id": "u1", "synced_at": "2024-01-01", "title": "A", "risk_category_id": 1.0},
		models.Row{"id": 2.0, "user_id": "u2", "title": "B", "risk_category_id": 1.0},
	)
	mem.Insert("risk_categories", models.Row{"id": 1.0, "user_id": "u1", "name": "Operational"})
	mem.Insert("controls", models.Row{"id": 1.0, "user_id": "u1", "risk_id": 1.0})

	reg, err := registry.New(mem, "").Build(context.Background(), "u1")
	require.NoError(t, err)

	byName := map[string]models.TableSchema{}
	for _, tbl := range reg.Tables {
		byName[tbl.Name] = tbl
	}
	require.Contains(t, byName, "risks")
	assert.EqualValues(t, 1, byName["risks"].RecordCount)
	assert.ElementsMatch(t, []string{"user_id", "synced_at"}, byName["risks"].SystemColumns)
	assert.ElementsMatch(t, []string{"id", "title", "risk_category_id"}, byName["risks"].APIColumns)

	assert.Contains(t, reg.Relationships, models.Relationship{
		FromTable: "risks", FromColumn: "risk_category_id", ToTable: "risk_categories", ToColumn: "id",
		RelationshipType: "many_to_one", Confidence: "known",
	})
	assert.Contains(t, reg.Relationships, models.Relationship{
		FromTable: "controls", FromColumn: "risk_id", ToTable: "risks", ToColumn: "id",
		RelationshipType: "many_to_one", Confidence: "suggested",
	})
}

func TestBuild_NoOwner(t *testing.T) {
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })

	_, err := registry.New(mem, "").Build(context.Background(), "")
	assert.True(t, query.IsAuth(err))
}

func TestDetectRelationships_IgnoresMissingTargets(t *testing.T) {
	rels := registry.DetectRelationships([]models.TableSchema{
		{Name: "entities", Columns: []string{"id", "auditable_entity_type_id", "owner_id", "user_id"}},
	})
	assert.Empty(t, rels)
	assert.NotNil(t, rels)
}
