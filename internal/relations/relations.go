// Package relations implements the pre-scripted lookups that stand in for
// foreign-key joins. User tables carry no real foreign keys, only *_id naming
// conventions, so each lookup resolves a human name to ids in one table and
// then filters a second table by those ids, gluing the results in memory.
// Every hop is an ordinary owner-scoped query.
package relations

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/agentoven/datachat/pkg/models"
)

// DefaultLimit caps the dependent-table rows returned when the caller gives none.
const DefaultLimit = 100

// Querier runs one validated, owner-scoped query. *query.Scope satisfies it.
type Querier interface {
	Query(ctx context.Context, req models.QueryRequest) (*models.QueryResult, error)
}

// Lookup names a table whose rows are resolved by a human-readable name.
type Lookup struct {
	Table      string
	NameColumn string
	Label      string // used in "not found" messages
	Key        string // filters_applied key
}

// Schema holds the table and column names the lookups use.
type Schema struct {
	EntityTypes       Lookup
	RiskCategories    Lookup
	AssessmentPeriods Lookup

	Entities           string
	EntityTypeColumn   string
	Risks              string
	RiskCategoryColumn string
	Assessments        string
	AssessmentPeriod   string
	AssessmentType     string
	EntityRisks        string
	EntityRiskEntity   string
	EntityRiskRisk     string
	EntityRiskStatus   string
}

// DefaultSchema matches the audit-management tables the service ships with.
func DefaultSchema() Schema {
	return Schema{
		EntityTypes:       Lookup{Table: "entity_types", NameColumn: "name", Label: "Entity type", Key: "entity_type"},
		RiskCategories:    Lookup{Table: "risk_categories", NameColumn: "name", Label: "Risk category", Key: "category"},
		AssessmentPeriods: Lookup{Table: "assessment_periods", NameColumn: "name", Label: "Assessment period", Key: "period"},

		Entities:           "entities",
		EntityTypeColumn:   "auditable_entity_type_id",
		Risks:              "risks",
		RiskCategoryColumn: "risk_category_id",
		Assessments:        "assessments",
		AssessmentPeriod:   "assessment_period_id",
		AssessmentType:     "type",
		EntityRisks:        "entity_risks",
		EntityRiskEntity:   "entity_id",
		EntityRiskRisk:     "risk_id",
		EntityRiskStatus:   "status",
	}
}

// Service runs the relationship lookups.
type Service struct {
	schema Schema
}

func NewService(schema Schema) *Service {
	return &Service{schema: schema}
}

// AssessmentFilter narrows AssessmentsByFilter. Empty fields mean "all".
type AssessmentFilter struct {
	Type       string
	PeriodName string
	Limit      int
}

// EntitiesByType returns entities whose type name matches typeName exactly
// (case-insensitive), each carrying entity_type_name.
func (s *Service) EntitiesByType(ctx context.Context, q Querier, typeName string, limit int) (*models.RelationResult, error) {
	return s.byResolvedName(ctx, q, s.schema.EntityTypes, typeName,
		s.schema.Entities, s.schema.EntityTypeColumn, "entity_type_name", limit)
}

// RisksByCategory returns risks whose category name matches exactly
// (case-insensitive), each carrying category_name.
func (s *Service) RisksByCategory(ctx context.Context, q Querier, categoryName string, limit int) (*models.RelationResult, error) {
	return s.byResolvedName(ctx, q, s.schema.RiskCategories, categoryName,
		s.schema.Risks, s.schema.RiskCategoryColumn, "category_name", limit)
}

func (s *Service) byResolvedName(ctx context.Context, q Querier, lookup Lookup, name, table, fk, enrichAs string, limit int) (*models.RelationResult, error) {
	resolved, err := resolve(ctx, q, lookup, name, false)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return notFound(lookup, name), nil
	}

	res, err := q.Query(ctx, models.QueryRequest{
		Table:   table,
		Filters: []models.Filter{{Column: fk, Operator: models.OpIn, Value: idsOf(resolved)}},
		Limit:   limitOr(limit),
	})
	if err != nil {
		return nil, err
	}
	enrich(res.Data, fk, enrichAs, resolved)

	return &models.RelationResult{
		Success:        true,
		Count:          len(res.Data),
		Data:           res.Data,
		Resolved:       resolved,
		FiltersApplied: map[string]interface{}{lookup.Key: name},
	}, nil
}

// AssessmentsByFilter returns assessments optionally narrowed by type
// (exact) and by period name (partial, case-insensitive).
func (s *Service) AssessmentsByFilter(ctx context.Context, q Querier, f AssessmentFilter) (*models.RelationResult, error) {
	var filters []models.Filter
	var periods []models.ResolvedName
	applied := map[string]interface{}{"type": orAll(f.Type), "period": orAll(f.PeriodName)}

	if f.PeriodName != "" {
		var err error
		periods, err = resolve(ctx, q, s.schema.AssessmentPeriods, f.PeriodName, true)
		if err != nil {
			return nil, err
		}
		if len(periods) == 0 {
			return notFound(s.schema.AssessmentPeriods, f.PeriodName), nil
		}
		ids := idsOf(periods)
		applied["period_ids"] = ids
		filters = append(filters, models.Filter{Column: s.schema.AssessmentPeriod, Operator: models.OpIn, Value: ids})
	}
	if f.Type != "" {
		filters = append(filters, models.Filter{Column: s.schema.AssessmentType, Operator: models.OpEquals, Value: f.Type})
	}

	res, err := q.Query(ctx, models.QueryRequest{
		Table:   s.schema.Assessments,
		Filters: filters,
		Limit:   limitOr(f.Limit),
	})
	if err != nil {
		return nil, err
	}
	if len(periods) > 0 {
		enrich(res.Data, s.schema.AssessmentPeriod, "period_name", periods)
	}

	return &models.RelationResult{
		Success:        true,
		Count:          len(res.Data),
		Data:           res.Data,
		Resolved:       periods,
		FiltersApplied: applied,
	}, nil
}

// EntitiesWithRisks returns entities (optionally of one type) each carrying
// associated_risks and risk_count, resolved through the entity_risks junction.
func (s *Service) EntitiesWithRisks(ctx context.Context, q Querier, entityTypeName string, limit int) (*models.RelationResult, error) {
	sc := s.schema
	var filters []models.Filter
	var types []models.ResolvedName

	if entityTypeName != "" {
		var err error
		types, err = resolve(ctx, q, sc.EntityTypes, entityTypeName, false)
		if err != nil {
			return nil, err
		}
		if len(types) == 0 {
			return notFound(sc.EntityTypes, entityTypeName), nil
		}
		filters = append(filters, models.Filter{Column: sc.EntityTypeColumn, Operator: models.OpIn, Value: idsOf(types)})
	}

	entities, err := q.Query(ctx, models.QueryRequest{Table: sc.Entities, Filters: filters, Limit: limitOr(limit)})
	if err != nil {
		return nil, err
	}
	if len(types) > 0 {
		enrich(entities.Data, sc.EntityTypeColumn, "entity_type_name", types)
	}

	total := 0
	out := &models.RelationResult{
		Success:        true,
		Count:          len(entities.Data),
		Data:           entities.Data,
		Resolved:       types,
		FiltersApplied: map[string]interface{}{"entity_type": orAll(entityTypeName)},
		TotalRisks:     &total,
	}
	if len(entities.Data) == 0 {
		return out, nil
	}

	entityIDs := make([]interface{}, 0, len(entities.Data))
	for _, e := range entities.Data {
		entityIDs = append(entityIDs, e["id"])
	}
	links, err := q.Query(ctx, models.QueryRequest{
		Table:   sc.EntityRisks,
		Filters: []models.Filter{{Column: sc.EntityRiskEntity, Operator: models.OpIn, Value: entityIDs}},
	})
	if err != nil {
		return nil, err
	}
	risksByID := make(map[string]models.Row)
	var riskIDs []interface{}
	for _, l := range links.Data {
		k := idKey(l[sc.EntityRiskRisk])
		if _, seen := risksByID[k]; seen || l[sc.EntityRiskRisk] == nil {
			continue
		}
		risksByID[k] = nil
		riskIDs = append(riskIDs, l[sc.EntityRiskRisk])
	}
	if len(riskIDs) > 0 {
		risks, err := q.Query(ctx, models.QueryRequest{
			Table:   sc.Risks,
			Filters: []models.Filter{{Column: "id", Operator: models.OpIn, Value: riskIDs}},
		})
		if err != nil {
			return nil, err
		}
		for _, r := range risks.Data {
			risksByID[idKey(r["id"])] = r
		}
		total = len(risks.Data)
	}

	linksByEntity := make(map[string][]interface{})
	for _, l := range links.Data {
		// Links to risks the owner cannot see (or that no longer exist) are dropped.
		risk := risksByID[idKey(l[sc.EntityRiskRisk])]
		if risk == nil {
			continue
		}
		k := idKey(l[sc.EntityRiskEntity])
		linksByEntity[k] = append(linksByEntity[k], map[string]interface{}{
			"entity_risk_id":     l["id"],
			"entity_risk_status": l[sc.EntityRiskStatus],
			"risk":               risk,
		})
	}
	for _, e := range entities.Data {
		assoc := linksByEntity[idKey(e["id"])]
		if assoc == nil {
			assoc = []interface{}{}
		}
		e["associated_risks"] = assoc
		e["risk_count"] = len(assoc)
	}
	return out, nil
}

// resolve matches name against lookup.NameColumn. Exact matching is a
// case-insensitive contains query narrowed in memory, so it needs no
// operator beyond the standard filter set.
func resolve(ctx context.Context, q Querier, lookup Lookup, name string, partial bool) ([]models.ResolvedName, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	res, err := q.Query(ctx, models.QueryRequest{
		Table:   lookup.Table,
		Select:  []string{"id", lookup.NameColumn},
		Filters: []models.Filter{{Column: lookup.NameColumn, Operator: models.OpContains, Value: name}},
	})
	if err != nil {
		return nil, err
	}
	var out []models.ResolvedName
	for _, r := range res.Data {
		n := cast.ToString(r[lookup.NameColumn])
		if !partial && !strings.EqualFold(n, name) {
			continue
		}
		out = append(out, models.ResolvedName{ID: r["id"], Name: n})
	}
	return out, nil
}

func notFound(lookup Lookup, name string) *models.RelationResult {
	return &models.RelationResult{
		Success: false,
		Error:   fmt.Sprintf("%s %q not found", lookup.Label, name),
		Count:   0,
		Data:    []models.Row{},
	}
}

func enrich(rows []models.Row, fk, as string, resolved []models.ResolvedName) {
	names := make(map[string]string, len(resolved))
	for _, r := range resolved {
		names[idKey(r.ID)] = r.Name
	}
	for _, row := range rows {
		if n, ok := names[idKey(row[fk])]; ok {
			row[as] = n
		}
	}
}

func idsOf(resolved []models.ResolvedName) []interface{} {
	ids := make([]interface{}, 0, len(resolved))
	for _, r := range resolved {
		ids = append(ids, r.ID)
	}
	return ids
}

// idKey lets 7, 7.0 and "7" meet in one map bucket.
func idKey(v interface{}) string {
	if v == nil {
		return ""
	}
	if _, isString := v.(string); !isString {
		if f, err := cast.ToFloat64E(v); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return cast.ToString(v)
}

func limitOr(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

func orAll(s string) string {
	if s == "" {
		return "all"
	}
	return s
}
