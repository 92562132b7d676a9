package tools

import "github.com/agentoven/datachat/pkg/models"

// Built-in tool names.
const (
	QueryData              = "query_data"
	AggregateData          = "aggregate_data"
	GetEntitiesByType      = "get_entities_by_type"
	GetRisksByCategory     = "get_risks_by_category"
	GetAssessmentsByFilter = "get_assessments_by_filter"
	GetEntitiesWithRisks   = "get_entities_with_risks"
)

var operatorEnum = []interface{}{"equals", "not_equals", "contains", "gt", "gte", "lt", "lte", "in"}

func filtersSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": "Conditions combined with AND.",
		"items": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"column":   map[string]interface{}{"type": "string"},
				"operator": map[string]interface{}{"type": "string", "enum": operatorEnum},
				"value":    map[string]interface{}{"description": "Scalar, or an array for the in operator."},
			},
			"required": []interface{}{"column", "operator", "value"},
		},
	}
}

func limitSchema() map[string]interface{} {
	return map[string]interface{}{"type": "integer", "description": "Maximum rows to return (default 100)."}
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	req := make([]interface{}, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	return map[string]interface{}{"type": "object", "properties": props, "required": req}
}

func queryDataDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        QueryData,
		Description: "Read rows from one of the user's tables with optional filters, a single-column sort, limit and offset.",
		Parameters: object(map[string]interface{}{
			"table":   map[string]interface{}{"type": "string", "description": "Table name (lowercase, underscores)."},
			"select":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"filters": filtersSchema(),
			"sort": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"column":    map[string]interface{}{"type": "string"},
					"direction": map[string]interface{}{"type": "string", "enum": []interface{}{"asc", "desc"}},
				},
			},
			"limit":  limitSchema(),
			"offset": map[string]interface{}{"type": "integer"},
		}, "table"),
	}
}

func aggregateDataDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        AggregateData,
		Description: "Compute count, sum, avg, min or max over a column, optionally grouped by another column and limited to a date range.",
		Parameters: object(map[string]interface{}{
			"table": map[string]interface{}{"type": "string"},
			"aggregation": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"type":    map[string]interface{}{"type": "string", "enum": []interface{}{"count", "sum", "avg", "min", "max"}},
					"column":  map[string]interface{}{"type": "string"},
					"groupBy": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"type", "column"},
			},
			"filters": filtersSchema(),
			"dateRange": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"column": map[string]interface{}{"type": "string"},
					"start":  map[string]interface{}{"type": "string"},
					"end":    map[string]interface{}{"type": "string"},
				},
			},
		}, "table", "aggregation"),
	}
}

func entitiesByTypeDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        GetEntitiesByType,
		Description: "List entities of a given entity type, matched by the type's name (for example \"Department\").",
		Parameters: object(map[string]interface{}{
			"type_name": map[string]interface{}{"type": "string"},
			"limit":     limitSchema(),
		}, "type_name"),
	}
}

func risksByCategoryDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        GetRisksByCategory,
		Description: "List risks in a risk category, matched by the category's name (for example \"Operational\").",
		Parameters: object(map[string]interface{}{
			"category_name": map[string]interface{}{"type": "string"},
			"limit":         limitSchema(),
		}, "category_name"),
	}
}

func assessmentsByFilterDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        GetAssessmentsByFilter,
		Description: "List assessments, optionally by type and by assessment period name (partial match, for example \"Q1 2024\").",
		Parameters: object(map[string]interface{}{
			"type_filter": map[string]interface{}{"type": "string"},
			"period_name": map[string]interface{}{"type": "string"},
			"limit":       limitSchema(),
		}),
	}
}

func entitiesWithRisksDef() models.ToolDefinition {
	return models.ToolDefinition{
		Name:        GetEntitiesWithRisks,
		Description: "List entities with their associated risks, optionally restricted to one entity type name.",
		Parameters: object(map[string]interface{}{
			"entity_type_name": map[string]interface{}{"type": "string"},
			"limit":            limitSchema(),
		}),
	}
}
