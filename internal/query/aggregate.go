package query

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// NullGroupKey is the group key used for rows whose groupBy value is missing.
const NullGroupKey = "null"

// Aggregate fetches the entire owner-scoped, filtered row-set and reduces it
// in memory. Nothing is pushed down to the store, so cost grows with the
// owner's data volume.
func (e *Executor) Aggregate(ctx context.Context, owner string, req models.AggregateRequest) (*models.AggregateResult, error) {
	if owner == "" {
		return nil, &AuthError{Reason: "no owner resolved"}
	}
	if err := CheckShape(req); err != nil {
		return nil, err
	}
	if err := ValidateIdentifier("table", req.Table); err != nil {
		return nil, err
	}
	if err := ValidateIdentifier("aggregation.column", req.Aggregation.Column); err != nil {
		return nil, err
	}
	if req.Aggregation.GroupBy != "" {
		if err := ValidateIdentifier("aggregation.groupBy", req.Aggregation.GroupBy); err != nil {
			return nil, err
		}
	}

	filters := append([]models.Filter(nil), req.Filters...)
	if dr := req.DateRange; dr != nil {
		if err := ValidateIdentifier("dateRange.column", dr.Column); err != nil {
			return nil, err
		}
		if dr.Start != "" {
			filters = append(filters, models.Filter{Column: dr.Column, Operator: models.OpGTE, Value: dr.Start})
		}
		if dr.End != "" {
			filters = append(filters, models.Filter{Column: dr.Column, Operator: models.OpLTE, Value: dr.End})
		}
	}
	pred, err := CompileFilters(e.ownerColumn, owner, filters)
	if err != nil {
		return nil, err
	}

	rows, err := e.read(ctx, "aggregate", store.Selection{Table: req.Table, Where: pred, Owner: owner})
	if err != nil {
		return nil, err
	}

	res := &models.AggregateResult{
		Success:     true,
		Results:     Compute(rows, req.Aggregation),
		Aggregation: req.Aggregation.Type,
	}
	if req.Aggregation.GroupBy != "" {
		g := req.Aggregation.GroupBy
		res.GroupedBy = &g
	}

	log.Debug().
		Str("table", req.Table).
		Str("type", string(req.Aggregation.Type)).
		Int("rows", len(rows)).
		Int("groups", len(res.Results)).
		Msg("Aggregation computed")
	return res, nil
}

// Compute reduces rows per the aggregation. Without GroupBy it returns exactly
// one record; with GroupBy one record per distinct group key, in order of
// first appearance. An empty input yields a zero record or no records.
func Compute(rows []models.Row, agg models.Aggregation) []models.Row {
	typ := string(agg.Type)
	if agg.GroupBy == "" {
		values := make([]float64, 0, len(rows))
		for _, r := range rows {
			values = append(values, ToNumber(r[agg.Column]))
		}
		return []models.Row{{typ: reduce(agg.Type, values)}}
	}

	var order []string
	groups := make(map[string][]float64)
	for _, r := range rows {
		k := GroupKey(r[agg.GroupBy])
		if _, seen := groups[k]; !seen {
			order = append(order, k)
			groups[k] = nil
		}
		groups[k] = append(groups[k], ToNumber(r[agg.Column]))
	}

	out := make([]models.Row, 0, len(order))
	for _, k := range order {
		out = append(out, models.Row{agg.GroupBy: k, typ: reduce(agg.Type, groups[k])})
	}
	return out
}

func reduce(t models.AggregationType, values []float64) float64 {
	if t == models.AggCount {
		return float64(len(values))
	}
	if len(values) == 0 {
		return 0
	}
	switch t {
	case models.AggSum, models.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if t == models.AggAvg {
			return sum / float64(len(values))
		}
		return sum
	case models.AggMin:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m
	case models.AggMax:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m
	}
	return 0
}

var leadingNumber = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// ToNumber coerces a cell to a number. Numbers pass through; strings parse
// their leading numeric prefix ("12abc" is 12); everything else, including
// booleans, missing values and non-finite results, is 0.
func ToNumber(v interface{}) float64 {
	var f float64
	switch t := v.(type) {
	case nil, bool:
		return 0
	case string:
		m := leadingNumber.FindString(strings.TrimSpace(t))
		if m == "" {
			return 0
		}
		f, _ = strconv.ParseFloat(m, 64)
	default:
		var err error
		if f, err = cast.ToFloat64E(v); err != nil {
			return 0
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// GroupKey stringifies a groupBy value. Missing, null and empty-string values
// all collapse into the "null" group.
func GroupKey(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return NullGroupKey
	case string:
		if t == "" {
			return NullGroupKey
		}
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return NullGroupKey
		}
		return string(b)
	}
	return cast.ToString(v)
}
