// Package customtool runs user-defined tools. A custom tool is a declarative
// program (a query or an aggregation over one table) whose filter values and
// limit may be computed from the call arguments with small expressions.
// Programs run through the same owner-scoped executor as the built-in tools,
// so they cannot widen what the caller can read.
package customtool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
	"github.com/xeipuuv/gojsonschema"

	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// ErrInvalidArguments is wrapped by argument-schema failures.
var ErrInvalidArguments = errors.New("invalid arguments")

// Runner loads, validates and executes custom tools.
type Runner struct {
	tools store.CustomToolStore
	exec  *query.Executor
	now   func() time.Time
}

func NewRunner(tools store.CustomToolStore, exec *query.Executor) *Runner {
	return &Runner{tools: tools, exec: exec, now: time.Now}
}

// Definitions returns the owner's active custom tools as LLM tool definitions.
func (r *Runner) Definitions(ctx context.Context, owner string) ([]models.ToolDefinition, error) {
	tools, err := r.tools.ListCustomTools(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	defs := make([]models.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		desc := t.Description
		if desc == "" {
			desc = t.DisplayName
		}
		defs = append(defs, models.ToolDefinition{Name: t.Name, Description: desc, Parameters: params})
	}
	return defs, nil
}

// List returns every custom tool the owner has, in any status.
func (r *Runner) List(ctx context.Context, owner string) ([]models.CustomTool, error) {
	return r.tools.ListCustomTools(ctx, owner, false)
}

// Create validates tool and stores it for owner as active.
func (r *Runner) Create(ctx context.Context, owner string, tool *models.CustomTool) error {
	if owner == "" {
		return &query.AuthError{Reason: "no owner resolved"}
	}
	tool.OwnerID = owner
	tool.Status = models.CustomToolActive
	tool.ErrorMessage = ""
	tool.UsageCount = 0
	tool.LastUsedAt = nil
	if err := Validate(tool); err != nil {
		return err
	}
	if err := r.tools.CreateCustomTool(ctx, tool); err != nil {
		return err
	}
	log.Info().Str("owner", owner).Str("tool", tool.Name).Msg("Custom tool created")
	return nil
}

// Run executes the owner's active tool called name. A missing tool returns
// *store.ErrNotFound. A program failure marks the tool as errored; a bad
// argument set does not.
func (r *Runner) Run(ctx context.Context, owner, name string, args map[string]interface{}) (interface{}, error) {
	tool, err := r.tools.GetActiveCustomTool(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := ValidateArguments(tool.Parameters, args); err != nil {
		return nil, err
	}

	result, err := r.execute(ctx, owner, &tool.Program, args)
	if err != nil {
		if !query.IsAuth(err) {
			if merr := r.tools.MarkCustomToolError(ctx, owner, tool.ID, err.Error()); merr != nil {
				log.Warn().Err(merr).Str("tool", name).Msg("Failed to mark custom tool error")
			}
		}
		return nil, err
	}
	if uerr := r.tools.RecordCustomToolUsage(ctx, owner, tool.ID, r.now()); uerr != nil {
		log.Warn().Err(uerr).Str("tool", name).Msg("Failed to record custom tool usage")
	}
	return result, nil
}

func (r *Runner) execute(ctx context.Context, owner string, p *models.ToolProgram, args map[string]interface{}) (interface{}, error) {
	env := map[string]interface{}{"args": args}

	filters, err := renderFilters(p.Filters, env)
	if err != nil {
		return nil, err
	}

	if p.Kind == models.ProgramAggregate {
		if p.Aggregation == nil {
			return nil, &query.ValidationError{Field: "definition.aggregation", Reason: "is required for aggregate programs"}
		}
		return r.exec.Aggregate(ctx, owner, models.AggregateRequest{
			Table:       p.Table,
			Aggregation: *p.Aggregation,
			Filters:     filters,
		})
	}

	limit := p.Limit
	if p.LimitExpr != "" {
		v, err := evaluate(p.LimitExpr, env)
		if err != nil {
			return nil, err
		}
		if v != nil {
			if limit, err = cast.ToIntE(v); err != nil || limit < 0 {
				return nil, &query.ValidationError{Field: "definition.limit_expr", Value: p.LimitExpr, Reason: "must evaluate to a non-negative integer"}
			}
		}
	}

	res, err := r.exec.Query(ctx, owner, models.QueryRequest{
		Table:   p.Table,
		Select:  p.Select,
		Filters: filters,
		Sort:    p.Sort,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	if p.RowFilter == "" {
		return res, nil
	}

	prog, err := expr.Compile(p.RowFilter, expr.AsBool())
	if err != nil {
		return nil, &query.ValidationError{Field: "definition.row_filter", Value: p.RowFilter, Reason: err.Error()}
	}
	kept := res.Data[:0]
	for _, row := range res.Data {
		ok, err := expr.Run(prog, map[string]interface{}{"args": args, "row": map[string]interface{}(row)})
		if err != nil {
			return nil, fmt.Errorf("row_filter: %w", err)
		}
		if ok.(bool) {
			kept = append(kept, row)
		}
	}
	res.Data = kept
	res.Count = len(kept)
	return res, nil
}

// renderFilters resolves ValueExpr templates. An expression that yields nil
// drops its filter, so optional arguments can be left out.
func renderFilters(tmpl []models.ProgramFilter, env map[string]interface{}) ([]models.Filter, error) {
	out := make([]models.Filter, 0, len(tmpl))
	for _, f := range tmpl {
		val := f.Value
		if f.ValueExpr != "" {
			v, err := evaluate(f.ValueExpr, env)
			if err != nil {
				return nil, err
			}
			if v == nil {
				continue
			}
			val = v
		}
		out = append(out, models.Filter{Column: f.Column, Operator: f.Operator, Value: val})
	}
	return out, nil
}

func evaluate(src string, env map[string]interface{}) (interface{}, error) {
	prog, err := compile(src)
	if err != nil {
		return nil, err
	}
	v, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", src, err)
	}
	return v, nil
}

func compile(src string) (*vm.Program, error) {
	prog, err := expr.Compile(src)
	if err != nil {
		return nil, &query.ValidationError{Field: "expression", Value: src, Reason: err.Error()}
	}
	return prog, nil
}

// ── Validation ──────────────────────────────────────────────

// Validate checks a tool before it is stored: its name, parameter schema,
// program identifiers and every expression must be well formed.
func Validate(tool *models.CustomTool) error {
	if err := query.CheckShape(tool); err != nil {
		return err
	}
	if err := query.ValidateIdentifier("name", tool.Name); err != nil {
		return err
	}
	if tool.Parameters != nil {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Parameters)); err != nil {
			return &query.ValidationError{Field: "parameters", Reason: err.Error()}
		}
	}

	p := &tool.Program
	if err := query.CheckShape(p); err != nil {
		return err
	}
	if err := query.ValidateIdentifier("definition.table", p.Table); err != nil {
		return err
	}
	if p.Table == store.CustomToolsTable {
		return &query.ValidationError{Field: "definition.table", Value: p.Table, Reason: "is reserved"}
	}
	for _, c := range p.Select {
		if c == "*" {
			continue
		}
		if err := query.ValidateIdentifier("definition.select", c); err != nil {
			return err
		}
	}
	for _, f := range p.Filters {
		if err := query.ValidateIdentifier("definition.filters.column", f.Column); err != nil {
			return err
		}
		if f.ValueExpr != "" {
			if _, err := compile(f.ValueExpr); err != nil {
				return err
			}
		}
	}
	if p.LimitExpr != "" {
		if _, err := compile(p.LimitExpr); err != nil {
			return err
		}
	}

	switch p.Kind {
	case models.ProgramAggregate:
		if p.Aggregation == nil {
			return &query.ValidationError{Field: "definition.aggregation", Reason: "is required for aggregate programs"}
		}
		if err := query.CheckShape(p.Aggregation); err != nil {
			return err
		}
		if p.RowFilter != "" {
			return &query.ValidationError{Field: "definition.row_filter", Reason: "is only supported for query programs"}
		}
	default:
		if p.RowFilter != "" {
			if _, err := expr.Compile(p.RowFilter, expr.AsBool()); err != nil {
				return &query.ValidationError{Field: "definition.row_filter", Value: p.RowFilter, Reason: err.Error()}
			}
		}
	}
	return nil
}

// ValidateArguments checks args against a JSON Schema. A nil schema accepts
// anything.
func ValidateArguments(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
}
