// Package tools maps tool names to handlers. Every call gets its own
// owner-scoped data handle, and every failure comes back as a result value
// the model can read rather than as an error.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentoven/datachat/internal/customtool"
	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/relations"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/pkg/models"
)

// ErrToolNotFound is the message returned for names nothing handles.
const ErrToolNotFound = "tool not found"

var tracer = otel.Tracer("datachat/tools")

var toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "datachat",
	Subsystem: "tools",
	Name:      "calls_total",
	Help:      "Tool dispatches by tool and status",
}, []string{"tool", "status"})

// ToolDispatchError is a handler failure. It never leaves Dispatch; it is
// logged and turned into an {error} result.
type ToolDispatchError struct {
	Tool string
	Err  error
}

func (e *ToolDispatchError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolDispatchError) Unwrap() error { return e.Err }

// HandlerFunc executes one tool call against an owner-scoped handle.
type HandlerFunc func(ctx context.Context, scope *query.Scope, args map[string]interface{}) (interface{}, error)

type entry struct {
	def models.ToolDefinition
	fn  HandlerFunc
}

// Dispatcher routes tool calls by name: built-ins first, then the owner's
// active custom tools.
type Dispatcher struct {
	exec   *query.Executor
	custom *customtool.Runner

	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// NewDispatcher registers the built-in tools. custom may be nil.
func NewDispatcher(exec *query.Executor, rel *relations.Service, custom *customtool.Runner) *Dispatcher {
	d := &Dispatcher{
		exec:    exec,
		custom:  custom,
		entries: make(map[string]entry),
	}
	d.Register(queryDataDef(), handleQuery)
	d.Register(aggregateDataDef(), handleAggregate)
	d.Register(entitiesByTypeDef(), func(ctx context.Context, s *query.Scope, args map[string]interface{}) (interface{}, error) {
		return rel.EntitiesByType(ctx, s, stringArg(args, "type_name"), intArg(args, "limit"))
	})
	d.Register(risksByCategoryDef(), func(ctx context.Context, s *query.Scope, args map[string]interface{}) (interface{}, error) {
		return rel.RisksByCategory(ctx, s, stringArg(args, "category_name"), intArg(args, "limit"))
	})
	d.Register(assessmentsByFilterDef(), func(ctx context.Context, s *query.Scope, args map[string]interface{}) (interface{}, error) {
		return rel.AssessmentsByFilter(ctx, s, relations.AssessmentFilter{
			Type:       stringArg(args, "type_filter"),
			PeriodName: stringArg(args, "period_name"),
			Limit:      intArg(args, "limit"),
		})
	})
	d.Register(entitiesWithRisksDef(), func(ctx context.Context, s *query.Scope, args map[string]interface{}) (interface{}, error) {
		return rel.EntitiesWithRisks(ctx, s, stringArg(args, "entity_type_name"), intArg(args, "limit"))
	})
	return d
}

// Register adds or replaces a tool.
func (d *Dispatcher) Register(def models.ToolDefinition, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[def.Name]; !exists {
		d.order = append(d.order, def.Name)
	}
	d.entries[def.Name] = entry{def: def, fn: fn}
}

// Definitions lists the tools offered to owner: built-ins in registration
// order, then active custom tools whose names do not shadow a built-in.
func (d *Dispatcher) Definitions(ctx context.Context, owner string) ([]models.ToolDefinition, error) {
	d.mu.RLock()
	defs := make([]models.ToolDefinition, 0, len(d.order))
	for _, name := range d.order {
		defs = append(defs, d.entries[name].def)
	}
	d.mu.RUnlock()

	if d.custom == nil {
		return defs, nil
	}
	custom, err := d.custom.Definitions(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, c := range custom {
		if d.lookup(c.Name) != nil {
			continue
		}
		defs = append(defs, c)
	}
	return defs, nil
}

func (d *Dispatcher) lookup(name string) *entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.entries[name]; ok {
		return &e
	}
	return nil
}

// Dispatch runs the named tool for owner and returns its JSON-serializable
// result. It never returns an error and never panics: unknown names yield
// {error: "tool not found"} and handler failures yield {error: message}.
func (d *Dispatcher) Dispatch(ctx context.Context, owner, name string, args map[string]interface{}) (result interface{}) {
	ctx, span := tracer.Start(ctx, "tool "+name)
	span.SetAttributes(attribute.String("datachat.tool", name))
	start := time.Now()
	status := "ok"

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tool", name).Msg("Tool handler panicked")
			result = ErrorResult(fmt.Sprint(r))
		}
		if IsError(result) {
			status = "error"
			span.SetStatus(codes.Error, errorMessage(result))
		}
		toolCallsTotal.WithLabelValues(metricName(d, name), status).Inc()
		span.End()
		log.Debug().
			Str("tool", name).
			Str("status", status).
			Dur("duration", time.Since(start)).
			Msg("Tool dispatched")
	}()

	if args == nil {
		args = map[string]interface{}{}
	}
	if e := d.lookup(name); e != nil {
		out, err := e.fn(ctx, d.exec.ForOwner(owner), args)
		if err != nil {
			return failure(name, err)
		}
		return out
	}

	if d.custom != nil {
		out, err := d.custom.Run(ctx, owner, name, args)
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return ErrorResult(ErrToolNotFound)
		}
		if err != nil {
			return failure(name, err)
		}
		return out
	}
	return ErrorResult(ErrToolNotFound)
}

func failure(name string, err error) map[string]interface{} {
	derr := &ToolDispatchError{Tool: name, Err: err}
	log.Warn().Err(derr).Msg("Tool call failed")
	return ErrorResult(err.Error())
}

// metricName keeps the label set bounded: custom tool names share one label.
func metricName(d *Dispatcher, name string) string {
	if d.lookup(name) != nil {
		return name
	}
	return "custom"
}

// ErrorResult is the shape every tool failure takes.
func ErrorResult(msg string) map[string]interface{} {
	return map[string]interface{}{"error": msg}
}

// IsError reports whether a tool result is an {error} value or an envelope
// with success set to false.
func IsError(result interface{}) bool {
	return errorMessage(result) != ""
}

func errorMessage(result interface{}) string {
	switch t := result.(type) {
	case *models.RelationResult:
		if t == nil || t.Success {
			return ""
		}
		return orUnsuccessful(t.Error)
	case map[string]interface{}:
		msg, _ := t["error"].(string)
		if ok, present := t["success"].(bool); present && !ok {
			return orUnsuccessful(msg)
		}
		if len(t) == 1 {
			return msg
		}
	}
	return ""
}

func orUnsuccessful(msg string) string {
	if msg == "" {
		return "unsuccessful"
	}
	return msg
}

// ── Built-in handlers ───────────────────────────────────────

func handleQuery(ctx context.Context, s *query.Scope, args map[string]interface{}) (interface{}, error) {
	var req models.QueryRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return s.Query(ctx, req)
}

func handleAggregate(ctx context.Context, s *query.Scope, args map[string]interface{}) (interface{}, error) {
	var req models.AggregateRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return s.Aggregate(ctx, req)
}

// decodeArgs maps loosely typed arguments onto a request struct.
func decodeArgs(args map[string]interface{}, v interface{}) error {
	b, err := json.Marshal(args)
	if err != nil {
		return &query.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return &query.ValidationError{Field: "arguments", Reason: err.Error()}
	}
	return nil
}

func stringArg(args map[string]interface{}, key string) string {
	return cast.ToString(args[key])
}

func intArg(args map[string]interface{}, key string) int {
	return cast.ToInt(args[key])
}
