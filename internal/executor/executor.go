// Package executor implements the iterative tool-calling loop behind /ask.
//
//	build messages (schema-aware system prompt + history + question) →
//	call Model Router → if tool_calls, run them all concurrently through the
//	dispatch table → feed results back in call order → repeat until the model
//	answers in text or the iteration cap is hit.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/tools"
	"github.com/agentoven/datachat/pkg/models"
)

// DefaultMaxIterations is the maximum number of model ↔ tool rounds.
const DefaultMaxIterations = 5

// ErrModel wraps a failed model call.
var ErrModel = errors.New("model call failed")

var tracer = otel.Tracer("datachat/executor")

var (
	asksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "datachat",
		Subsystem: "executor",
		Name:      "asks_total",
		Help:      "Completed asks by outcome (answered, limit_reached, error)",
	}, []string{"outcome"})

	askIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "datachat",
		Subsystem: "executor",
		Name:      "iterations",
		Help:      "Model rounds per ask",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})
)

// Model produces the next assistant turn.
type Model interface {
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)
}

// ToolDispatcher lists and runs tools for an owner.
type ToolDispatcher interface {
	Definitions(ctx context.Context, owner string) ([]models.ToolDefinition, error)
	Dispatch(ctx context.Context, owner, name string, args map[string]interface{}) interface{}
}

// SchemaSource describes an owner's tables for the system prompt.
type SchemaSource interface {
	Build(ctx context.Context, owner string) (*models.SchemaRegistry, error)
}

// Executor runs asks through the tool-calling loop.
type Executor struct {
	model         Model
	tools         ToolDispatcher
	schemas       SchemaSource
	maxIterations int
}

type Option func(*Executor)

// WithMaxIterations overrides DefaultMaxIterations. Values below 1 are ignored.
func WithMaxIterations(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// NewExecutor creates an executor. schemas may be nil.
func NewExecutor(model Model, td ToolDispatcher, schemas SchemaSource, opts ...Option) *Executor {
	e := &Executor{
		model:         model,
		tools:         td,
		schemas:       schemas,
		maxIterations: DefaultMaxIterations,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ask answers a question for owner.
//
// The returned response is always non-nil once the request passes
// validation. A model failure yields Success=false with the error text, the
// iteration count and the data gathered so far, alongside a non-nil error
// wrapping ErrModel.
func (e *Executor) Ask(ctx context.Context, owner string, req models.AskRequest) (*models.AskResponse, error) {
	if owner == "" {
		return nil, &query.AuthError{Reason: "no owner resolved"}
	}
	if err := query.CheckShape(req); err != nil {
		return nil, err
	}

	start := time.Now()
	trace := &models.ExecutionTrace{
		ID:        uuid.New().String(),
		OwnerID:   owner,
		StartedAt: start.UTC(),
	}
	ctx, span := tracer.Start(ctx, "ask")
	span.SetAttributes(attribute.String("datachat.trace_id", trace.ID))
	defer span.End()

	defs, err := e.tools.Definitions(ctx, owner)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("Failed to list custom tools, offering built-ins only")
	}

	messages := e.buildInitialMessages(ctx, owner, req)
	data := []interface{}{}
	// lastContent is the partial answer returned if the cap is reached.
	lastContent := ""

	finish := func(resp *models.AskResponse, outcome string) *models.AskResponse {
		trace.DurationMs = time.Since(start).Milliseconds()
		resp.Trace = trace
		if resp.Data == nil {
			resp.Data = []interface{}{}
		}
		asksTotal.WithLabelValues(outcome).Inc()
		askIterations.Observe(float64(resp.Iterations))
		span.SetAttributes(attribute.Int("datachat.iterations", resp.Iterations), attribute.String("datachat.outcome", outcome))
		log.Info().
			Str("trace_id", trace.ID).
			Str("owner", owner).
			Int("iterations", resp.Iterations).
			Int("results", len(resp.Data)).
			Int64("total_ms", trace.DurationMs).
			Str("outcome", outcome).
			Msg("Ask complete")
		return resp
	}

	for iteration := 1; iteration <= e.maxIterations; iteration++ {
		roundStart := time.Now()
		roundCtx, roundSpan := tracer.Start(ctx, fmt.Sprintf("round %d", iteration))

		resp, err := e.model.Complete(roundCtx, &models.CompletionRequest{Messages: messages, Tools: defs})
		if err != nil {
			roundSpan.End()
			log.Error().Err(err).Str("trace_id", trace.ID).Int("iteration", iteration).Msg("Model call failed")
			out := finish(&models.AskResponse{
				Success:    false,
				Error:      err.Error(),
				Data:       data,
				Iterations: iteration,
			}, "error")
			return out, fmt.Errorf("%w (iteration %d): %v", ErrModel, iteration, err)
		}
		trace.TotalTokens += resp.Usage.TotalTokens
		round := models.Round{Number: iteration, Provider: resp.Provider, Model: resp.Model}

		if len(resp.ToolCalls) == 0 {
			round.LatencyMs = time.Since(roundStart).Milliseconds()
			trace.Rounds = append(trace.Rounds, round)
			roundSpan.End()
			return finish(&models.AskResponse{
				Success:    true,
				Message:    resp.Content,
				Data:       data,
				Iterations: iteration,
			}, "answered"), nil
		}

		lastContent = resp.Content
		messages = append(messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, records := e.runRound(roundCtx, owner, resp.ToolCalls)
		for i, tc := range resp.ToolCalls {
			messages = append(messages, models.ChatMessage{
				Role:       models.RoleTool,
				Content:    encodeResult(results[i]),
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
		data = append(data, results...)

		round.ToolCalls = records
		round.LatencyMs = time.Since(roundStart).Milliseconds()
		trace.Rounds = append(trace.Rounds, round)
		roundSpan.SetAttributes(attribute.Int("datachat.tool_calls", len(records)))
		roundSpan.End()

		log.Debug().
			Str("trace_id", trace.ID).
			Int("iteration", iteration).
			Int("tool_calls", len(records)).
			Msg("Tool round complete")
	}

	log.Warn().
		Str("trace_id", trace.ID).
		Int("max_iterations", e.maxIterations).
		Msg("Ask hit iteration limit")

	return finish(&models.AskResponse{
		Success:      true,
		Message:      lastContent,
		Data:         data,
		Iterations:   e.maxIterations,
		LimitReached: true,
	}, "limit_reached"), nil
}

// runRound dispatches every call of one round concurrently and returns the
// results indexed like calls, whatever order they complete in.
func (e *Executor) runRound(ctx context.Context, owner string, calls []models.ToolCall) ([]interface{}, []models.ToolRecord) {
	results := make([]interface{}, len(calls))
	records := make([]models.ToolRecord, len(calls))

	var g errgroup.Group
	for i, tc := range calls {
		i, tc := i, tc
		g.Go(func() error {
			start := time.Now()
			args, err := parseArguments(tc.Arguments)
			if err != nil {
				results[i] = tools.ErrorResult(err.Error())
			} else {
				results[i] = e.tools.Dispatch(ctx, owner, tc.Name, args)
			}
			records[i] = models.ToolRecord{
				ID:         tc.ID,
				Name:       tc.Name,
				IsError:    tools.IsError(results[i]),
				DurationMs: time.Since(start).Milliseconds(),
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors
	return results, records
}

// parseArguments decodes the model's raw argument string. Empty means no
// arguments; anything that is not a JSON object is rejected.
func parseArguments(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %v", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func encodeResult(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(tools.ErrorResult("unserializable tool result: " + err.Error()))
	}
	return string(b)
}
