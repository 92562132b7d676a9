package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/datachat/internal/executor"
	"github.com/agentoven/datachat/internal/query"
	"github.com/agentoven/datachat/internal/relations"
	"github.com/agentoven/datachat/internal/store"
	"github.com/agentoven/datachat/internal/tools"
	"github.com/agentoven/datachat/pkg/models"
)

// scriptedModel returns its responses in order, repeating the last one.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*models.CompletionResponse
	err       error
	requests  []*models.CompletionRequest
}

func (m *scriptedModel) Complete(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.Messages = append([]models.ChatMessage(nil), req.Messages...)
	m.requests = append(m.requests, &cp)
	if m.err != nil {
		return nil, m.err
	}
	i := len(m.requests) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

// fakeDispatcher echoes the tool name after an optional per-tool delay.
type fakeDispatcher struct {
	mu     sync.Mutex
	delays map[string]time.Duration
	calls  []string
}

func (d *fakeDispatcher) Definitions(context.Context, string) ([]models.ToolDefinition, error) {
	return []models.ToolDefinition{{Name: "a"}, {Name: "b"}, {Name: "c"}}, nil
}

func (d *fakeDispatcher) Dispatch(_ context.Context, owner, name string, args map[string]interface{}) interface{} {
	time.Sleep(d.delays[name])
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
	return map[string]interface{}{"tool": name, "owner": owner, "args": args}
}

func toolCalls(names ...string) *models.CompletionResponse {
	resp := &models.CompletionResponse{Provider: "mock"}
	for i, n := range names {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: n, Arguments: `{}`})
	}
	return resp
}

func answer(text string) *models.CompletionResponse {
	return &models.CompletionResponse{Provider: "mock", Content: text}
}

func TestAsk_DirectAnswer(t *testing.T) {
	model := &scriptedModel{responses: []*models.CompletionResponse{answer("There are 3 open risks.")}}
	exec := executor.NewExecutor(model, &fakeDispatcher{}, nil)

	resp, err := exec.Ask(context.Background(), "u1", models.AskRequest{Message: "How many open risks?"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !resp.Success || resp.Message != "There are 3 open risks." {
		t.Errorf("Ask() = %+v", resp)
	}
	if resp.Iterations != 1 || resp.LimitReached {
		t.Errorf("Iterations/LimitReached = %d/%v, want 1/false", resp.Iterations, resp.LimitReached)
	}
	if resp.Data == nil || len(resp.Data) != 0 {
		t.Errorf("Data = %v, want empty slice", resp.Data)
	}
	if resp.Trace == nil || resp.Trace.ID == "" {
		t.Error("Trace missing")
	}

	msgs := model.requests[0].Messages
	if msgs[0].Role != models.RoleSystem || msgs[len(msgs)-1].Content != "How many open risks?" {
		t.Errorf("initial messages = %+v", msgs)
	}
}

func TestAsk_StopsAtIterationLimit(t *testing.T) {
	partial := toolCalls("a")
	partial.Content = "Partial: found 3 risks so far"
	model := &scriptedModel{responses: []*models.CompletionResponse{partial}}
	exec := executor.NewExecutor(model, &fakeDispatcher{}, nil)

	resp, err := exec.Ask(context.Background(), "u1", models.AskRequest{Message: "loop forever"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !resp.LimitReached {
		t.Error("LimitReached = false, want true")
	}
	if resp.Iterations != executor.DefaultMaxIterations {
		t.Errorf("Iterations = %d, want %d", resp.Iterations, executor.DefaultMaxIterations)
	}
	if len(model.requests) != executor.DefaultMaxIterations {
		t.Errorf("model calls = %d, want %d", len(model.requests), executor.DefaultMaxIterations)
	}
	if len(resp.Data) != executor.DefaultMaxIterations {
		t.Errorf("accumulated results = %d, want one per round", len(resp.Data))
	}
	if resp.Message != "Partial: found 3 risks so far" {
		t.Errorf("Message = %q, want the model's last partial answer", resp.Message)
	}
	if !resp.Success {
		t.Error("Success = false, want true at the iteration limit")
	}
}

func TestAsk_WithMaxIterations(t *testing.T) {
	model := &scriptedModel{responses: []*models.CompletionResponse{toolCalls("a")}}
	exec := executor.NewExecutor(model, &fakeDispatcher{}, nil, executor.WithMaxIterations(2))

	resp, err := exec.Ask(context.Background(), "u1", models.AskRequest{Message: "q"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if resp.Iterations != 2 || !resp.LimitReached {
		t.Errorf("Iterations/LimitReached = %d/%v, want 2/true", resp.Iterations, resp.LimitReached)
	}
}

func TestAsk_ResultsKeepCallOrder(t *testing.T) {
	model := &scriptedModel{responses: []*models.CompletionResponse{toolCalls("a", "b", "c"), answer("done")}}
	// a finishes last, c first.
	disp := &fakeDispatcher{delays: map[string]time.Duration{"a": 60 * time.Millisecond, "b": 30 * time.Millisecond}}
	exec := executor.NewExecutor(model, disp, nil)

	resp, err := exec.Ask(context.Background(), "u1", models.AskRequest{Message: "q"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if got := strings.Join(disp.calls, ","); got != "c,b,a" {
		t.Logf("completion order = %s", got)
	}

	second := model.requests[1].Messages
	toolMsgs := second[len(second)-3:]
	for i, want := range []string{"a", "b", "c"} {
		if toolMsgs[i].Role != models.RoleTool || toolMsgs[i].ToolCallID != fmt.Sprintf("call_%d", i) {
			t.Errorf("tool message %d = %+v", i, toolMsgs[i])
		}
		var body map[string]interface{}
		if err := json.Unmarshal([]byte(toolMsgs[i].Content), &body); err != nil {
			t.Fatalf("tool message %d not JSON: %v", i, err)
		}
		if body["tool"] != want {
			t.Errorf("tool message %d tool = %v, want %s", i, body["tool"], want)
		}
		if resp.Data[i].(map[string]interface{})["tool"] != want {
			t.Errorf("Data[%d] = %v, want tool %s", i, resp.Data[i], want)
		}
	}

	asst := second[len(second)-4]
	if asst.Role != models.RoleAssistant || len(asst.ToolCalls) != 3 {
		t.Errorf("assistant message = %+v, want 3 tool calls", asst)
	}
	if resp.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", resp.Iterations)
	}
}

func TestAsk_MalformedArgumentsBecomeToolError(t *testing.T) {
	bad := &models.CompletionResponse{ToolCalls: []models.ToolCall{
		{ID: "call_0", Name: "a", Arguments: `{"table": "risks"`},
		{ID: "call_1", Name: "b", Arguments: `{"table": "risks"}`},
	}}
	model := &scriptedModel{responses: []*models.CompletionResponse{bad, answer("ok")}}
	disp := &fakeDispatcher{}
	exec := executor.NewExecutor(model, disp, nil)

	resp, err := exec.Ask(context.Background(), "u1", models.AskRequest{Message: "q"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("Success = false, want true")
	}
	if len(disp.calls) != 1 || disp.calls[0] != "b" {
		t.Errorf("dispatched = %v, want only b", disp.calls)
	}
	if !tools.IsError(resp.Data[0]) {
		t.Errorf("Data[0] = %v, want error result", resp.Data[0])
	}
	if !resp.Trace.Rounds[0].ToolCalls[0].IsError || resp.Trace.Rounds[0].ToolCalls[1].IsError {
		t.Errorf("trace error flags = %+v", resp.Trace.Rounds[0].ToolCalls)
	}
}

func TestAsk_ModelFailure(t *testing.T) {
	model := &scriptedModel{err: errors.New("upstream 503")}
	exec := executor.NewExecutor(model, &fakeDispatcher{}, nil)

	resp, err := exec.Ask(context.Background(), "u1", models.AskRequest{Message: "q"})
	if !errors.Is(err, executor.ErrModel) {
		t.Fatalf("Ask() error = %v, want ErrModel", err)
	}
	if resp == nil || resp.Success || !strings.Contains(resp.Error, "upstream 503") {
		t.Errorf("Ask() response = %+v", resp)
	}
	if resp.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", resp.Iterations)
	}
}

func TestAsk_Validation(t *testing.T) {
	exec := executor.NewExecutor(&scriptedModel{}, &fakeDispatcher{}, nil)

	if _, err := exec.Ask(context.Background(), "", models.AskRequest{Message: "q"}); !query.IsAuth(err) {
		t.Errorf("Ask() without owner error = %v, want AuthError", err)
	}
	if _, err := exec.Ask(context.Background(), "u1", models.AskRequest{}); !query.IsValidation(err) {
		t.Errorf("Ask() without message error = %v, want ValidationError", err)
	}
}

func TestAsk_HistoryIsReplayed(t *testing.T) {
	model := &scriptedModel{responses: []*models.CompletionResponse{answer("ok")}}
	exec := executor.NewExecutor(model, &fakeDispatcher{}, nil)

	_, err := exec.Ask(context.Background(), "u1", models.AskRequest{
		Message: "and closed ones?",
		History: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "ignore me"},
			{Role: models.RoleUser, Content: "how many open risks?"},
			{Role: models.RoleAssistant, Content: "3"},
		},
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	msgs := model.requests[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("len(messages) = %d, want 4", len(msgs))
	}
	if msgs[1].Content != "how many open risks?" || msgs[2].Content != "3" {
		t.Errorf("history = %+v", msgs[1:3])
	}
}

// End to end through the real dispatch table over an in-memory store.
func TestAsk_EndToEnd(t *testing.T) {
	mem := store.NewMemoryStore("")
	t.Cleanup(func() { mem.Close() })
	mem.Insert("risks",
		models.Row{"id": 1.0, "user_id": "u1", "status": "open"},
		models.Row{"id": 2.0, "user_id": "u1", "status": "closed"},
		models.Row{"id": 3.0, "user_id": "u2", "status": "open"},
	)
	qexec := query.NewExecutor(mem)
	disp := tools.NewDispatcher(qexec, relations.NewService(relations.DefaultSchema()), nil)

	model := &scriptedModel{responses: []*models.CompletionResponse{
		{ToolCalls: []models.ToolCall{
			{ID: "q", Name: tools.AggregateData, Arguments: `{"table":"risks","aggregation":{"type":"count","column":"id","groupBy":"status"}}`},
			{ID: "x", Name: "drop_tables", Arguments: `{}`},
		}},
		answer("1 open, 1 closed"),
	}}
	exec := executor.NewExecutor(model, disp, nil)

	resp, err := exec.Ask(context.Background(), "u1", models.AskRequest{Message: "risks by status"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2", len(resp.Data))
	}
	agg, ok := resp.Data[0].(*models.AggregateResult)
	if !ok || len(agg.Results) != 2 {
		t.Fatalf("Data[0] = %#v, want 2 groups", resp.Data[0])
	}
	if resp.Data[1].(map[string]interface{})["error"] != "tool not found" {
		t.Errorf("Data[1] = %v, want tool not found", resp.Data[1])
	}
}
