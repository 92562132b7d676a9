package models

import (
	"encoding/json"
	"time"
)

// Row is one record of a dynamically defined table. Tables are created by
// users at runtime, so there is no compile-time type for their rows.
type Row map[string]interface{}

// ── Filters ──────────────────────────────────────────────────

type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpGT        Operator = "gt"
	OpGTE       Operator = "gte"
	OpLT        Operator = "lt"
	OpLTE       Operator = "lte"
	OpIn        Operator = "in"
)

// Filter is a declarative column condition. Filters combine with AND only.
type Filter struct {
	Column   string      `json:"column" yaml:"column" validate:"required"`
	Operator Operator    `json:"operator" yaml:"operator" validate:"required"`
	Value    interface{} `json:"value" yaml:"value"`
}

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Sort orders a row-set by a single column. Order is the legacy spelling of
// Direction still emitted by some tool catalogues; Direction wins when both are set.
type Sort struct {
	Column    string        `json:"column" yaml:"column" validate:"required"`
	Direction SortDirection `json:"direction,omitempty" yaml:"direction,omitempty" validate:"omitempty,oneof=asc desc"`
	Order     SortDirection `json:"order,omitempty" yaml:"order,omitempty" validate:"omitempty,oneof=asc desc"`
}

// Descending reports whether the sort runs high to low.
func (s *Sort) Descending() bool {
	if s.Direction != "" {
		return s.Direction == SortDesc
	}
	return s.Order == SortDesc
}

// ── Query ────────────────────────────────────────────────────

type QueryRequest struct {
	Table   string   `json:"table" yaml:"table" validate:"required"`
	Select  []string `json:"select,omitempty" yaml:"select,omitempty"`
	Filters []Filter `json:"filters,omitempty" yaml:"filters,omitempty" validate:"dive"`
	Sort    *Sort    `json:"sort,omitempty" yaml:"sort,omitempty"`
	Limit   int      `json:"limit,omitempty" yaml:"limit,omitempty" validate:"gte=0"`
	Offset  int      `json:"offset,omitempty" yaml:"offset,omitempty" validate:"gte=0"`
}

// QueryEcho reports what was actually applied to a query, so the calling
// model (and whoever debugs it) can see how its request was interpreted.
type QueryEcho struct {
	Table   string   `json:"table"`
	Select  []string `json:"select,omitempty"`
	Filters []Filter `json:"filters"`
	Sort    *Sort    `json:"sort,omitempty"`
	Sorted  bool     `json:"sorted"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
}

type QueryResult struct {
	Success bool      `json:"success"`
	Data    []Row     `json:"data"`
	Count   int       `json:"count"`
	Query   QueryEcho `json:"query"`
}

// ── Aggregation ──────────────────────────────────────────────

type AggregationType string

const (
	AggCount AggregationType = "count"
	AggSum   AggregationType = "sum"
	AggAvg   AggregationType = "avg"
	AggMin   AggregationType = "min"
	AggMax   AggregationType = "max"
)

type Aggregation struct {
	Type    AggregationType `json:"type" yaml:"type" validate:"required,oneof=count sum avg min max"`
	Column  string          `json:"column" yaml:"column" validate:"required"`
	GroupBy string          `json:"groupBy,omitempty" yaml:"groupBy,omitempty"`
}

// DateRange compiles to gte/lte filters on Column.
type DateRange struct {
	Column string `json:"column" yaml:"column" validate:"required"`
	Start  string `json:"start,omitempty" yaml:"start,omitempty"`
	End    string `json:"end,omitempty" yaml:"end,omitempty"`
}

type AggregateRequest struct {
	Table       string      `json:"table" yaml:"table" validate:"required"`
	Aggregation Aggregation `json:"aggregation" yaml:"aggregation"`
	Filters     []Filter    `json:"filters,omitempty" yaml:"filters,omitempty" validate:"dive"`
	DateRange   *DateRange  `json:"dateRange,omitempty" yaml:"dateRange,omitempty"`
}

type AggregateResult struct {
	Success     bool            `json:"success"`
	Results     []Row           `json:"results"`
	Aggregation AggregationType `json:"aggregation"`
	GroupedBy   *string         `json:"groupedBy"`
}

// ── Relationship Queries ─────────────────────────────────────

// ResolvedName is a lookup-table row matched by name.
type ResolvedName struct {
	ID   interface{} `json:"id"`
	Name string      `json:"name"`
}

// RelationResult is the envelope returned by the specialized two/three hop
// queries. A name that resolves to nothing is an expected outcome and is
// reported with Success=false rather than as an error.
type RelationResult struct {
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	Count          int                    `json:"count"`
	Data           []Row                  `json:"data"`
	Resolved       []ResolvedName         `json:"resolved,omitempty"`
	FiltersApplied map[string]interface{} `json:"filters_applied,omitempty"`
	TotalRisks     *int                   `json:"total_risks,omitempty"`
}

// ── Custom Tools ─────────────────────────────────────────────

type CustomToolStatus string

const (
	CustomToolActive   CustomToolStatus = "active"
	CustomToolInactive CustomToolStatus = "inactive"
	CustomToolError    CustomToolStatus = "error"
)

type ProgramKind string

const (
	ProgramQuery     ProgramKind = "query"
	ProgramAggregate ProgramKind = "aggregate"
)

// ProgramFilter is a filter template. When ValueExpr is set it is evaluated
// against the call arguments; a nil result drops the filter.
type ProgramFilter struct {
	Column    string      `json:"column" yaml:"column" validate:"required"`
	Operator  Operator    `json:"operator" yaml:"operator" validate:"required"`
	Value     interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	ValueExpr string      `json:"value_expr,omitempty" yaml:"value_expr,omitempty"`
}

// ToolProgram is the declarative body of a user-defined tool.
type ToolProgram struct {
	Kind        ProgramKind     `json:"kind" yaml:"kind" validate:"required,oneof=query aggregate"`
	Table       string          `json:"table" yaml:"table" validate:"required"`
	Select      []string        `json:"select,omitempty" yaml:"select,omitempty"`
	Filters     []ProgramFilter `json:"filters,omitempty" yaml:"filters,omitempty" validate:"dive"`
	Sort        *Sort           `json:"sort,omitempty" yaml:"sort,omitempty"`
	Limit       int             `json:"limit,omitempty" yaml:"limit,omitempty" validate:"gte=0"`
	LimitExpr   string          `json:"limit_expr,omitempty" yaml:"limit_expr,omitempty"`
	Aggregation *Aggregation    `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
	RowFilter   string          `json:"row_filter,omitempty" yaml:"row_filter,omitempty"`
}

type CustomTool struct {
	ID           string                 `json:"id" yaml:"id"`
	OwnerID      string                 `json:"user_id" yaml:"user_id"`
	Name         string                 `json:"name" yaml:"name" validate:"required"`
	DisplayName  string                 `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description  string                 `json:"description" yaml:"description"`
	Parameters   map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"` // JSON Schema
	Program      ToolProgram            `json:"definition" yaml:"definition"`
	Status       CustomToolStatus       `json:"status" yaml:"status"`
	ErrorMessage string                 `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	UsageCount   int                    `json:"usage_count" yaml:"usage_count"`
	LastUsedAt   *time.Time             `json:"last_used_at,omitempty" yaml:"last_used_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" yaml:"updated_at"`
}

// ── Schema Registry ──────────────────────────────────────────

type TableSchema struct {
	Name          string   `json:"table_name"`
	Columns       []string `json:"columns"`
	SystemColumns []string `json:"system_columns,omitempty"`
	APIColumns    []string `json:"api_columns,omitempty"`
	RecordCount   int64    `json:"record_count"`
}

type Relationship struct {
	FromTable        string `json:"from_table"`
	FromColumn       string `json:"from_column"`
	ToTable          string `json:"to_table"`
	ToColumn         string `json:"to_column"`
	RelationshipType string `json:"relationship_type"` // many_to_one
	Confidence       string `json:"confidence"`        // suggested | known
}

type SchemaRegistry struct {
	Tables        []TableSchema  `json:"tables"`
	Relationships []Relationship `json:"relationships"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// ── Chat / Tool Calling ──────────────────────────────────────

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolDefinition describes a tool the LLM can call.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall is a tool invocation requested by the model. Arguments is the raw
// JSON string the model produced and is untrusted.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages with tool calls
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	Name       string     `json:"name,omitempty"`         // tool name for tool messages
}

type CompletionRequest struct {
	Model     string           `json:"model,omitempty"`
	Messages  []ChatMessage    `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

type CompletionResponse struct {
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
	LatencyMs    int64      `json:"latency_ms"`
}

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// ── Ask (orchestration) ──────────────────────────────────────

type AskRequest struct {
	Message string        `json:"message" validate:"required"`
	History []ChatMessage `json:"history,omitempty"`
	// SessionID, when set, replays and extends a server-side conversation
	// instead of relying on History.
	SessionID string `json:"session_id,omitempty"`
}

type AskResponse struct {
	Success      bool            `json:"success"`
	Message      string          `json:"message"`
	Error        string          `json:"error,omitempty"`
	Data         []interface{}   `json:"data"`
	Iterations   int             `json:"iterations"`
	LimitReached bool            `json:"limit_reached"`
	SessionID    string          `json:"session_id,omitempty"`
	Trace        *ExecutionTrace `json:"trace,omitempty"`
}

// Session is a server-side conversation: the user and assistant turns of
// earlier asks, replayed as history.
type Session struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ExecutionTrace records every round of an ask.
type ExecutionTrace struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Rounds      []Round   `json:"rounds"`
	TotalTokens int64     `json:"total_tokens"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
}

type Round struct {
	Number    int          `json:"number"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model,omitempty"`
	ToolCalls []ToolRecord `json:"tool_calls,omitempty"`
	LatencyMs int64        `json:"latency_ms"`
}

type ToolRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsError    bool   `json:"is_error"`
	DurationMs int64  `json:"duration_ms"`
}

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"` // text
	Text string `json:"text,omitempty"`
}
