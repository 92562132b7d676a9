// Package mcpgw exposes the tool dispatch table over MCP (Model Context
// Protocol) JSON-RPC 2.0, so external agents can discover and call the same
// owner-scoped tools the /ask loop uses. It supports:
//   - initialize / ping handshakes
//   - tools/list and tools/call against the dispatch table
//   - SSE subscriptions for tools/list_changed notifications
package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/internal/tools"
	"github.com/agentoven/datachat/pkg/models"
)

// JSON-RPC error codes.
const (
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
	CodeToolNotFound   = -32001
)

// ToolSource is the dispatch table served by the gateway.
type ToolSource interface {
	Definitions(ctx context.Context, owner string) ([]models.ToolDefinition, error)
	Dispatch(ctx context.Context, owner, name string, args map[string]interface{}) interface{}
}

// Gateway answers MCP requests on behalf of an owner.
type Gateway struct {
	tools   ToolSource
	version string

	// SSE subscribers: owner → channels
	subsMu sync.RWMutex
	subs   map[string][]chan models.MCPResponse
}

// NewGateway creates a new MCP gateway.
func NewGateway(ts ToolSource, version string) *Gateway {
	return &Gateway{
		tools:   ts,
		version: version,
		subs:    make(map[string][]chan models.MCPResponse),
	}
}

// HandleJSONRPC processes an MCP JSON-RPC 2.0 request. Notifications return nil.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, owner string, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {

	// ── Discovery ────────────────────────────────────
	case "initialize":
		return gw.handleInitialize(req)

	case "tools/list":
		return gw.handleToolsList(ctx, owner, req)

	// ── Tool Invocation ──────────────────────────────
	case "tools/call":
		return gw.handleToolsCall(ctx, owner, req)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Str("owner", owner).Msg("MCP client initialized")
		return nil

	case "ping":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]string{"status": "pong"},
			ID:      req.ID,
		}

	default:
		return rpcError(req, CodeMethodNotFound, "Method not found",
			fmt.Sprintf("Method '%s' is not supported by the MCP gateway", req.Method))
	}
}

func (gw *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{
					"listChanged": true,
				},
			},
			"serverInfo": map[string]string{
				"name":    "datachat-mcp-gateway",
				"version": gw.version,
			},
		},
		ID: req.ID,
	}
}

func (gw *Gateway) handleToolsList(ctx context.Context, owner string, req *models.MCPRequest) *models.MCPResponse {
	defs, err := gw.tools.Definitions(ctx, owner)
	if err != nil {
		return rpcError(req, CodeInternal, "Internal error", err.Error())
	}

	mcpTools := make([]models.MCPToolInfo, 0, len(defs))
	for _, d := range defs {
		mcpTools = append(mcpTools, models.MCPToolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Parameters,
		})
	}

	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"tools": mcpTools,
		},
		ID: req.ID,
	}
}

// handleToolsCall runs a tool through the dispatch table. Tool failures are
// results with isError set; only an unknown tool is a protocol error.
func (gw *Gateway) handleToolsCall(ctx context.Context, owner string, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req, CodeInvalidParams, "Invalid params", err.Error())
	}
	if params.Name == "" {
		return rpcError(req, CodeInvalidParams, "Invalid params", "name is required")
	}

	result := gw.tools.Dispatch(ctx, owner, params.Name, params.Arguments)
	if m, ok := result.(map[string]interface{}); ok && tools.IsError(m) && m["error"] == tools.ErrToolNotFound {
		return rpcError(req, CodeToolNotFound, "Tool not found",
			fmt.Sprintf("Tool '%s' is not available", params.Name))
	}

	text, err := json.Marshal(result)
	if err != nil {
		return rpcError(req, CodeInternal, "Internal error", err.Error())
	}
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: models.MCPToolResult{
			Content: []models.MCPContent{{Type: "text", Text: string(text)}},
			IsError: tools.IsError(result),
		},
		ID: req.ID,
	}
}

func rpcError(req *models.MCPRequest, code int, msg string, data interface{}) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error: &models.MCPError{
			Code:    code,
			Message: msg,
			Data:    data,
		},
		ID: req.ID,
	}
}

// ── SSE Subscription Management ─────────────────────────────

// Subscribe creates an SSE subscription for an owner.
func (gw *Gateway) Subscribe(owner string) <-chan models.MCPResponse {
	ch := make(chan models.MCPResponse, 32)
	gw.subsMu.Lock()
	gw.subs[owner] = append(gw.subs[owner], ch)
	gw.subsMu.Unlock()
	return ch
}

// Unsubscribe removes an SSE subscription and closes its channel.
func (gw *Gateway) Unsubscribe(owner string, ch <-chan models.MCPResponse) {
	gw.subsMu.Lock()
	defer gw.subsMu.Unlock()

	subs := gw.subs[owner]
	for i, s := range subs {
		if s == ch {
			gw.subs[owner] = append(subs[:i], subs[i+1:]...)
			close(s)
			break
		}
	}
	if len(gw.subs[owner]) == 0 {
		delete(gw.subs, owner)
	}
}

// NotifyToolsChanged tells an owner's subscribers to re-list tools.
func (gw *Gateway) NotifyToolsChanged(owner string) {
	gw.Broadcast(owner, models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  map[string]string{"method": "notifications/tools/list_changed"},
	})
}

// Broadcast sends a message to all subscribers of an owner.
func (gw *Gateway) Broadcast(owner string, resp models.MCPResponse) {
	gw.subsMu.RLock()
	defer gw.subsMu.RUnlock()

	for _, ch := range gw.subs[owner] {
		select {
		case ch <- resp:
		default:
			// Drop if subscriber is too slow
		}
	}
}
