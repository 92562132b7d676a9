package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentoven/datachat/pkg/models"
)

// ── Anthropic Provider ──────────────────────────────────────

const anthropicDefaultMaxTokens = 4096

// AnthropicDriver speaks the Messages API.
type AnthropicDriver struct{}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

func (d *AnthropicDriver) Call(ctx context.Context, provider *Provider, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	if provider.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api_key not configured for provider %s", provider.Name)
	}
	model := modelFor(provider, req)
	if model == "" {
		return nil, fmt.Errorf("anthropic: no model configured for provider %s", provider.Name)
	}

	opts := []aoption.RequestOption{aoption.WithAPIKey(provider.APIKey)}
	if provider.BaseURL != "" {
		opts = append(opts, aoption.WithBaseURL(provider.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokensFor(provider, req, anthropicDefaultMaxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if system := systemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := &models.CompletionResponse{
		Provider:     provider.Name,
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: models.TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
			TotalTokens:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			args := string(variant.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: variant.ID, Name: variant.Name, Arguments: args})
		}
	}
	out.Content = text.String()
	return out, nil
}

func systemPrompt(msgs []models.ChatMessage) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == models.RoleSystem && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, strings.TrimSpace(m.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}

// toAnthropicMessages folds tool results into user turns. Consecutive tool
// messages become one user message carrying several tool_result blocks.
func toAnthropicMessages(msgs []models.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	var pending []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case models.RoleAssistant:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input interface{} = map[string]interface{}{}
				if tc.Arguments != "" {
					var parsed interface{}
					if err := json.Unmarshal([]byte(tc.Arguments), &parsed); err == nil {
						input = parsed
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			flush()
			if m.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func toAnthropicTools(defs []models.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var required []string
		if req, ok := d.Parameters["required"].([]interface{}); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        d.Name,
			InputSchema: anthropic.ToolInputSchemaParam{Properties: d.Parameters["properties"], Required: required},
		}
		if d.Description != "" {
			param.Description = anthropic.String(d.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}
