package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/datachat/internal/registry"
	"github.com/agentoven/datachat/pkg/models"
)

const basePrompt = `You answer questions about the user's audit and risk data by calling tools.

Rules:
- Only use the tools provided. Table and column names are lowercase with underscores.
- Use query_data to read rows and aggregate_data for counts, sums, averages, minimums and maximums.
- Tables have no foreign keys. For questions that cross tables by a name (an entity type, a risk
  category, an assessment period), prefer get_entities_by_type, get_risks_by_category,
  get_assessments_by_filter and get_entities_with_risks over chaining query_data calls.
- You may call several tools at once when they do not depend on each other.
- When you have enough data, answer concisely in plain text and do not call more tools.`

// buildInitialMessages constructs the system prompt, prior history and the
// new user message.
func (e *Executor) buildInitialMessages(ctx context.Context, owner string, req models.AskRequest) []models.ChatMessage {
	messages := make([]models.ChatMessage, 0, len(req.History)+2)
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: e.systemPrompt(ctx, owner),
	})

	for _, m := range req.History {
		// Prior system turns are replaced by ours; tool plumbing is not replayed.
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, models.ChatMessage{Role: m.Role, Content: m.Content})
	}

	messages = append(messages, models.ChatMessage{
		Role:    models.RoleUser,
		Content: req.Message,
	})
	return messages
}

func (e *Executor) systemPrompt(ctx context.Context, owner string) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if e.schemas == nil {
		writeRelationships(&b, registry.KnownRelationships)
		return b.String()
	}
	reg, err := e.schemas.Build(ctx, owner)
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("Schema registry unavailable, prompting without it")
		writeRelationships(&b, registry.KnownRelationships)
		return b.String()
	}

	if len(reg.Tables) > 0 {
		b.WriteString("\n\nAvailable tables:\n")
		for _, t := range reg.Tables {
			cols := t.APIColumns
			if len(cols) == 0 {
				cols = t.Columns
			}
			fmt.Fprintf(&b, "- %s (%d records): %s\n", t.Name, t.RecordCount, strings.Join(cols, ", "))
		}
	}
	writeRelationships(&b, reg.Relationships)
	return b.String()
}

func writeRelationships(b *strings.Builder, rels []models.Relationship) {
	if len(rels) == 0 {
		return
	}
	b.WriteString("\nRelationships:\n")
	for _, r := range rels {
		fmt.Fprintf(b, "- %s.%s → %s.%s (%s, %s)\n", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn, r.RelationshipType, r.Confidence)
	}
}
