package sessions_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/datachat/internal/sessions"
	"github.com/agentoven/datachat/pkg/models"
)

func turn(role models.Role, text string) models.ChatMessage {
	return models.ChatMessage{Role: role, Content: text}
}

func TestAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	s := sessions.NewMemorySessionStore(0)

	assert.Nil(t, s.History(ctx, "alice", "s1"))

	s.Append(ctx, "alice", "s1", turn(models.RoleUser, "q1"), turn(models.RoleAssistant, "a1"))
	s.Append(ctx, "alice", "s1", turn(models.RoleUser, "q2"))

	hist := s.History(ctx, "alice", "s1")
	require.Len(t, hist, 3)
	assert.Equal(t, "q2", hist[2].Content)

	// Same id, other owner.
	assert.Nil(t, s.History(ctx, "bob", "s1"))
	_, err := s.Get(ctx, "bob", "s1")
	assert.Error(t, err)
}

func TestAppendCapsMessages(t *testing.T) {
	ctx := context.Background()
	s := sessions.NewMemorySessionStore(4)

	for i := 0; i < 6; i++ {
		s.Append(ctx, "alice", "s1", turn(models.RoleUser, fmt.Sprintf("m%d", i)))
	}
	hist := s.History(ctx, "alice", "s1")
	require.Len(t, hist, 4)
	assert.Equal(t, "m2", hist[0].Content)
	assert.Equal(t, "m5", hist[3].Content)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := sessions.NewMemorySessionStore(0)
	s.Append(ctx, "alice", "s1", turn(models.RoleUser, "q1"))

	sess, err := s.Get(ctx, "alice", "s1")
	require.NoError(t, err)
	sess.Messages[0].Content = "mutated"

	assert.Equal(t, "q1", s.History(ctx, "alice", "s1")[0].Content)
}

func TestDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	s := sessions.NewMemorySessionStore(0)
	s.Append(ctx, "alice", "s1", turn(models.RoleUser, "q"))
	s.Append(ctx, "alice", "s2", turn(models.RoleUser, "q"))

	require.NoError(t, s.Delete(ctx, "alice", "s1"))
	assert.Error(t, s.Delete(ctx, "alice", "s1"))

	assert.Equal(t, 0, s.PurgeIdle(ctx, time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, s.PurgeIdle(ctx, time.Now().Add(time.Hour)))
	assert.Equal(t, 0, s.Len())
}
