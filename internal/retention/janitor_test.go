package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentoven/datachat/internal/retention"
	"github.com/agentoven/datachat/internal/sessions"
	"github.com/agentoven/datachat/pkg/models"
)

type spyPurger struct {
	cutoffs []time.Time
	n       int
}

func (p *spyPurger) PurgeIdle(_ context.Context, cutoff time.Time) int {
	p.cutoffs = append(p.cutoffs, cutoff)
	return p.n
}

func TestRunCycle_UsesTTL(t *testing.T) {
	spy := &spyPurger{n: 3}
	j := retention.NewJanitor(spy, 30*time.Minute)

	before := time.Now()
	if got := j.RunCycle(context.Background()); got != 3 {
		t.Errorf("RunCycle() = %d, want 3", got)
	}
	if len(spy.cutoffs) != 1 {
		t.Fatalf("PurgeIdle calls = %d, want 1", len(spy.cutoffs))
	}
	want := before.Add(-30 * time.Minute)
	if d := spy.cutoffs[0].Sub(want); d < 0 || d > time.Second {
		t.Errorf("cutoff = %v, want about %v", spy.cutoffs[0], want)
	}
}

func TestRunCycle_KeepsFreshSessions(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemorySessionStore(0)
	store.Append(ctx, "alice", "s1", models.ChatMessage{Role: models.RoleUser, Content: "q"})

	j := retention.NewJanitor(store, time.Hour)
	if got := j.RunCycle(ctx); got != 0 {
		t.Errorf("RunCycle() = %d, want 0 for a fresh session", got)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		retention.NewJanitor(&spyPurger{}, 0).Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
