package sweeper_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mindhaven/backend/internal/model/chat"
	"github.com/mindhaven/backend/internal/service/sweeper"
	"github.com/mindhaven/backend/internal/store"
)

func TestRunOnceClosesOnlyIdleSessions(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	idle, err := st.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	s, err := sweeper.New(st, 2*time.Millisecond, "@hourly", zap.NewNop())
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	fresh, err := st.CreateSession(ctx, "user-2")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	s.RunOnce(ctx)

	gotIdle, err := st.GetSession(ctx, idle.ID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if gotIdle.Status != chat.StatusClosed {
		t.Fatalf("idle session should be closed, got %s", gotIdle.Status)
	}

	gotFresh, err := st.GetSession(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetSession err: %v", err)
	}
	if gotFresh.Status != chat.StatusActive {
		t.Fatalf("fresh session should stay active, got %s", gotFresh.Status)
	}
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	if _, err := sweeper.New(store.NewMemory(), time.Hour, "not a schedule", zap.NewNop()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
