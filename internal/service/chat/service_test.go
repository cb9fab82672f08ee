package chat_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	modelchat "github.com/mindhaven/backend/internal/model/chat"
	chat "github.com/mindhaven/backend/internal/service/chat"
	"github.com/mindhaven/backend/internal/store"
)

func newService() *chat.Service {
	return chat.NewService(store.NewMemory(), zap.NewNop())
}

func TestServiceCreateAndAuthorize(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if session.Status != modelchat.StatusActive {
		t.Fatalf("new session should be active, got %s", session.Status)
	}

	got, err := svc.Authorize(ctx, session.ID, "user-1")
	if err != nil {
		t.Fatalf("Authorize err: %v", err)
	}
	if got.ID != session.ID {
		t.Fatalf("unexpected session ID: got %s want %s", got.ID, session.ID)
	}
}

func TestServiceAuthorizeNotFound(t *testing.T) {
	svc := newService()

	_, err := svc.Authorize(context.Background(), "missing", "user-1")
	if !errors.Is(err, chat.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestServiceAuthorizeWrongOwner(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}

	_, err = svc.Authorize(ctx, session.ID, "user-2")
	if !errors.Is(err, chat.ErrNotSessionOwner) {
		t.Fatalf("expected ErrNotSessionOwner, got %v", err)
	}
}

func TestServiceAuthorizeClosedSession(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession err: %v", err)
	}
	if err := svc.Close(ctx, session.ID); err != nil {
		t.Fatalf("Close err: %v", err)
	}

	_, err = svc.Authorize(ctx, session.ID, "user-1")
	if !errors.Is(err, chat.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
