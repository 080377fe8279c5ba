package audit

import (
	"context"
	"errors"
	"testing"

	"broadcast-platform/pkg/logger"
)

func TestService_AppendRequiresType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard())

	if err := svc.Append(context.Background(), Event{BroadcastID: "b1"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard())

	svc.LogBroadcast(context.Background(), EventBroadcastCancelled, "admin", "b1", "cancelled by operator", map[string]any{"reason": "test"})

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
	if evs[0].Type != EventBroadcastCancelled || evs[0].ActorUserID != "admin" {
		t.Fatalf("unexpected event %+v", evs[0])
	}
	if evs[0].Metadata != `{"reason":"test"}` {
		t.Fatalf("unexpected metadata %q", evs[0].Metadata)
	}
}

func TestService_ListNewestFirstWithFilter(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, logger.Discard())
	ctx := context.Background()

	svc.LogBroadcast(ctx, EventBroadcastCreated, "u", "b1", "", nil)
	svc.LogTrunk(ctx, EventTrunkFailed, "system", "t1", "3 transport errors")
	svc.LogBroadcast(ctx, EventBroadcastStarted, "u", "b1", "", nil)

	evs, err := svc.List(ctx, ListFilter{BroadcastID: "b1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(evs) != 2 || evs[0].Type != EventBroadcastStarted {
		t.Fatalf("unexpected events %+v", evs)
	}

	evs, _ = svc.List(ctx, ListFilter{Type: EventTrunkFailed})
	if len(evs) != 1 || evs[0].TrunkID != "t1" {
		t.Fatalf("unexpected events %+v", evs)
	}
}

func TestService_RecordOnNilServiceIsNoop(t *testing.T) {
	var svc *Service
	svc.LogBroadcast(context.Background(), EventBroadcastCreated, "u", "b1", "", nil)
}
