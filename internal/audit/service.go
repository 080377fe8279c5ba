package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, f ListFilter) ([]Event, error)
}

// Service logs internal audit information.
//
// IMPORTANT:
//   - Audit is internal-only; the API exposes it to admins only.
//   - Callers should treat audit logging as best-effort (see Record).
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// Record appends e and only logs a failure. A nil *Service is a no-op.
func (s *Service) Record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("audit append failed", "type", e.Type, "broadcast_id", e.BroadcastID, "trunk_id", e.TrunkID, "err", err)
	}
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Event, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return s.repo.List(ctx, f)
}

// LogBroadcast records a broadcast lifecycle event.
func (s *Service) LogBroadcast(ctx context.Context, t EventType, actor, broadcastID, message string, meta map[string]any) {
	s.Record(ctx, Event{
		Type:        t,
		ActorUserID: actor,
		BroadcastID: broadcastID,
		Message:     message,
		Metadata:    encodeMeta(meta),
	})
}

// LogTrunk records a trunk status change.
func (s *Service) LogTrunk(ctx context.Context, t EventType, actor, trunkID, message string) {
	s.Record(ctx, Event{
		Type:        t,
		ActorUserID: actor,
		TrunkID:     trunkID,
		Message:     message,
	})
}

func encodeMeta(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}
