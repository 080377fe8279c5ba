package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"
)

// MemoryRepo keeps everything in process memory. Used by tests and the
// local profile.
type MemoryRepo struct {
	mu         sync.RWMutex
	broadcasts map[string]*broadcast.Broadcast
	attempts   map[string][]attempts.CallAttempt
	sms        map[string][]escalation.Result
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		broadcasts: map[string]*broadcast.Broadcast{},
		attempts:   map[string][]attempts.CallAttempt{},
		sms:        map[string][]escalation.Result{},
	}
}

func (r *MemoryRepo) CreateBroadcast(ctx context.Context, b broadcast.Broadcast) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := b.Clone()
	r.broadcasts[b.ID] = &cp
	return nil
}

func (r *MemoryRepo) SaveBroadcast(ctx context.Context, b broadcast.Broadcast) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.broadcasts[b.ID]
	if !ok {
		return ErrNotFound
	}
	recipients := cur.Recipients
	*cur = b.Clone()
	cur.Recipients = recipients
	return nil
}

func (r *MemoryRepo) SaveRecipient(ctx context.Context, broadcastID string, rc broadcast.Recipient) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.broadcasts[broadcastID]
	if !ok {
		return ErrNotFound
	}
	for i := range cur.Recipients {
		if cur.Recipients[i].PhoneNumber == rc.PhoneNumber {
			cur.Recipients[i] = rc
			return nil
		}
	}
	return ErrNotFound
}

func (r *MemoryRepo) GetBroadcast(ctx context.Context, id string) (broadcast.Broadcast, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.broadcasts[id]
	if !ok {
		return broadcast.Broadcast{}, ErrNotFound
	}
	return b.Clone(), nil
}

func (r *MemoryRepo) ListBroadcasts(ctx context.Context, f Filter) ([]broadcast.Broadcast, error) {
	_ = ctx
	r.mu.RLock()
	var out []broadcast.Broadcast
	for _, b := range r.broadcasts {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.CreatedBy != "" && b.CreatedBy != f.CreatedBy {
			continue
		}
		h := b.Clone()
		h.Recipients = nil
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (r *MemoryRepo) ListDue(ctx context.Context, now time.Time) ([]broadcast.Broadcast, error) {
	return r.list(ctx, func(b *broadcast.Broadcast) bool {
		return b.Status == broadcast.StatusPending && b.ScheduledAt != nil && !b.ScheduledAt.After(now)
	})
}

func (r *MemoryRepo) ListByStatus(ctx context.Context, s broadcast.Status) ([]broadcast.Broadcast, error) {
	return r.list(ctx, func(b *broadcast.Broadcast) bool { return b.Status == s })
}

func (r *MemoryRepo) list(ctx context.Context, keep func(*broadcast.Broadcast) bool) ([]broadcast.Broadcast, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []broadcast.Broadcast
	for _, b := range r.broadcasts {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) AppendAttempt(ctx context.Context, a attempts.CallAttempt) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[a.BroadcastID] = append(r.attempts[a.BroadcastID], a)
	return nil
}

func (r *MemoryRepo) ListAttempts(ctx context.Context, broadcastID string) ([]attempts.CallAttempt, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.attempts[broadcastID]
	out := make([]attempts.CallAttempt, len(src))
	copy(out, src)
	return out, nil
}

func (r *MemoryRepo) AppendSMSResult(ctx context.Context, res escalation.Result) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sms[res.BroadcastID] = append(r.sms[res.BroadcastID], res)
	return nil
}

func (r *MemoryRepo) ListSMSResults(ctx context.Context, broadcastID string) ([]escalation.Result, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.sms[broadcastID]
	out := make([]escalation.Result, len(src))
	copy(out, src)
	return out, nil
}
