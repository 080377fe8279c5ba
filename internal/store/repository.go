// Package store persists broadcasts, their recipients, call attempts and SMS
// results.
package store

import (
	"context"
	"fmt"
	"time"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"
)

var ErrNotFound = fmt.Errorf("store: broadcast %w", apperr.ErrNotFound)

// Filter narrows ListBroadcasts. Zero values mean "any".
type Filter struct {
	Status    broadcast.Status
	CreatedBy string
	Limit     int
	Offset    int
}

const defaultListLimit = 50

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return defaultListLimit
	}
	return f.Limit
}

type Repository interface {
	CreateBroadcast(ctx context.Context, b broadcast.Broadcast) error
	// SaveBroadcast updates status, counters and timestamps. Recipients are
	// written through SaveRecipient.
	SaveBroadcast(ctx context.Context, b broadcast.Broadcast) error
	SaveRecipient(ctx context.Context, broadcastID string, r broadcast.Recipient) error
	GetBroadcast(ctx context.Context, id string) (broadcast.Broadcast, error)
	// ListBroadcasts returns newest first, without recipients.
	ListBroadcasts(ctx context.Context, f Filter) ([]broadcast.Broadcast, error)
	// ListDue returns pending broadcasts scheduled at or before now.
	ListDue(ctx context.Context, now time.Time) ([]broadcast.Broadcast, error)
	// ListByStatus returns full broadcasts in status s.
	ListByStatus(ctx context.Context, s broadcast.Status) ([]broadcast.Broadcast, error)

	AppendAttempt(ctx context.Context, a attempts.CallAttempt) error
	ListAttempts(ctx context.Context, broadcastID string) ([]attempts.CallAttempt, error)

	AppendSMSResult(ctx context.Context, r escalation.Result) error
	ListSMSResults(ctx context.Context, broadcastID string) ([]escalation.Result, error)
}
