package dispatch

import (
	"sync"
	"time"

	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"
)

type UpdateType string

const (
	UpdateStatus    UpdateType = "status"
	UpdateRecipient UpdateType = "recipient"
	UpdateSMS       UpdateType = "sms"
)

// Update is one live change of a broadcast, pushed to stream subscribers.
type Update struct {
	Type         UpdateType            `json:"type"`
	BroadcastID  string                `json:"broadcastId"`
	Status       broadcast.Status      `json:"status"`
	Progress     int                   `json:"progressPercentage"`
	SuccessCount int                   `json:"successCount"`
	FailureCount int                   `json:"failureCount"`
	Recipient    *broadcast.Recipient  `json:"recipient,omitempty"`
	Attempt      *attempts.CallAttempt `json:"attempt,omitempty"`
	SMS          *escalation.Result    `json:"sms,omitempty"`
	At           time.Time             `json:"at"`
}

// Hub fans broadcast updates out to subscribers. Slow subscribers lose
// updates rather than stall the dispatcher.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Update
	next int
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[int]chan Update{}}
}

// Subscribe receives updates of broadcastID until the returned func is called.
func (h *Hub) Subscribe(broadcastID string) (<-chan Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Update, 32)
	if h.subs[broadcastID] == nil {
		h.subs[broadcastID] = map[int]chan Update{}
	}
	h.subs[broadcastID][id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[broadcastID][id]; ok {
			delete(h.subs[broadcastID], id)
			if len(h.subs[broadcastID]) == 0 {
				delete(h.subs, broadcastID)
			}
			close(c)
		}
	}
}

func (h *Hub) Publish(u Update) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[u.BroadcastID] {
		select {
		case ch <- u:
		default:
		}
	}
}

func statusUpdate(b *broadcast.Broadcast, t UpdateType, now time.Time) Update {
	return Update{
		Type:         t,
		BroadcastID:  b.ID,
		Status:       b.Status,
		Progress:     b.ProgressPercentage(),
		SuccessCount: b.SuccessCount,
		FailureCount: b.FailureCount,
		At:           now,
	}
}
