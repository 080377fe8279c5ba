// Package escalation sends the follow-up SMS for recipients who never
// confirmed a broadcast call.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/sms"

	"github.com/google/uuid"
)

type Kind string

const (
	// KindEscalation follows an exhausted voice outcome.
	KindEscalation Kind = "escalation"
	// KindNotice is the plain SMS leg of sms/both broadcasts.
	KindNotice Kind = "notice"
)

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Result is one SMS delivery attempt. Results are append-only and kept apart
// from call attempts.
type Result struct {
	ID           string    `json:"id"`
	BroadcastID  string    `json:"broadcastId"`
	EmployeeID   string    `json:"employeeId,omitempty"`
	EmployeeName string    `json:"employeeName,omitempty"`
	PhoneNumber  string    `json:"phoneNumber"`
	Kind         Kind      `json:"kind"`
	SentAt       time.Time `json:"sentAt"`
	Status       Status    `json:"status"`
	MessageID    string    `json:"messageId,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Recorder persists SMS results.
type Recorder interface {
	AppendSMSResult(ctx context.Context, r Result) error
}

type key struct {
	broadcastID string
	phone       string
	kind        Kind
}

// Escalator sends at most one SMS per (broadcast, phone, kind) for the
// lifetime of the process; Seed restores that memory after a restart.
type Escalator struct {
	gw  sms.Gateway
	rec Recorder
	log *slog.Logger
	now func() time.Time

	mu   sync.Mutex
	sent map[key]struct{}
}

func New(gw sms.Gateway, rec Recorder, log *slog.Logger) *Escalator {
	if log == nil {
		log = slog.Default()
	}
	return &Escalator{gw: gw, rec: rec, log: log, now: time.Now, sent: map[key]struct{}{}}
}

// Seed marks already persisted results as done.
func (e *Escalator) Seed(results []Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		e.sent[key{r.BroadcastID, r.PhoneNumber, r.Kind}] = struct{}{}
	}
}

// Escalate texts r once its voice outcome is exhausted. It returns false
// when an escalation for this recipient was already made.
func (e *Escalator) Escalate(ctx context.Context, broadcastID, text string, r broadcast.Recipient) (Result, bool, error) {
	return e.send(ctx, KindEscalation, broadcastID, text, r)
}

// Notify sends the SMS leg of an sms/both broadcast, once per recipient.
func (e *Escalator) Notify(ctx context.Context, broadcastID, text string, r broadcast.Recipient) (Result, bool, error) {
	return e.send(ctx, KindNotice, broadcastID, text, r)
}

func (e *Escalator) send(ctx context.Context, kind Kind, broadcastID, text string, r broadcast.Recipient) (Result, bool, error) {
	k := key{broadcastID, r.PhoneNumber, kind}
	e.mu.Lock()
	if _, done := e.sent[k]; done {
		e.mu.Unlock()
		return Result{}, false, nil
	}
	e.sent[k] = struct{}{}
	e.mu.Unlock()

	res := Result{
		ID:           uuid.NewString(),
		BroadcastID:  broadcastID,
		EmployeeID:   r.EmployeeID,
		EmployeeName: r.EmployeeName,
		PhoneNumber:  r.PhoneNumber,
		Kind:         kind,
	}
	sr, err := e.gw.SendSMS(ctx, r.PhoneNumber, broadcast.TruncateSMS(text))
	res.SentAt = e.now()
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		e.log.Warn("sms failed", "broadcast_id", broadcastID, "phone", r.PhoneNumber, "kind", kind, "err", err)
	} else {
		res.Status = StatusSent
		res.MessageID = sr.MessageID
	}

	if e.rec != nil {
		if err := e.rec.AppendSMSResult(context.WithoutCancel(ctx), res); err != nil {
			return res, true, fmt.Errorf("escalation: record: %w", err)
		}
	}
	return res, true, nil
}

// MemoryRecorder keeps results in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	Results []Result
}

func (m *MemoryRecorder) AppendSMSResult(ctx context.Context, r Result) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results = append(m.Results, r)
	return nil
}

func (m *MemoryRecorder) All() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Result, len(m.Results))
	copy(out, m.Results)
	return out
}
