// Package dispatch runs broadcasts: it dials recipients over the shared trunk
// pool, retries the unconfirmed, escalates the exhausted and closes the
// broadcast once every recipient has a final outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/audit"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/employees"
	"broadcast-platform/internal/escalation"
	"broadcast-platform/internal/metrics"
	"broadcast-platform/internal/notify"
	"broadcast-platform/internal/store"
	"broadcast-platform/internal/telephony"
	"broadcast-platform/internal/trunks"
)

var ErrShuttingDown = errors.New("dispatch: manager is shutting down")

// Resolver expands a recipient target.
type Resolver interface {
	Resolve(ctx context.Context, t employees.Target) ([]broadcast.Recipient, error)
}

type Deps struct {
	Repo      store.Repository
	Pool      *trunks.Pool
	Transport telephony.Transport
	Resolver  Resolver
	// Escalator is optional; without it no SMS is sent.
	Escalator *escalation.Escalator
	Metrics   *metrics.Metrics
	Audit     *audit.Service
	Notifier  notify.Notifier
	Hub       *Hub
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager owns the engines of all running broadcasts.
type Manager struct {
	repo      store.Repository
	pool      *trunks.Pool
	transport telephony.Transport
	resolver  Resolver
	escalator *escalation.Escalator
	metrics   *metrics.Metrics
	audit     *audit.Service
	notifier  notify.Notifier
	hub       *Hub
	log       *slog.Logger
	now       func() time.Time
	settings  Settings

	root context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	engines map[string]*engine
	wg      sync.WaitGroup
}

func NewManager(d Deps, s Settings) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Hub == nil {
		d.Hub = NewHub()
	}
	root, stop := context.WithCancel(context.Background())
	return &Manager{
		repo:      d.Repo,
		pool:      d.Pool,
		transport: d.Transport,
		resolver:  d.Resolver,
		escalator: d.Escalator,
		metrics:   d.Metrics,
		audit:     d.Audit,
		notifier:  d.Notifier,
		hub:       d.Hub,
		log:       d.Logger,
		now:       d.Now,
		settings:  s.withDefaults(),
		root:      root,
		stop:      stop,
		engines:   map[string]*engine{},
	}
}

func (m *Manager) Hub() *Hub { return m.hub }

// CreateInput is a new broadcast plus who it goes to.
type CreateInput struct {
	broadcast.NewInput
	Target employees.Target `json:"target"`
}

// Create resolves the target and stores a pending broadcast. Broadcasts
// without a scheduledAt start right away.
func (m *Manager) Create(ctx context.Context, in CreateInput) (broadcast.Broadcast, error) {
	if m.resolver == nil {
		return broadcast.Broadcast{}, errors.New("dispatch: no recipient resolver configured")
	}
	rs, err := m.resolver.Resolve(ctx, in.Target)
	if err != nil {
		return broadcast.Broadcast{}, err
	}
	b, err := broadcast.NewBroadcast(in.NewInput, rs, m.settings.MaxRetries, m.now())
	if err != nil {
		return broadcast.Broadcast{}, err
	}
	if err := m.repo.CreateBroadcast(ctx, b); err != nil {
		return broadcast.Broadcast{}, fmt.Errorf("dispatch: create: %w", err)
	}
	m.audit.LogBroadcast(ctx, audit.EventBroadcastCreated, b.CreatedBy, b.ID, "broadcast created", map[string]any{
		"type":       b.Type,
		"priority":   b.Priority,
		"recipients": b.TotalRecipients,
	})
	if b.ScheduledAt != nil {
		return b, nil
	}
	return m.Start(ctx, b.ID, b.CreatedBy)
}

// Start moves a pending broadcast to in_progress and begins dialling.
func (m *Manager) Start(ctx context.Context, id, actor string) (broadcast.Broadcast, error) {
	if m.root.Err() != nil {
		return broadcast.Broadcast{}, ErrShuttingDown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[id]; ok {
		return broadcast.Broadcast{}, &apperr.InvalidStateTransition{Entity: "broadcast", From: string(broadcast.StatusInProgress), Op: "start"}
	}
	b, err := m.repo.GetBroadcast(ctx, id)
	if err != nil {
		return broadcast.Broadcast{}, err
	}
	if err := b.Start(m.now()); err != nil {
		return broadcast.Broadcast{}, err
	}
	if err := m.repo.SaveBroadcast(ctx, b); err != nil {
		return broadcast.Broadcast{}, fmt.Errorf("dispatch: start: %w", err)
	}
	m.audit.LogBroadcast(ctx, audit.EventBroadcastStarted, actor, b.ID, "broadcast started", nil)
	m.metrics.BroadcastStarted()

	tr := attempts.NewTracker(b.ID, b.MaxRetries, b.Phones())
	var queue []string
	if b.Type != broadcast.TypeSMS {
		queue = b.Phones()
	}
	m.launchLocked(b, tr, queue, nil)
	return b, nil
}

// launchLocked hands the engine its own copy of b; the caller keeps b.
func (m *Manager) launchLocked(b broadcast.Broadcast, tr *attempts.Tracker, queue, exhausted []string) {
	e := newEngine(m, b.Clone(), tr, queue, exhausted)
	m.engines[b.ID] = e
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		e.run(m.root)
		m.mu.Lock()
		delete(m.engines, b.ID)
		m.mu.Unlock()
	}()
}

func (m *Manager) engine(id string) *engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engines[id]
}

// Cancel stops a broadcast. Calls already ringing finish and are recorded;
// nothing new is dialled.
func (m *Manager) Cancel(ctx context.Context, id, by, reason string) (broadcast.Broadcast, error) {
	return m.stopBroadcast(ctx, id, control{op: opCancel, by: by, reason: reason})
}

// Fail forces a broadcast into failed.
func (m *Manager) Fail(ctx context.Context, id, reason string) (broadcast.Broadcast, error) {
	return m.stopBroadcast(ctx, id, control{op: opFail, by: "system", reason: reason})
}

func (m *Manager) stopBroadcast(ctx context.Context, id string, c control) (broadcast.Broadcast, error) {
	for {
		if e := m.engine(id); e != nil {
			handled, err := e.send(ctx, c)
			if handled {
				if err != nil {
					return broadcast.Broadcast{}, err
				}
				return e.snapshot(), nil
			}
		}
		b, running, err := m.stopStored(ctx, id, c)
		if err != nil {
			return broadcast.Broadcast{}, err
		}
		if running != nil {
			// A live engine takes the control message on the next pass. One
			// that has just finished is deregistered right after done closes.
			select {
			case <-running.done:
				select {
				case <-time.After(time.Millisecond):
				case <-ctx.Done():
					return broadcast.Broadcast{}, ctx.Err()
				}
			default:
			}
			continue
		}
		m.hub.Publish(statusUpdate(&b, UpdateStatus, m.now()))
		m.notifier.BroadcastFinished(ctx, b)
		return b, nil
	}
}

// stopStored applies c to a broadcast that has no engine. It holds m.mu so
// a concurrent Start cannot launch an engine over the stored change. When
// an engine is registered it is returned instead.
func (m *Manager) stopStored(ctx context.Context, id string, c control) (broadcast.Broadcast, *engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[id]; ok {
		return broadcast.Broadcast{}, e, nil
	}
	b, err := m.repo.GetBroadcast(ctx, id)
	if err != nil {
		return broadcast.Broadcast{}, nil, err
	}
	now := m.now()
	t, msg := audit.EventBroadcastCancelled, "broadcast cancelled: "+c.reason
	switch c.op {
	case opCancel:
		err = b.Cancel(c.by, c.reason, now)
	case opFail:
		err = b.Fail(c.reason, now)
		t, msg = audit.EventBroadcastFailed, "broadcast failed: "+c.reason
	}
	if err != nil {
		return broadcast.Broadcast{}, nil, err
	}
	if err := m.repo.SaveBroadcast(ctx, b); err != nil {
		return broadcast.Broadcast{}, nil, fmt.Errorf("dispatch: save: %w", err)
	}
	m.audit.LogBroadcast(ctx, t, c.by, b.ID, msg, nil)
	m.metrics.BroadcastFinished(b.ID, string(b.Status))
	return b, nil, nil
}

// Get returns the live view of a running broadcast, or the stored one.
func (m *Manager) Get(ctx context.Context, id string) (broadcast.Broadcast, error) {
	if e := m.engine(id); e != nil {
		return e.snapshot(), nil
	}
	return m.repo.GetBroadcast(ctx, id)
}

func (m *Manager) List(ctx context.Context, f store.Filter) ([]broadcast.Broadcast, error) {
	return m.repo.ListBroadcasts(ctx, f)
}

// Running reports whether an engine is dialling id.
func (m *Manager) Running(id string) bool {
	return m.engine(id) != nil
}

// Done is closed when the engine of id stops. It is closed already when
// nothing runs for id.
func (m *Manager) Done(id string) <-chan struct{} {
	if e := m.engine(id); e != nil {
		return e.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

type ChannelStatus struct {
	trunks.Stats
	RunningBroadcasts int `json:"runningBroadcasts"`
	QueuedRecipients  int `json:"queuedRecipients"`
}

func (m *Manager) ChannelStatus() ChannelStatus {
	s := ChannelStatus{Stats: m.pool.Stats()}
	m.mu.Lock()
	defer m.mu.Unlock()
	s.RunningBroadcasts = len(m.engines)
	for _, e := range m.engines {
		s.QueuedRecipients += int(e.queued.Load())
	}
	return s
}

// StartDue starts pending broadcasts whose scheduledAt has passed.
func (m *Manager) StartDue(ctx context.Context, now time.Time) (int, error) {
	due, err := m.repo.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list due: %w", err)
	}
	var started int
	for _, b := range due {
		if _, err := m.Start(ctx, b.ID, "scheduler"); err != nil {
			m.log.Warn("scheduled broadcast not started", "broadcast_id", b.ID, "err", err)
			continue
		}
		started++
	}
	return started, nil
}

// Watchdog fails broadcasts that have been running longer than allowed.
func (m *Manager) Watchdog(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	var stale []string
	for id, e := range m.engines {
		b := e.snapshot()
		if b.StartedAt != nil && now.Sub(*b.StartedAt) > m.settings.MaxBroadcastDuration {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	var failed int
	for _, id := range stale {
		if _, err := m.Fail(ctx, id, "processing timeout"); err != nil {
			m.log.Warn("watchdog could not fail broadcast", "broadcast_id", id, "err", err)
			continue
		}
		m.log.Warn("broadcast failed by watchdog", "broadcast_id", id)
		failed++
	}
	return failed
}

// Resume picks up broadcasts left in_progress by a previous process.
// Recipients caught mid-call get a failed attempt and are dialled again if
// they still have attempts left.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	bs, err := m.repo.ListByStatus(ctx, broadcast.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list running: %w", err)
	}
	var resumed int
	for _, b := range bs {
		if err := m.resume(ctx, b); err != nil {
			m.log.Error("resume broadcast", "broadcast_id", b.ID, "err", err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

func (m *Manager) resume(ctx context.Context, b broadcast.Broadcast) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[b.ID]; ok {
		return nil
	}
	as, err := m.repo.ListAttempts(ctx, b.ID)
	if err != nil {
		return err
	}
	results, err := m.repo.ListSMSResults(ctx, b.ID)
	if err != nil {
		return err
	}
	if m.escalator != nil {
		m.escalator.Seed(results)
	}
	tr := attempts.NewTracker(b.ID, b.MaxRetries, b.Phones())
	if err := tr.Restore(as); err != nil {
		return err
	}

	now := m.now()
	if b.Type == broadcast.TypeSMS {
		for _, r := range results {
			if r.Kind != escalation.KindNotice {
				continue
			}
			if rc, ok := b.Recipient(r.PhoneNumber); !ok || rc.Status.Settled() {
				continue
			}
			status := broadcast.RecipientSuccess
			if r.Status != escalation.StatusSent {
				status = broadcast.RecipientFailed
			}
			if err := b.UpdateRecipientStatus(r.PhoneNumber, status, 0, r.Error, now); err != nil {
				return err
			}
			rc, _ := b.Recipient(r.PhoneNumber)
			if err := m.repo.SaveRecipient(ctx, b.ID, rc); err != nil {
				return err
			}
		}
		if err := m.repo.SaveBroadcast(ctx, b); err != nil {
			return err
		}
		m.launchLocked(b, tr, nil, nil)
		return nil
	}

	var queue, exhausted []string
	for _, r := range b.Recipients {
		if r.Status == broadcast.RecipientCalling {
			a, err := tr.RecordAttempt(r.PhoneNumber, attempts.Result{
				StartedAt:     timeOr(r.LastAttemptAt, now),
				EndedAt:       now,
				Status:        attempts.StatusFailed,
				FailureReason: "interrupted by restart",
			})
			if err != nil {
				return err
			}
			if err := m.repo.AppendAttempt(ctx, a); err != nil {
				return err
			}
			if err := b.UpdateRecipientStatus(r.PhoneNumber, broadcast.RecipientFailed, 0, a.FailureReason, now); err != nil {
				return err
			}
			rc, _ := b.Recipient(r.PhoneNumber)
			if err := m.repo.SaveRecipient(ctx, b.ID, rc); err != nil {
				return err
			}
		}
		switch o, _ := tr.OutcomeFor(r.PhoneNumber); o {
		case attempts.OutcomePending:
			queue = append(queue, r.PhoneNumber)
		case attempts.OutcomeExhausted:
			exhausted = append(exhausted, r.PhoneNumber)
		}
	}
	if err := m.repo.SaveBroadcast(ctx, b); err != nil {
		return err
	}
	m.log.Info("resuming broadcast", "broadcast_id", b.ID, "queued", len(queue))
	m.launchLocked(b, tr, queue, exhausted)
	return nil
}

func timeOr(t *time.Time, def time.Time) time.Time {
	if t == nil {
		return def
	}
	return *t
}

// Shutdown stops dialling everywhere and waits for calls in flight. The
// broadcasts stay in_progress.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no engine is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}
