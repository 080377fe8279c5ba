package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/audit"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"
	"broadcast-platform/internal/telephony"
	"broadcast-platform/internal/trunks"

	"github.com/google/uuid"
)

var errTrunkDown = errors.New("dispatch: trunk unavailable")

type callDone struct {
	callID  string
	phone   string
	trunkID string
	started time.Time
	ended   time.Time
	res     telephony.CallResult
	err     error
	// cause is set when the engine itself pulled the call.
	cause error
}

type smsDone struct {
	kind    escalation.Kind
	phone   string
	res     escalation.Result
	sent    bool
	skipped bool
	err     error
}

type controlOp int

const (
	opCancel controlOp = iota
	opFail
)

type control struct {
	op     controlOp
	by     string
	reason string
	reply  chan error
}

type liveCall struct {
	phone   string
	trunkID string
	cancel  context.CancelCauseFunc
}

// engine dials one broadcast. All state below mu is owned by the run loop;
// mu only guards b against concurrent snapshots.
type engine struct {
	m       *Manager
	log     *slog.Logger
	tracker *attempts.Tracker

	mu sync.RWMutex
	b  broadcast.Broadcast

	queue     []string
	exhausted []string
	inflight  map[string]*liveCall
	timers    map[string]*time.Timer
	sms       int
	halted    bool
	draining  bool
	queued    atomic.Int64

	bg      context.Context
	results chan callDone
	smsCh   chan smsDone
	retryCh chan string
	ctrl    chan control
	quit    chan struct{}
	done    chan struct{}
}

func newEngine(m *Manager, b broadcast.Broadcast, tr *attempts.Tracker, queue, exhausted []string) *engine {
	e := &engine{
		m:         m,
		log:       m.log.With("broadcast_id", b.ID),
		tracker:   tr,
		b:         b,
		queue:     queue,
		exhausted: exhausted,
		inflight:  map[string]*liveCall{},
		timers:    map[string]*time.Timer{},
		results:   make(chan callDone, 16),
		smsCh:     make(chan smsDone, 16),
		retryCh:   make(chan string),
		ctrl:      make(chan control),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	e.queued.Store(int64(len(queue)))
	return e
}

// snapshot returns a copy of the broadcast as the loop currently sees it.
func (e *engine) snapshot() broadcast.Broadcast {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.b.Clone()
}

// send hands c to the loop. It reports false when the loop is already gone.
func (e *engine) send(ctx context.Context, c control) (bool, error) {
	c.reply = make(chan error, 1)
	select {
	case e.ctrl <- c:
	case <-e.done:
		return false, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return true, <-c.reply
}

// run dials until every recipient has a final outcome, the broadcast is
// stopped, or ctx ends. When ctx ends the calls in flight are allowed to
// finish and the broadcast stays in_progress for Manager.Resume.
func (e *engine) run(ctx context.Context) {
	defer close(e.done)
	e.bg = context.WithoutCancel(ctx)

	events, unsubscribe := e.m.pool.Subscribe()
	defer unsubscribe()
	tick := time.NewTicker(e.m.settings.ReconcileInterval)
	defer tick.Stop()
	shutdown := ctx.Done()

	e.begin()
	e.pump()
	for !e.finished() {
		select {
		case d := <-e.results:
			e.onCall(d)
		case s := <-e.smsCh:
			e.onSMS(s)
		case phone := <-e.retryCh:
			e.onRetry(phone)
		case c := <-e.ctrl:
			e.onControl(c)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == trunks.EventTrunkDown {
				e.pullTrunk(ev.TrunkID)
			}
		case <-tick.C:
			e.reconcile()
		case <-shutdown:
			shutdown = nil
			e.log.Info("dispatch draining", "in_flight", len(e.inflight))
			e.draining = true
			e.stopDialling()
		}
		e.pump()
	}
	e.finish()
}

func (e *engine) begin() {
	b := e.snapshot()
	if b.Type == broadcast.TypeSMS || b.Type == broadcast.TypeBoth {
		var rs []broadcast.Recipient
		for _, r := range b.Recipients {
			if b.Type == broadcast.TypeSMS && r.Status.Settled() {
				continue
			}
			rs = append(rs, r)
		}
		e.sendNotices(smsText(&b), rs)
	}
	for _, p := range e.exhausted {
		if r, ok := b.Recipient(p); ok {
			e.escalate(r)
		}
	}
	e.exhausted = nil
	e.m.hub.Publish(statusUpdate(&b, UpdateStatus, e.m.now()))
}

func (e *engine) finished() bool {
	if len(e.inflight) > 0 || e.sms > 0 {
		return false
	}
	if e.halted || e.draining {
		return true
	}
	if len(e.queue) > 0 || len(e.timers) > 0 {
		return false
	}
	if e.b.Type == broadcast.TypeSMS {
		for _, r := range e.b.Recipients {
			if !r.Status.Settled() {
				return false
			}
		}
		return true
	}
	for _, p := range e.b.Phones() {
		o, err := e.tracker.OutcomeFor(p)
		if err != nil || !o.Terminal() {
			return false
		}
	}
	return true
}

// pump dials queued recipients while the pool has free channels.
func (e *engine) pump() {
	if e.halted || e.draining {
		return
	}
	for len(e.queue) > 0 {
		lease, err := e.m.pool.Acquire(e.bg)
		if err != nil {
			break
		}
		phone := e.queue[0]
		e.queue = e.queue[1:]
		e.dial(phone, lease)
	}
	e.setQueued()
}

func (e *engine) setQueued() {
	e.queued.Store(int64(len(e.queue)))
	e.m.metrics.QueueLength(e.b.ID, len(e.queue))
}

func (e *engine) dial(phone string, lease trunks.Lease) {
	now := e.m.now()
	e.mu.Lock()
	err := e.b.MarkCalling(phone, now)
	r, _ := e.b.Recipient(phone)
	e.mu.Unlock()
	if err == nil {
		err = e.tracker.MarkDialing(phone)
	}
	if err != nil {
		e.m.pool.Release(e.bg, lease.TrunkID)
		e.log.Warn("recipient not dialled", "phone", phone, "err", err)
		return
	}
	e.saveRecipient(r)

	callID := uuid.NewString()
	cctx, cancel := context.WithCancelCause(e.bg)
	e.inflight[callID] = &liveCall{phone: phone, trunkID: lease.TrunkID, cancel: cancel}

	s := e.m.settings
	req := telephony.CallRequest{
		CallID:         callID,
		BroadcastID:    e.b.ID,
		TrunkID:        lease.TrunkID,
		TrunkExtension: lease.Account.Extension,
		TrunkDomain:    lease.Account.Domain,
		TrunkTransport: string(lease.Account.Transport),
		PhoneNumber:    phone,
		AudioURL:       e.b.AudioFileURL,
		Message:        e.b.Message,
		RingTimeout:    s.RingTimeout,
		DTMFTimeout:    s.DTMFTimeout,
		ConfirmDigit:   s.ConfirmDigit,
	}
	e.log.Debug("dialling", "phone", phone, "trunk_id", lease.TrunkID, "attempt", r.Attempts)
	e.m.metrics.CallStarted()
	e.publishRecipient(r, nil)

	go func() {
		tctx, stop := context.WithTimeout(cctx, s.callDeadline())
		res, err := e.m.transport.PlaceCall(tctx, req)
		stop()
		var cause error
		if err != nil {
			cause = context.Cause(cctx)
		}
		e.results <- callDone{
			callID:  callID,
			phone:   phone,
			trunkID: lease.TrunkID,
			started: now,
			ended:   e.m.now(),
			res:     res,
			err:     err,
			cause:   cause,
		}
		cancel(nil)
	}()
}

func (e *engine) onCall(d callDone) {
	if _, ok := e.inflight[d.callID]; !ok {
		return
	}
	delete(e.inflight, d.callID)
	e.m.pool.Release(e.bg, d.trunkID)

	var terr *apperr.TransportError
	switch {
	case d.cause == nil && errors.As(d.err, &terr):
		e.m.metrics.TransportError(d.trunkID)
		if e.m.pool.ReportTransportError(d.trunkID, d.err) {
			e.log.Warn("trunk taken out of service", "trunk_id", d.trunkID, "err", d.err)
		}
	case d.err == nil:
		e.m.pool.ReportSuccess(d.trunkID)
	}

	a, err := e.tracker.RecordAttempt(d.phone, classify(d))
	if err != nil {
		e.log.Error("record attempt", "phone", d.phone, "err", err)
		return
	}
	if err := e.m.repo.AppendAttempt(e.bg, a); err != nil {
		e.log.Error("persist attempt", "phone", d.phone, "err", err)
	}

	status, msg := recipientStatus(a)
	var secs int
	if a.Duration != nil {
		secs = *a.Duration
	}
	e.mu.Lock()
	err = e.b.UpdateRecipientStatus(d.phone, status, secs, msg, e.m.now())
	r, _ := e.b.Recipient(d.phone)
	e.mu.Unlock()
	if err != nil {
		e.log.Error("update recipient", "phone", d.phone, "err", err)
	}
	e.saveRecipient(r)
	e.saveHeader()

	var talk time.Duration
	if a.Answered {
		talk = d.res.Duration
	}
	e.m.metrics.CallFinished(string(a.Status), talk, a.Answered)
	e.log.Info("call finished", "phone", d.phone, "trunk_id", d.trunkID, "attempt", a.AttemptNumber, "status", a.Status, "reason", a.FailureReason)
	e.publishRecipient(r, &a)

	if e.halted || e.draining {
		return
	}
	switch o, _ := e.tracker.OutcomeFor(d.phone); o {
	case attempts.OutcomePending:
		e.scheduleRetry(d.phone)
	case attempts.OutcomeExhausted:
		e.escalate(r)
	}
}

// classify turns what the transport reported into an attempt result.
func classify(d callDone) attempts.Result {
	r := attempts.Result{
		TrunkID:   d.trunkID,
		StartedAt: d.started,
		EndedAt:   d.ended,
		Answered:  d.res.Answered,
	}
	if r.Answered {
		r.Duration = d.res.Duration
	}
	var terr *apperr.TransportError
	switch {
	case d.cause != nil:
		r.Status = attempts.StatusFailed
		r.FailureReason = "trunk unavailable"
	case errors.As(d.err, &terr):
		r.Status = attempts.StatusFailed
		r.FailureReason = terr.Error()
	case errors.Is(d.err, context.DeadlineExceeded):
		if r.Answered {
			r.Status = attempts.StatusAnswered
			r.FailureReason = "not confirmed"
		} else {
			r.Status = attempts.StatusNoAnswer
			r.FailureReason = "ring timeout"
		}
	case d.err != nil:
		r.Status = attempts.StatusFailed
		r.FailureReason = d.err.Error()
	default:
		switch d.res.Status {
		case telephony.CallAnswered:
			r.Answered = true
			r.Duration = d.res.Duration
			if d.res.Confirmed {
				r.Status = attempts.StatusConfirmed
				r.DTMFConfirmed = true
			} else {
				r.Status = attempts.StatusAnswered
				r.FailureReason = "not confirmed"
			}
		case telephony.CallNoAnswer:
			r.Status = attempts.StatusNoAnswer
			r.FailureReason = reasonOr(d.res.Reason, "no answer")
		case telephony.CallBusy:
			r.Status = attempts.StatusBusy
			r.FailureReason = reasonOr(d.res.Reason, "busy")
		case telephony.CallRejected:
			r.Status = attempts.StatusRejected
			r.FailureReason = reasonOr(d.res.Reason, "rejected")
		default:
			r.Status = attempts.StatusFailed
			r.FailureReason = reasonOr(d.res.Reason, "call failed")
		}
	}
	return r
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

// recipientStatus maps an attempt onto the recipient's visible status.
func recipientStatus(a attempts.CallAttempt) (broadcast.RecipientStatus, string) {
	switch a.Status {
	case attempts.StatusConfirmed:
		return broadcast.RecipientSuccess, ""
	case attempts.StatusAnswered, attempts.StatusNoAnswer:
		return broadcast.RecipientNoAnswer, a.FailureReason
	case attempts.StatusBusy:
		return broadcast.RecipientBusy, a.FailureReason
	default:
		return broadcast.RecipientFailed, a.FailureReason
	}
}

func (e *engine) scheduleRetry(phone string) {
	d := e.m.settings.RetryDelay
	if d <= 0 {
		e.queue = append(e.queue, phone)
		return
	}
	e.timers[phone] = time.AfterFunc(d, func() {
		select {
		case e.retryCh <- phone:
		case <-e.done:
		}
	})
}

func (e *engine) onRetry(phone string) {
	delete(e.timers, phone)
	if e.halted || e.draining {
		return
	}
	e.queue = append(e.queue, phone)
}

func (e *engine) escalate(r broadcast.Recipient) {
	if !e.m.settings.Escalate || e.m.escalator == nil || e.b.Type == broadcast.TypeSMS {
		return
	}
	text := smsText(&e.b)
	id := e.b.ID
	e.sms++
	go func() {
		res, sent, err := e.m.escalator.Escalate(e.bg, id, text, r)
		e.smsCh <- smsDone{kind: escalation.KindEscalation, phone: r.PhoneNumber, res: res, sent: sent, err: err}
	}()
}

// sendNotices texts rs one after another; the gateway does its own pacing.
func (e *engine) sendNotices(text string, rs []broadcast.Recipient) {
	if e.m.escalator == nil || len(rs) == 0 {
		return
	}
	id := e.b.ID
	e.sms += len(rs)
	go func() {
		for _, r := range rs {
			select {
			case <-e.quit:
				e.smsCh <- smsDone{kind: escalation.KindNotice, phone: r.PhoneNumber, skipped: true}
				continue
			default:
			}
			res, sent, err := e.m.escalator.Notify(e.bg, id, text, r)
			e.smsCh <- smsDone{kind: escalation.KindNotice, phone: r.PhoneNumber, res: res, sent: sent, err: err}
		}
	}()
}

func (e *engine) onSMS(s smsDone) {
	e.sms--
	if s.err != nil {
		e.log.Error("sms bookkeeping failed", "phone", s.phone, "kind", s.kind, "err", s.err)
	}
	if s.skipped || !s.sent {
		return
	}
	e.m.metrics.SMS(string(s.kind), string(s.res.Status))
	if s.kind == escalation.KindEscalation {
		e.m.audit.Record(e.bg, audit.Event{
			Type:        audit.EventSMSEscalated,
			ActorUserID: "system",
			BroadcastID: e.b.ID,
			PhoneNumber: s.phone,
			Message:     "sms " + string(s.res.Status),
		})
	}
	res := s.res
	u := statusUpdate(&e.b, UpdateSMS, e.m.now())
	u.SMS = &res
	e.m.hub.Publish(u)

	if e.b.Type != broadcast.TypeSMS || s.kind != escalation.KindNotice {
		return
	}
	status := broadcast.RecipientSuccess
	if s.res.Status != escalation.StatusSent {
		status = broadcast.RecipientFailed
	}
	e.mu.Lock()
	err := e.b.UpdateRecipientStatus(s.phone, status, 0, s.res.Error, e.m.now())
	r, _ := e.b.Recipient(s.phone)
	e.mu.Unlock()
	if err != nil {
		e.log.Error("update recipient", "phone", s.phone, "err", err)
		return
	}
	e.saveRecipient(r)
	e.saveHeader()
	e.publishRecipient(r, nil)
}

func (e *engine) onControl(c control) {
	now := e.m.now()
	e.mu.Lock()
	var err error
	switch c.op {
	case opCancel:
		err = e.b.Cancel(c.by, c.reason, now)
	case opFail:
		err = e.b.Fail(c.reason, now)
	}
	e.mu.Unlock()
	if err != nil {
		c.reply <- err
		return
	}
	e.halted = true
	e.stopDialling()
	e.saveHeader()
	c.reply <- nil

	t, msg := audit.EventBroadcastCancelled, "broadcast cancelled: "+c.reason
	if c.op == opFail {
		t, msg = audit.EventBroadcastFailed, "broadcast failed: "+c.reason
	}
	e.m.audit.LogBroadcast(e.bg, t, c.by, e.b.ID, msg, map[string]any{"in_flight": len(e.inflight)})
	e.log.Info("broadcast stopped", "status", e.b.Status, "by", c.by, "reason", c.reason, "in_flight", len(e.inflight))
	e.m.hub.Publish(statusUpdate(&e.b, UpdateStatus, now))
}

// stopDialling drops the queue and pending retries. Calls in flight go on.
func (e *engine) stopDialling() {
	for p, t := range e.timers {
		t.Stop()
		delete(e.timers, p)
	}
	e.queue = nil
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
	e.setQueued()
}

// pullTrunk hangs up every call this engine has on trunkID.
func (e *engine) pullTrunk(trunkID string) {
	for _, c := range e.inflight {
		if c.trunkID == trunkID {
			c.cancel(errTrunkDown)
		}
	}
}

// reconcile covers pool events a busy loop may have missed.
func (e *engine) reconcile() {
	for _, c := range e.inflight {
		if !e.m.pool.Dispatchable(c.trunkID) {
			c.cancel(errTrunkDown)
		}
	}
}

func (e *engine) finish() {
	e.setQueued()
	if e.draining && !e.halted {
		e.log.Info("dispatch paused; broadcast left in progress")
		return
	}
	now := e.m.now()
	if !e.halted {
		e.mu.Lock()
		err := e.b.Complete(now)
		if err != nil {
			e.log.Error("complete broadcast", "err", err)
			err = e.b.Fail(err.Error(), now)
		}
		e.mu.Unlock()
		if err != nil {
			e.log.Error("fail broadcast", "err", err)
		}
		e.saveHeader()
		t := audit.EventBroadcastCompleted
		if e.b.Status == broadcast.StatusFailed {
			t = audit.EventBroadcastFailed
		}
		e.m.audit.LogBroadcast(e.bg, t, "system", e.b.ID, "broadcast "+string(e.b.Status), map[string]any{
			"success_count": e.b.SuccessCount,
			"failure_count": e.b.FailureCount,
		})
	}
	b := e.snapshot()
	e.log.Info("broadcast finished", "status", b.Status, "success", b.SuccessCount, "failure", b.FailureCount)
	e.m.metrics.BroadcastFinished(b.ID, string(b.Status))
	e.m.hub.Publish(statusUpdate(&b, UpdateStatus, now))
	e.m.notifier.BroadcastFinished(e.bg, b)
}

func (e *engine) saveHeader() {
	if err := e.m.repo.SaveBroadcast(e.bg, e.snapshot()); err != nil {
		e.log.Error("persist broadcast", "err", err)
	}
}

func (e *engine) saveRecipient(r broadcast.Recipient) {
	if err := e.m.repo.SaveRecipient(e.bg, e.b.ID, r); err != nil {
		e.log.Error("persist recipient", "phone", r.PhoneNumber, "err", err)
	}
}

func (e *engine) publishRecipient(r broadcast.Recipient, a *attempts.CallAttempt) {
	u := statusUpdate(&e.b, UpdateRecipient, e.m.now())
	u.Recipient = &r
	u.Attempt = a
	e.m.hub.Publish(u)
}

func smsText(b *broadcast.Broadcast) string {
	if b.SMSMessage != "" {
		return b.SMSMessage
	}
	return broadcast.TruncateSMS(b.Message)
}
