package trunks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"broadcast-platform/internal/apperr"
)

var (
	ErrNotFound  = fmt.Errorf("trunks: %w", apperr.ErrNotFound)
	ErrDuplicate = errors.New("trunks: duplicate account id")
)

// SlotLimiter is an optional second gate on channel usage shared between
// processes. The pool still keeps its own per-account counters.
type SlotLimiter interface {
	Acquire(ctx context.Context, trunkID string, limit int) (bool, error)
	Release(ctx context.Context, trunkID string) error
}

type EventKind string

const (
	EventCapacityFreed EventKind = "capacity_freed"
	EventTrunkDown     EventKind = "trunk_down"
	EventTrunkUp       EventKind = "trunk_up"
)

type Event struct {
	Kind    EventKind
	TrunkID string
}

// Lease is a channel taken on a trunk; hand it back with Release.
type Lease struct {
	TrunkID string
	Account Account
}

type Options struct {
	// FailureThreshold is the number of consecutive transport errors after
	// which a trunk is marked failed. Zero disables the rule.
	FailureThreshold int
	Limiter          SlotLimiter
	Logger           *slog.Logger
	Now              func() time.Time
	// OnChange is called (outside the pool lock) with a copy of an account
	// whose status changed.
	OnChange func(Account)
}

// Pool is the set of trunks shared by all running broadcasts. Every capacity
// change happens under one mutex, so two broadcasts can never both take the
// last free channel of a trunk.
type Pool struct {
	opts Options

	mu            sync.Mutex
	accounts      map[string]*Account
	order         []string
	next          int
	transportErrs map[string]int
	subs          map[int]chan Event
	nextSub       int
}

func NewPool(opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		opts:          opts,
		accounts:      map[string]*Account{},
		transportErrs: map[string]int{},
		subs:          map[int]chan Event{},
	}
}

// Add registers an account with the pool.
func (p *Pool) Add(a Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	cp := a
	p.accounts[a.ID] = &cp
	p.order = append(p.order, a.ID)
	if cp.Dispatchable() {
		p.publishLocked(Event{Kind: EventTrunkUp, TrunkID: a.ID})
	}
	return nil
}

func (p *Pool) Get(id string) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *a, nil
}

// List returns copies of all accounts in insertion order.
func (p *Pool) List() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Account, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.accounts[id])
	}
	return out
}

// Dispatchable reports whether trunk id currently accepts new calls.
func (p *Pool) Dispatchable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	return ok && a.Dispatchable()
}

// Capacity is the sum of free channels over dispatchable trunks.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, a := range p.accounts {
		if a.Dispatchable() {
			n += a.Available()
		}
	}
	return n
}

type Stats struct {
	TotalChannels     int `json:"totalChannels"`
	ActiveChannels    int `json:"activeChannels"`
	AvailableChannels int `json:"availableChannels"`
	Trunks            int `json:"trunks"`
	DispatchableTrunk int `json:"dispatchableTrunks"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	s.Trunks = len(p.accounts)
	for _, a := range p.accounts {
		s.ActiveChannels += a.CurrentActiveCalls
		if a.Dispatchable() {
			s.DispatchableTrunk++
			s.TotalChannels += a.MaxConcurrentCalls
			s.AvailableChannels += a.Available()
		}
	}
	return s
}

// Acquire takes a channel on the next trunk, round-robin, that is
// dispatchable and has room. It returns *apperr.CapacityExceededError when
// no trunk can take a call.
func (p *Pool) Acquire(ctx context.Context) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		a := p.accounts[p.order[idx]]
		if !a.Dispatchable() || a.Available() == 0 {
			continue
		}
		if p.opts.Limiter != nil {
			ok, err := p.opts.Limiter.Acquire(ctx, a.ID, a.MaxConcurrentCalls)
			if err != nil {
				p.opts.Logger.Warn("trunk slot limiter acquire failed", "trunk_id", a.ID, "err", err)
				continue
			}
			if !ok {
				continue
			}
		}
		if err := a.StartCall(); err != nil {
			p.releaseLimiter(ctx, a.ID)
			continue
		}
		p.next = (idx + 1) % n
		return Lease{TrunkID: a.ID, Account: *a}, nil
	}
	return Lease{}, &apperr.CapacityExceededError{}
}

// Release frees the channel held by a lease on trunkID.
func (p *Pool) Release(ctx context.Context, trunkID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[trunkID]
	if !ok {
		return
	}
	a.EndCall()
	p.releaseLimiter(ctx, trunkID)
	p.publishLocked(Event{Kind: EventCapacityFreed, TrunkID: trunkID})
}

func (p *Pool) releaseLimiter(ctx context.Context, trunkID string) {
	if p.opts.Limiter == nil {
		return
	}
	if err := p.opts.Limiter.Release(context.WithoutCancel(ctx), trunkID); err != nil {
		p.opts.Logger.Warn("trunk slot limiter release failed", "trunk_id", trunkID, "err", err)
	}
}

// ReportTransportError counts a transport failure on trunkID and marks the
// trunk failed once the consecutive count reaches the threshold. It reports
// whether the trunk was taken out of service by this call.
func (p *Pool) ReportTransportError(trunkID string, cause error) bool {
	var changed *Account
	p.mu.Lock()
	a, ok := p.accounts[trunkID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	p.transportErrs[trunkID]++
	n := p.transportErrs[trunkID]
	tripped := p.opts.FailureThreshold > 0 && n >= p.opts.FailureThreshold && a.Status != StatusFailed
	if tripped {
		a.MarkFailed(fmt.Sprintf("%d consecutive transport errors: %v", n, cause), p.opts.Now())
		p.publishLocked(Event{Kind: EventTrunkDown, TrunkID: trunkID})
		cp := *a
		changed = &cp
	}
	p.mu.Unlock()

	if changed != nil {
		p.opts.Logger.Warn("trunk marked failed", "trunk_id", trunkID, "transport_errors", n, "err", cause)
		p.notify(*changed)
	}
	return tripped
}

// ReportSuccess resets the transport error streak of trunkID.
func (p *Pool) ReportSuccess(trunkID string) {
	p.mu.Lock()
	delete(p.transportErrs, trunkID)
	p.mu.Unlock()
}

// Update applies fn to account id under the pool lock and publishes
// trunk_down/trunk_up when dispatchability changes.
func (p *Pool) Update(id string, fn func(a *Account, now time.Time) error) (Account, error) {
	p.mu.Lock()
	a, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return Account{}, ErrNotFound
	}
	before := *a
	if err := fn(a, p.opts.Now()); err != nil {
		*a = before
		p.mu.Unlock()
		return Account{}, err
	}
	after := *a
	switch {
	case before.Dispatchable() && !after.Dispatchable():
		p.publishLocked(Event{Kind: EventTrunkDown, TrunkID: id})
	case !before.Dispatchable() && after.Dispatchable():
		delete(p.transportErrs, id)
		p.publishLocked(Event{Kind: EventTrunkUp, TrunkID: id})
	case after.Available() > before.Available():
		p.publishLocked(Event{Kind: EventCapacityFreed, TrunkID: id})
	}
	p.mu.Unlock()

	if before.Status != after.Status || before.IsActive != after.IsActive {
		p.notify(after)
	}
	return after, nil
}

// Register runs a full registration cycle for an account whose REGISTER was
// performed by the SIP stack.
func (p *Pool) Register(id, ip string, expires int) (Account, error) {
	return p.Update(id, func(a *Account, now time.Time) error {
		if a.Status == StatusRegistered {
			return nil
		}
		if err := a.StartRegistration(now); err != nil {
			return err
		}
		return a.CompleteRegistration(ip, expires, now)
	})
}

func (p *Pool) Suspend(id, reason string) (Account, error) {
	return p.Update(id, func(a *Account, now time.Time) error {
		a.Suspend(reason, now)
		return nil
	})
}

func (p *Pool) MarkFailed(id, reason string) (Account, error) {
	return p.Update(id, func(a *Account, now time.Time) error {
		a.MarkFailed(reason, now)
		return nil
	})
}

func (p *Pool) SetCapacity(id string, n int) (Account, error) {
	return p.Update(id, func(a *Account, now time.Time) error {
		return a.UpdateMaxConcurrentCalls(n, now)
	})
}

// Subscribe returns a channel of pool events and a func to stop receiving.
// Delivery is best-effort: a slow subscriber misses events, so consumers
// must also reconcile against Dispatchable on their own schedule.
func (p *Pool) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	ch := make(chan Event, 64)
	p.subs[id] = ch
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

func (p *Pool) publishLocked(e Event) {
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (p *Pool) notify(a Account) {
	if p.opts.OnChange != nil {
		p.opts.OnChange(a)
	}
}
