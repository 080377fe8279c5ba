package attempts

import (
	"math"
	"sort"
	"sync"

	"broadcast-platform/internal/apperr"

	"github.com/google/uuid"
)

// Tracker keeps the append-only attempt log of every recipient of one
// broadcast. Recording is serialized per phone number, so concurrent
// recordings for the same number still get contiguous attempt numbers.
type Tracker struct {
	broadcastID string
	maxRetries  int

	mu     sync.RWMutex
	phones map[string]*phoneLog
}

type phoneLog struct {
	mu        sync.Mutex
	attempts  []CallAttempt
	dialing   bool
	confirmed bool
	rejected  bool
}

func NewTracker(broadcastID string, maxRetries int, phones []string) *Tracker {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	t := &Tracker{
		broadcastID: broadcastID,
		maxRetries:  maxRetries,
		phones:      make(map[string]*phoneLog, len(phones)),
	}
	for _, p := range phones {
		t.phones[p] = &phoneLog{}
	}
	return t
}

func (t *Tracker) MaxRetries() int { return t.maxRetries }

func (t *Tracker) log(phone string) (*phoneLog, error) {
	t.mu.RLock()
	l, ok := t.phones[phone]
	t.mu.RUnlock()
	if !ok {
		return nil, &apperr.UnknownRecipientError{BroadcastID: t.broadcastID, Phone: phone}
	}
	return l, nil
}

// MarkDialing flags phone as having a call outstanding.
func (t *Tracker) MarkDialing(phone string) error {
	l, err := t.log(phone)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.dialing = true
	l.mu.Unlock()
	return nil
}

// RecordAttempt appends an attempt for phone with the next attempt number
// and clears the dialing flag.
func (t *Tracker) RecordAttempt(phone string, r Result) (CallAttempt, error) {
	l, err := t.log(phone)
	if err != nil {
		return CallAttempt{}, err
	}
	if r.Duration < 0 {
		return CallAttempt{}, apperr.Invalid("duration", "must not be negative")
	}
	if r.Status == "" {
		r.Status = statusFor(r)
	}
	if r.DTMFConfirmed && !r.Answered {
		return CallAttempt{}, apperr.Invalid("dtmfConfirmed", "confirmation without answer")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a := CallAttempt{
		ID:            uuid.NewString(),
		BroadcastID:   t.broadcastID,
		PhoneNumber:   phone,
		AttemptNumber: len(l.attempts) + 1,
		TrunkID:       r.TrunkID,
		StartTime:     r.StartedAt,
		Answered:      r.Answered,
		DTMFConfirmed: r.DTMFConfirmed,
		Status:        r.Status,
		FailureReason: r.FailureReason,
	}
	if !r.EndedAt.IsZero() {
		end := r.EndedAt
		a.EndTime = &end
	}
	if r.Answered {
		secs := int(math.Round(r.Duration.Seconds()))
		a.Duration = &secs
	}

	l.attempts = append(l.attempts, a)
	l.dialing = false
	if a.DTMFConfirmed {
		l.confirmed = true
	}
	if a.Status == StatusRejected {
		l.rejected = true
	}
	return a, nil
}

// OutcomeFor classifies phone: confirmed once any attempt was confirmed,
// exhausted once maxRetries attempts (or an explicit rejection) produced no
// confirmation, in_progress while a call is out, pending otherwise.
func (t *Tracker) OutcomeFor(phone string) (Outcome, error) {
	l, err := t.log(phone)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.confirmed:
		return OutcomeConfirmed, nil
	case l.dialing:
		return OutcomeInProgress, nil
	case l.rejected || len(l.attempts) >= t.maxRetries:
		return OutcomeExhausted, nil
	default:
		return OutcomePending, nil
	}
}

// Attempts returns a copy of phone's log in attempt order.
func (t *Tracker) Attempts(phone string) ([]CallAttempt, error) {
	l, err := t.log(phone)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallAttempt, len(l.attempts))
	copy(out, l.attempts)
	return out, nil
}

// Snapshot copies every phone's log.
func (t *Tracker) Snapshot() map[string][]CallAttempt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]CallAttempt, len(t.phones))
	for p, l := range t.phones {
		l.mu.Lock()
		cp := make([]CallAttempt, len(l.attempts))
		copy(cp, l.attempts)
		l.mu.Unlock()
		out[p] = cp
	}
	return out
}

// Restore seeds the tracker from persisted attempts, e.g. after a restart.
// Attempts for unknown phones are rejected.
func (t *Tracker) Restore(all []CallAttempt) error {
	byPhone := make(map[string][]CallAttempt)
	for _, a := range all {
		byPhone[a.PhoneNumber] = append(byPhone[a.PhoneNumber], a)
	}
	for phone, as := range byPhone {
		l, err := t.log(phone)
		if err != nil {
			return err
		}
		sort.Slice(as, func(i, j int) bool { return as[i].AttemptNumber < as[j].AttemptNumber })
		for i, a := range as {
			if a.AttemptNumber != i+1 {
				return apperr.Invalid("attemptNumber", "persisted attempts are not contiguous for "+phone)
			}
		}
		l.mu.Lock()
		l.attempts = as
		l.dialing = false
		for _, a := range as {
			if a.DTMFConfirmed {
				l.confirmed = true
			}
			if a.Status == StatusRejected {
				l.rejected = true
			}
		}
		l.mu.Unlock()
	}
	return nil
}

func statusFor(r Result) Status {
	switch {
	case r.DTMFConfirmed:
		return StatusConfirmed
	case r.Answered:
		return StatusAnswered
	case r.FailureReason != "":
		return StatusFailed
	default:
		return StatusNoAnswer
	}
}
