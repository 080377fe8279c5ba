package dispatch

import "time"

// Settings tune how broadcasts are dialled.
type Settings struct {
	// MaxRetries is used when a broadcast does not set its own.
	MaxRetries int
	// RetryDelay postpones a retry; zero puts it straight at the queue tail.
	RetryDelay time.Duration
	// RingTimeout is how long a call may ring before it counts as no_answer.
	RingTimeout     time.Duration
	MaxCallDuration time.Duration
	DTMFTimeout     time.Duration
	ConfirmDigit    string
	// MaxBroadcastDuration is enforced by Manager.Watchdog.
	MaxBroadcastDuration time.Duration
	// ReconcileInterval is how often an engine re-checks trunk health and
	// free capacity without waiting for a pool event.
	ReconcileInterval time.Duration
	// Escalate turns on SMS follow-up for exhausted recipients.
	Escalate bool
}

func DefaultSettings() Settings {
	return Settings{
		MaxRetries:           3,
		RingTimeout:          30 * time.Second,
		MaxCallDuration:      15 * time.Second,
		DTMFTimeout:          10 * time.Second,
		ConfirmDigit:         "1",
		MaxBroadcastDuration: 2 * time.Hour,
		ReconcileInterval:    2 * time.Second,
		Escalate:             true,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxRetries <= 0 {
		s.MaxRetries = d.MaxRetries
	}
	if s.RingTimeout <= 0 {
		s.RingTimeout = d.RingTimeout
	}
	if s.MaxCallDuration <= 0 {
		s.MaxCallDuration = d.MaxCallDuration
	}
	if s.DTMFTimeout <= 0 {
		s.DTMFTimeout = d.DTMFTimeout
	}
	if s.ConfirmDigit == "" {
		s.ConfirmDigit = d.ConfirmDigit
	}
	if s.MaxBroadcastDuration <= 0 {
		s.MaxBroadcastDuration = d.MaxBroadcastDuration
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = d.ReconcileInterval
	}
	return s
}

// callDeadline bounds one call from dial to hangup.
func (s Settings) callDeadline() time.Duration {
	return s.RingTimeout + s.MaxCallDuration + s.DTMFTimeout
}
