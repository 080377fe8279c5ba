package telephony

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"broadcast-platform/internal/apperr"
)

// Behaviour is a scripted way for a simulated callee to react.
type Behaviour string

const (
	Confirm        Behaviour = "confirm"
	AnswerOnly     Behaviour = "answer"
	NoAnswer       Behaviour = "no_answer"
	Busy           Behaviour = "busy"
	Reject         Behaviour = "reject"
	TransportFault Behaviour = "transport_error"
	// Hang keeps the call ringing until ctx is done.
	Hang Behaviour = "hang"
)

// Simulator is an in-process Transport for local runs and tests. Each phone
// number consumes its script in order; once a script runs out (or for
// numbers without one) Default decides.
type Simulator struct {
	// Delay is how long every simulated call takes.
	Delay time.Duration
	// Default picks the behaviour for unscripted calls. Nil means Confirm.
	Default func(req CallRequest) Behaviour
	// OnCall, when set, is invoked at the start of every call.
	OnCall func(req CallRequest)
	// Gate, when set, is received from before a call finishes. Tests use it
	// to hold calls open.
	Gate <-chan struct{}

	mu      sync.Mutex
	scripts map[string][]Behaviour
	calls   []CallRequest
	active  int
	peak    int
}

func NewSimulator() *Simulator {
	return &Simulator{scripts: map[string][]Behaviour{}}
}

// RandomBehaviour returns a Default func with a rough real-world mix.
func RandomBehaviour(confirmRate float64) func(CallRequest) Behaviour {
	return func(CallRequest) Behaviour {
		r := rand.Float64()
		switch {
		case r < confirmRate:
			return Confirm
		case r < confirmRate+(1-confirmRate)/2:
			return NoAnswer
		case r < confirmRate+(1-confirmRate)*3/4:
			return Busy
		default:
			return AnswerOnly
		}
	}
}

func (s *Simulator) Name() string { return "simulator" }

// Script queues behaviours for phone.
func (s *Simulator) Script(phone string, bs ...Behaviour) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[phone] = append(s.scripts[phone], bs...)
}

// Calls returns every request seen so far.
func (s *Simulator) Calls() []CallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// PeakConcurrent is the largest number of calls that were open at once.
func (s *Simulator) PeakConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Simulator) next(req CallRequest) Behaviour {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	var b Behaviour
	if q := s.scripts[req.PhoneNumber]; len(q) > 0 {
		b = q[0]
		s.scripts[req.PhoneNumber] = q[1:]
	}
	def := s.Default
	s.mu.Unlock()

	if b == "" {
		b = Confirm
		if def != nil {
			b = def(req)
		}
	}
	return b
}

func (s *Simulator) PlaceCall(ctx context.Context, req CallRequest) (CallResult, error) {
	b := s.next(req)
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	if s.OnCall != nil {
		s.OnCall(req)
	}

	if b == Hang {
		<-ctx.Done()
		return CallResult{Status: CallNoAnswer, Reason: "no answer"}, ctx.Err()
	}
	if err := s.wait(ctx); err != nil {
		return CallResult{Status: CallNoAnswer, Reason: "no answer"}, err
	}

	answeredAt := time.Now()
	switch b {
	case Confirm:
		return CallResult{Status: CallAnswered, Answered: true, Digits: req.ConfirmDigit, Confirmed: true, AnsweredAt: answeredAt, Duration: s.talkTime()}, nil
	case AnswerOnly:
		return CallResult{Status: CallAnswered, Answered: true, AnsweredAt: answeredAt, Duration: s.talkTime(), Reason: "no confirmation"}, nil
	case NoAnswer:
		return CallResult{Status: CallNoAnswer, Reason: "no answer"}, nil
	case Busy:
		return CallResult{Status: CallBusy, Reason: "busy"}, nil
	case Reject:
		return CallResult{Status: CallRejected, Reason: "declined"}, nil
	case TransportFault:
		return CallResult{Status: CallFailed}, &apperr.TransportError{TrunkID: req.TrunkID, Op: "originate", Err: errors.New("simulated 503 service unavailable")}
	default:
		return CallResult{}, errors.New("telephony: unknown simulator behaviour " + string(b))
	}
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) talkTime() time.Duration {
	if s.Delay > 0 {
		return s.Delay
	}
	return 12 * time.Second
}
