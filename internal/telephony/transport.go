package telephony

import (
	"context"
	"time"
)

// Transport places one outbound call and reports how it ended.
//
// Rules:
//   - PlaceCall blocks until the call is over or ctx is done.
//   - Carrier/infrastructure failures come back as *apperr.TransportError.
//   - When ctx ends first, ctx.Err() is returned together with whatever was
//     learned about the call so far (Answered in particular).
type Transport interface {
	Name() string
	PlaceCall(ctx context.Context, req CallRequest) (CallResult, error)
}

type CallRequest struct {
	CallID      string `json:"call_id"`
	BroadcastID string `json:"broadcast_id"`

	TrunkID        string `json:"trunk_id"`
	TrunkExtension string `json:"trunk_extension"`
	TrunkDomain    string `json:"trunk_domain"`
	TrunkTransport string `json:"trunk_transport"`

	// PhoneNumber is the canonical digit-only recipient number.
	PhoneNumber string `json:"phone_number"`

	AudioURL string `json:"audio_url,omitempty"`
	Message  string `json:"message,omitempty"`

	RingTimeout  time.Duration `json:"ring_timeout"`
	DTMFTimeout  time.Duration `json:"dtmf_timeout"`
	ConfirmDigit string        `json:"confirm_digit"`
}

type CallStatus string

const (
	CallAnswered CallStatus = "answered"
	CallNoAnswer CallStatus = "no_answer"
	CallBusy     CallStatus = "busy"
	CallFailed   CallStatus = "failed"
	CallRejected CallStatus = "rejected"
)

type CallResult struct {
	Status         CallStatus    `json:"status"`
	Answered       bool          `json:"answered"`
	Digits         string        `json:"digits,omitempty"`
	Confirmed      bool          `json:"confirmed"`
	AnsweredAt     time.Time     `json:"answered_at,omitempty"`
	Duration       time.Duration `json:"duration"`
	ProviderCallID string        `json:"provider_call_id,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}
