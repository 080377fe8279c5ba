// Package sms sends the text messages used for escalations and SMS
// broadcasts.
package sms

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"
)

var (
	ErrNotConfigured = errors.New("sms: gateway credentials not configured")
	ErrRejected      = errors.New("sms: message rejected by gateway")
)

// SendResult is what the gateway told us about an accepted message.
type SendResult struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Gateway delivers one SMS. Phone is the canonical digit-only number.
type Gateway interface {
	SendSMS(ctx context.Context, phone, text string) (SendResult, error)
}

// LogGateway only logs messages. Used by the local profile.
type LogGateway struct {
	Log *slog.Logger
}

func (g LogGateway) SendSMS(ctx context.Context, phone, text string) (SendResult, error) {
	l := g.Log
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "sms (log gateway)", "phone", phone, "text", text)
	return SendResult{MessageID: "log-" + phone, Status: "logged"}, nil
}

// RateLimited spaces out calls to the wrapped gateway.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond messages with the given burst. A
// non-positive perSecond disables limiting.
func NewRateLimited(next Gateway, perSecond float64, burst int) *RateLimited {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &RateLimited{next: next, limiter: lim}
}

func (r *RateLimited) SendSMS(ctx context.Context, phone, text string) (SendResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return SendResult{}, err
	}
	return r.next.SendSMS(ctx, phone, text)
}
