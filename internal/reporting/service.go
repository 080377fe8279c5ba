// Package reporting computes broadcast reports on demand.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"
	"broadcast-platform/internal/store"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository is the read side of the broadcast store.
type Repository interface {
	ListBroadcasts(ctx context.Context, f store.Filter) ([]broadcast.Broadcast, error)
	ListAttempts(ctx context.Context, broadcastID string) ([]attempts.CallAttempt, error)
	ListSMSResults(ctx context.Context, broadcastID string) ([]escalation.Result, error)
}

// Getter returns the freshest view of a broadcast, live or stored.
type Getter interface {
	Get(ctx context.Context, id string) (broadcast.Broadcast, error)
}

type GetterFunc func(ctx context.Context, id string) (broadcast.Broadcast, error)

func (f GetterFunc) Get(ctx context.Context, id string) (broadcast.Broadcast, error) {
	return f(ctx, id)
}

type Service struct {
	repo       Repository
	broadcasts Getter
}

func NewService(repo Repository, broadcasts Getter) *Service {
	return &Service{repo: repo, broadcasts: broadcasts}
}

// Report builds the report of broadcast id.
func (s *Service) Report(ctx context.Context, id string) (Report, error) {
	if id == "" {
		return Report{}, ErrInvalidRequest
	}
	if s.repo == nil || s.broadcasts == nil {
		return Report{}, errors.New("reporting: repository not configured")
	}
	b, err := s.broadcasts.Get(ctx, id)
	if err != nil {
		return Report{}, err
	}
	as, err := s.repo.ListAttempts(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("reporting: attempts: %w", err)
	}
	rs, err := s.repo.ListSMSResults(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("reporting: sms results: %w", err)
	}
	return Build(b, as, rs), nil
}

// Build assembles a report from already loaded data.
func Build(b broadcast.Broadcast, as []attempts.CallAttempt, rs []escalation.Result) Report {
	byPhone := make(map[string][]attempts.CallAttempt, len(b.Recipients))
	for _, r := range b.Recipients {
		byPhone[r.PhoneNumber] = []attempts.CallAttempt{}
	}
	for _, a := range as {
		byPhone[a.PhoneNumber] = append(byPhone[a.PhoneNumber], a)
	}
	for _, list := range byPhone {
		sort.SliceStable(list, func(i, j int) bool { return list[i].AttemptNumber < list[j].AttemptNumber })
	}

	smsOut := make([]SMSResult, 0, len(rs))
	for _, r := range rs {
		smsOut = append(smsOut, SMSResult{
			EmployeeID:   r.EmployeeID,
			EmployeeName: r.EmployeeName,
			PhoneNumber:  r.PhoneNumber,
			Kind:         r.Kind,
			SentAt:       r.SentAt,
			Status:       r.Status,
			MessageID:    r.MessageID,
			Error:        r.Error,
		})
	}
	sort.SliceStable(smsOut, func(i, j int) bool { return smsOut[i].SentAt.Before(smsOut[j].SentAt) })

	stats := statistics(b.TotalRecipients, byPhone)
	recipients := b.Recipients
	if recipients == nil {
		recipients = []broadcast.Recipient{}
	}
	return Report{
		ID:                 b.ID,
		Title:              b.Title,
		Type:               b.Type,
		Priority:           b.Priority,
		Status:             b.Status,
		TotalRecipients:    b.TotalRecipients,
		SuccessCount:       b.SuccessCount,
		FailureCount:       b.FailureCount,
		ConfirmedCount:     stats.ConfirmedCount,
		ProgressPercentage: b.ProgressPercentage(),
		SuccessRate:        b.SuccessRate(),
		AverageDuration:    b.AverageDuration,
		Recipients:         recipients,
		CallAttempts:       byPhone,
		SMSResults:         smsOut,
		Statistics:         stats,
		CreatedBy:          b.CreatedBy,
		CreatedAt:          b.CreatedAt,
		StartedAt:          b.StartedAt,
		CompletedAt:        b.CompletedAt,
		CancelledAt:        b.CancelledAt,
		CancelledBy:        b.CancelledBy,
		CancelReason:       b.CancelReason,
	}
}

func statistics(total int, byPhone map[string][]attempts.CallAttempt) Statistics {
	st := Statistics{TotalRecipients: total}
	var durSum, durN int
	for _, list := range byPhone {
		confirmed := false
		for _, a := range list {
			st.TotalCallAttempts++
			// No-answer and busy attempts are neither answered nor failed.
			if !a.Answered {
				if a.Status == attempts.StatusFailed {
					st.FailedCalls++
				}
				continue
			}
			st.AnsweredCalls++
			if a.DTMFConfirmed {
				confirmed = true
			}
			if a.Duration != nil {
				durSum += *a.Duration
			}
			durN++
		}
		if confirmed {
			st.ConfirmedCount++
		}
	}
	if durN > 0 {
		st.AverageCallDuration = int(math.Round(float64(durSum) / float64(durN)))
	}
	if total > 0 {
		st.ConfirmationRate = int(math.Round(float64(st.ConfirmedCount) / float64(total) * 100))
	}
	return st
}

// Summary aggregates the broadcasts created inside req.Range.
func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("reporting: repository not configured")
	}

	out := Summary{Range: req.Range, ByStatus: map[broadcast.Status]int{}}
	var durSum, durN int
	const page = 500
	for offset := 0; ; offset += page {
		bs, err := s.repo.ListBroadcasts(ctx, store.Filter{CreatedBy: req.CreatedBy, Limit: page, Offset: offset})
		if err != nil {
			return Summary{}, err
		}
		for _, b := range bs {
			if b.CreatedAt.Before(req.Range.From) || !b.CreatedAt.Before(req.Range.To) {
				continue
			}
			out.Broadcasts++
			out.ByStatus[b.Status]++
			out.TotalRecipients += b.TotalRecipients
			out.SuccessCount += b.SuccessCount
			out.FailureCount += b.FailureCount
			if b.AverageDuration > 0 {
				durSum += b.AverageDuration
				durN++
			}
		}
		if len(bs) < page {
			break
		}
	}
	if den := out.SuccessCount + out.FailureCount; den > 0 {
		out.SuccessRate = int(math.Round(float64(out.SuccessCount) / float64(den) * 100))
	}
	if durN > 0 {
		out.AverageDuration = int(math.Round(float64(durSum) / float64(durN)))
	}
	return out, nil
}
