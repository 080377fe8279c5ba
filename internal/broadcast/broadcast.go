package broadcast

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"time"

	"broadcast-platform/internal/apperr"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	DefaultMaxRetries = 3
	// MaxSMSLength is the single-segment limit enforced on SMS text.
	MaxSMSLength = 160
)

// NewInput carries what a caller supplies to create a broadcast.
type NewInput struct {
	Title        string     `json:"title" validate:"required,max=200"`
	Message      string     `json:"message" validate:"required,max=2000"`
	SMSMessage   string     `json:"smsMessage" validate:"max=160"`
	AudioFileURL string     `json:"audioFileUrl" validate:"omitempty,uri"`
	Type         Type       `json:"type" validate:"required,oneof=voice sms both"`
	Priority     Priority   `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	MaxRetries   int        `json:"maxRetries" validate:"gte=0,lte=10"`
	CreatedBy    string     `json:"createdBy" validate:"required"`
	ScheduledAt  *time.Time `json:"scheduledAt"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// NewBroadcast validates in and builds a pending broadcast over recipients.
// MaxRetries of zero falls back to defaultRetries.
func NewBroadcast(in NewInput, recipients []Recipient, defaultRetries int, now time.Time) (Broadcast, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Message = strings.TrimSpace(in.Message)
	in.SMSMessage = strings.TrimSpace(in.SMSMessage)
	in.CreatedBy = strings.TrimSpace(in.CreatedBy)

	if err := validate.Struct(in); err != nil {
		return Broadcast{}, fromValidator(err)
	}
	if len(recipients) == 0 {
		return Broadcast{}, apperr.Invalid("recipients", "no recipients resolved")
	}
	if in.ScheduledAt != nil && in.ScheduledAt.Before(now) {
		return Broadcast{}, apperr.Invalid("scheduledAt", "must not be in the past")
	}

	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if in.MaxRetries == 0 {
		in.MaxRetries = defaultRetries
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = DefaultMaxRetries
	}
	if in.SMSMessage == "" && in.Type != TypeVoice {
		in.SMSMessage = TruncateSMS(in.Message)
	}

	b := Broadcast{
		ID:           uuid.NewString(),
		Title:        in.Title,
		Message:      in.Message,
		SMSMessage:   in.SMSMessage,
		AudioFileURL: in.AudioFileURL,
		Type:         in.Type,
		Priority:     in.Priority,
		Status:       StatusPending,
		MaxRetries:   in.MaxRetries,
		CreatedBy:    in.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledAt:  in.ScheduledAt,
	}

	seen := make(map[string]struct{}, len(recipients))
	b.Recipients = make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		if r.PhoneNumber == "" {
			return Broadcast{}, apperr.Invalid("recipients", "recipient without phone number")
		}
		if _, dup := seen[r.PhoneNumber]; dup {
			continue
		}
		seen[r.PhoneNumber] = struct{}{}
		b.Recipients = append(b.Recipients, Recipient{
			PhoneNumber:  r.PhoneNumber,
			EmployeeID:   r.EmployeeID,
			EmployeeName: r.EmployeeName,
			Status:       RecipientPending,
		})
	}
	b.TotalRecipients = len(b.Recipients)
	return b, nil
}

func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.Invalid(fe.Field(), "failed "+fe.Tag()+" check")
	}
	return apperr.Invalid("", err.Error())
}

// TruncateSMS cuts text to MaxSMSLength runes.
func TruncateSMS(text string) string {
	r := []rune(text)
	if len(r) <= MaxSMSLength {
		return text
	}
	return string(r[:MaxSMSLength])
}

func (b *Broadcast) transitionErr(op string) error {
	return &apperr.InvalidStateTransition{Entity: "broadcast", From: string(b.Status), Op: op}
}

// Start moves a pending broadcast to in_progress.
func (b *Broadcast) Start(now time.Time) error {
	if b.Status != StatusPending {
		return b.transitionErr("start")
	}
	b.Status = StatusInProgress
	b.StartedAt = &now
	b.UpdatedAt = now
	return nil
}

// Complete closes an in_progress broadcast once every recipient has a call
// result, and computes the average duration.
func (b *Broadcast) Complete(now time.Time) error {
	if b.Status != StatusInProgress {
		return b.transitionErr("complete")
	}
	for _, r := range b.Recipients {
		if !r.Status.Settled() {
			return &apperr.InvalidStateTransition{Entity: "broadcast", From: string(b.Status), Op: "complete with unsettled recipient " + r.PhoneNumber}
		}
	}
	b.Status = StatusCompleted
	b.CompletedAt = &now
	b.UpdatedAt = now
	b.AverageDuration = averageDuration(b.Recipients)
	return nil
}

// Cancel stops a broadcast that has not reached a terminal status.
func (b *Broadcast) Cancel(by, reason string, now time.Time) error {
	if b.Status.Terminal() {
		return b.transitionErr("cancel")
	}
	b.Status = StatusCancelled
	b.CancelledAt = &now
	b.CancelledBy = by
	b.CancelReason = reason
	b.UpdatedAt = now
	return nil
}

// Fail forces a non-terminal broadcast into failed.
func (b *Broadcast) Fail(reason string, now time.Time) error {
	if b.Status.Terminal() {
		return b.transitionErr("fail")
	}
	b.Status = StatusFailed
	b.FailureReason = reason
	b.CompletedAt = &now
	b.UpdatedAt = now
	return nil
}

// MarkCalling records that a call to phone is being placed.
func (b *Broadcast) MarkCalling(phone string, now time.Time) error {
	if b.Status != StatusInProgress {
		return b.transitionErr("dial")
	}
	i, err := b.lookup(phone)
	if err != nil {
		return err
	}
	r := &b.Recipients[i]
	if r.Status == RecipientSuccess || r.Status == RecipientCalling {
		return &apperr.InvalidStateTransition{Entity: "recipient", From: string(r.Status), Op: "dial"}
	}
	r.Status = RecipientCalling
	r.Attempts++
	r.LastAttemptAt = &now
	b.UpdatedAt = now
	return nil
}

// UpdateRecipientStatus stores a call (or SMS) result for phone and keeps the
// success/failure counters at one count per recipient: the first failure
// counts once, and a later success moves that count over to successCount.
func (b *Broadcast) UpdateRecipientStatus(phone string, status RecipientStatus, durationSec int, errMsg string, now time.Time) error {
	if !status.Settled() {
		return apperr.Invalid("status", "not a call result: "+string(status))
	}
	if durationSec < 0 {
		return apperr.Invalid("duration", "must not be negative")
	}
	if b.Status == StatusPending || b.Status == StatusCompleted {
		return b.transitionErr("record result")
	}
	i, err := b.lookup(phone)
	if err != nil {
		return err
	}
	r := &b.Recipients[i]
	if r.Status == RecipientSuccess && status != RecipientSuccess {
		return &apperr.InvalidStateTransition{Entity: "recipient", From: string(r.Status), Op: "set " + string(status)}
	}

	switch {
	case status == RecipientSuccess && r.Tally != TallySuccess:
		if r.Tally == TallyFailure {
			b.FailureCount--
		}
		b.SuccessCount++
		r.Tally = TallySuccess
	case status.failure() && r.Tally == TallyNone:
		b.FailureCount++
		r.Tally = TallyFailure
	}

	r.Status = status
	r.Duration = durationSec
	if status == RecipientSuccess {
		r.ErrorMessage = ""
	} else {
		r.ErrorMessage = errMsg
	}
	b.UpdatedAt = now
	return nil
}

// Recipient returns a copy of the recipient keyed by phone.
func (b *Broadcast) Recipient(phone string) (Recipient, bool) {
	i, err := b.lookup(phone)
	if err != nil {
		return Recipient{}, false
	}
	return b.Recipients[i], true
}

// Phones lists recipient numbers in resolver order.
func (b *Broadcast) Phones() []string {
	out := make([]string, len(b.Recipients))
	for i, r := range b.Recipients {
		out[i] = r.PhoneNumber
	}
	return out
}

// ProgressPercentage is the rounded share of recipients with a counted result.
func (b *Broadcast) ProgressPercentage() int {
	if b.TotalRecipients == 0 {
		return 0
	}
	return int(math.Round(float64(b.SuccessCount+b.FailureCount) / float64(b.TotalRecipients) * 100))
}

// SuccessRate is the rounded share of counted results that succeeded.
func (b *Broadcast) SuccessRate() int {
	den := b.SuccessCount + b.FailureCount
	if den == 0 {
		return 0
	}
	return int(math.Round(float64(b.SuccessCount) / float64(den) * 100))
}

// Clone returns a deep copy safe to hand to another goroutine.
func (b *Broadcast) Clone() Broadcast {
	out := *b
	out.Recipients = make([]Recipient, len(b.Recipients))
	copy(out.Recipients, b.Recipients)
	out.index = nil
	return out
}

func (b *Broadcast) lookup(phone string) (int, error) {
	if b.index == nil || len(b.index) != len(b.Recipients) {
		b.index = make(map[string]int, len(b.Recipients))
		for i, r := range b.Recipients {
			b.index[r.PhoneNumber] = i
		}
	}
	i, ok := b.index[phone]
	if !ok {
		return 0, &apperr.UnknownRecipientError{BroadcastID: b.ID, Phone: phone}
	}
	return i, nil
}

func averageDuration(rs []Recipient) int {
	var sum, n int
	for _, r := range rs {
		if r.Duration > 0 {
			sum += r.Duration
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n)))
}
