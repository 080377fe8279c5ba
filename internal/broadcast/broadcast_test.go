package broadcast

import (
	"errors"
	"strings"
	"testing"
	"time"

	"broadcast-platform/internal/apperr"
)

var t0 = time.Unix(1700000000, 0).UTC()

func newTestBroadcast(t *testing.T, phones ...string) Broadcast {
	t.Helper()
	rs := make([]Recipient, 0, len(phones))
	for _, p := range phones {
		rs = append(rs, Recipient{PhoneNumber: p})
	}
	b, err := NewBroadcast(NewInput{
		Title:     "Drill",
		Message:   "Evacuation drill at 10:00",
		Type:      TypeVoice,
		CreatedBy: "admin",
	}, rs, 3, t0)
	if err != nil {
		t.Fatalf("new broadcast: %v", err)
	}
	return b
}

func TestNewBroadcast_Validation(t *testing.T) {
	rs := []Recipient{{PhoneNumber: "1"}}
	cases := []struct {
		name  string
		in    NewInput
		rs    []Recipient
		field string
	}{
		{"missing title", NewInput{Message: "m", Type: TypeVoice, CreatedBy: "u"}, rs, "title"},
		{"missing creator", NewInput{Title: "t", Message: "m", Type: TypeVoice}, rs, "createdBy"},
		{"bad type", NewInput{Title: "t", Message: "m", Type: "fax", CreatedBy: "u"}, rs, "type"},
		{"long sms", NewInput{Title: "t", Message: "m", Type: TypeSMS, CreatedBy: "u", SMSMessage: strings.Repeat("x", 161)}, rs, "smsMessage"},
		{"no recipients", NewInput{Title: "t", Message: "m", Type: TypeVoice, CreatedBy: "u"}, nil, "recipients"},
	}
	for _, c := range cases {
		_, err := NewBroadcast(c.in, c.rs, 3, t0)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", c.name, err)
		}
		if ve.Field != c.field {
			t.Fatalf("%s: expected field %q, got %q", c.name, c.field, ve.Field)
		}
	}
}

func TestNewBroadcast_DefaultsAndDedup(t *testing.T) {
	b, err := NewBroadcast(NewInput{Title: "t", Message: strings.Repeat("é", 200), Type: TypeBoth, CreatedBy: "u"},
		[]Recipient{{PhoneNumber: "1"}, {PhoneNumber: "2"}, {PhoneNumber: "1"}}, 0, t0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if b.Status != StatusPending || b.Priority != PriorityNormal || b.MaxRetries != DefaultMaxRetries {
		t.Fatalf("unexpected defaults: %+v", b)
	}
	if b.TotalRecipients != 2 {
		t.Fatalf("expected 2 recipients, got %d", b.TotalRecipients)
	}
	if n := len([]rune(b.SMSMessage)); n != MaxSMSLength {
		t.Fatalf("expected sms text truncated to %d runes, got %d", MaxSMSLength, n)
	}
}

func TestNewBroadcast_RejectsPastSchedule(t *testing.T) {
	past := t0.Add(-time.Minute)
	_, err := NewBroadcast(NewInput{Title: "t", Message: "m", Type: TypeVoice, CreatedBy: "u", ScheduledAt: &past},
		[]Recipient{{PhoneNumber: "1"}}, 3, t0)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLifecycleGuards(t *testing.T) {
	b := newTestBroadcast(t, "1")

	var st *apperr.InvalidStateTransition
	if err := b.Complete(t0); !errors.As(err, &st) {
		t.Fatalf("complete on pending: expected InvalidStateTransition, got %v", err)
	}
	if err := b.Start(t0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.Start(t0); !errors.As(err, &st) {
		t.Fatalf("second start: expected InvalidStateTransition, got %v", err)
	}
	if err := b.Complete(t0); !errors.As(err, &st) {
		t.Fatalf("complete with unsettled recipient: expected InvalidStateTransition, got %v", err)
	}

	if err := b.MarkCalling("1", t0); err != nil {
		t.Fatalf("mark calling: %v", err)
	}
	if err := b.UpdateRecipientStatus("1", RecipientSuccess, 12, "", t0); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := b.Complete(t0.Add(time.Minute)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if b.Status != StatusCompleted || b.CompletedAt == nil || b.AverageDuration != 12 {
		t.Fatalf("unexpected completed state: %+v", b)
	}
	if err := b.Cancel("admin", "late", t0); !errors.As(err, &st) {
		t.Fatalf("cancel completed: expected InvalidStateTransition, got %v", err)
	}
	if err := b.Fail("x", t0); !errors.As(err, &st) {
		t.Fatalf("fail completed: expected InvalidStateTransition, got %v", err)
	}
}

func TestCancelFromPendingAndInProgress(t *testing.T) {
	b := newTestBroadcast(t, "1")
	if err := b.Cancel("admin", "test", t0); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if b.Status != StatusCancelled || b.CancelledBy != "admin" || b.CancelReason != "test" {
		t.Fatalf("unexpected state: %+v", b)
	}
	if err := b.Cancel("admin", "again", t0); err == nil {
		t.Fatalf("expected error cancelling twice")
	}

	b2 := newTestBroadcast(t, "1")
	_ = b2.Start(t0)
	if err := b2.Cancel("admin", "test", t0); err != nil {
		t.Fatalf("cancel in_progress: %v", err)
	}
}

func TestUpdateRecipientStatus_CountsAtMostOnce(t *testing.T) {
	b := newTestBroadcast(t, "1", "2")
	_ = b.Start(t0)

	_ = b.MarkCalling("1", t0)
	_ = b.UpdateRecipientStatus("1", RecipientNoAnswer, 0, "ring timeout", t0)
	_ = b.MarkCalling("1", t0)
	_ = b.UpdateRecipientStatus("1", RecipientBusy, 0, "busy", t0)
	if b.FailureCount != 1 || b.SuccessCount != 0 {
		t.Fatalf("expected one failure, got s=%d f=%d", b.SuccessCount, b.FailureCount)
	}

	_ = b.MarkCalling("1", t0)
	_ = b.UpdateRecipientStatus("1", RecipientSuccess, 9, "", t0)
	_ = b.UpdateRecipientStatus("1", RecipientSuccess, 9, "", t0)
	if b.SuccessCount != 1 || b.FailureCount != 0 {
		t.Fatalf("expected count moved to success, got s=%d f=%d", b.SuccessCount, b.FailureCount)
	}
	if b.SuccessCount+b.FailureCount > b.TotalRecipients {
		t.Fatalf("counters exceed recipients")
	}

	if err := b.UpdateRecipientStatus("1", RecipientFailed, 0, "late", t0); err == nil {
		t.Fatalf("expected success to be final")
	}
	r, _ := b.Recipient("1")
	if r.Attempts != 3 || r.Status != RecipientSuccess {
		t.Fatalf("unexpected recipient: %+v", r)
	}
}

func TestUpdateRecipientStatus_UnknownAndInvalid(t *testing.T) {
	b := newTestBroadcast(t, "1")
	_ = b.Start(t0)

	var ur *apperr.UnknownRecipientError
	if err := b.UpdateRecipientStatus("999", RecipientFailed, 0, "", t0); !errors.As(err, &ur) {
		t.Fatalf("expected UnknownRecipientError, got %v", err)
	}
	var ve *apperr.ValidationError
	if err := b.UpdateRecipientStatus("1", RecipientFailed, -1, "", t0); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for negative duration, got %v", err)
	}
	if err := b.UpdateRecipientStatus("1", RecipientCalling, 0, "", t0); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for non-result status, got %v", err)
	}
}

func TestDerivedStatistics(t *testing.T) {
	b := newTestBroadcast(t, "1", "2", "3")
	if b.ProgressPercentage() != 0 || b.SuccessRate() != 0 {
		t.Fatalf("expected zeros before any result")
	}
	_ = b.Start(t0)
	_ = b.UpdateRecipientStatus("1", RecipientSuccess, 10, "", t0)
	_ = b.UpdateRecipientStatus("2", RecipientFailed, 0, "x", t0)

	if got := b.ProgressPercentage(); got != 67 {
		t.Fatalf("expected 67%%, got %d", got)
	}
	if got := b.SuccessRate(); got != 50 {
		t.Fatalf("expected 50%%, got %d", got)
	}

	_ = b.UpdateRecipientStatus("3", RecipientSuccess, 15, "", t0)
	if err := b.Complete(t0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if b.AverageDuration != 13 {
		t.Fatalf("expected rounded average 13 over positive durations, got %d", b.AverageDuration)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := newTestBroadcast(t, "1")
	_ = b.Start(t0)
	c := b.Clone()
	_ = b.UpdateRecipientStatus("1", RecipientSuccess, 1, "", t0)
	if r, _ := c.Recipient("1"); r.Status != RecipientPending {
		t.Fatalf("clone shares recipients")
	}
}
