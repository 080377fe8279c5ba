package broadcast

import "time"

type Type string

const (
	TypeVoice Type = "voice"
	TypeSMS   Type = "sms"
	TypeBoth  Type = "both"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientCalling  RecipientStatus = "calling"
	RecipientSuccess  RecipientStatus = "success"
	RecipientFailed   RecipientStatus = "failed"
	RecipientNoAnswer RecipientStatus = "no_answer"
	RecipientBusy     RecipientStatus = "busy"
)

// Settled reports whether the status is a call result rather than
// pending/calling.
func (s RecipientStatus) Settled() bool {
	switch s {
	case RecipientSuccess, RecipientFailed, RecipientNoAnswer, RecipientBusy:
		return true
	default:
		return false
	}
}

func (s RecipientStatus) failure() bool {
	return s == RecipientFailed || s == RecipientNoAnswer || s == RecipientBusy
}

// Tally records which broadcast counter a recipient currently contributes to.
// Each recipient contributes to at most one counter at a time.
type Tally string

const (
	TallyNone    Tally = ""
	TallySuccess Tally = "success"
	TallyFailure Tally = "failure"
)

// Recipient is one phone number targeted by a broadcast.
type Recipient struct {
	PhoneNumber   string          `json:"phoneNumber"`
	EmployeeID    string          `json:"employeeId,omitempty"`
	EmployeeName  string          `json:"employeeName,omitempty"`
	Status        RecipientStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	Duration      int             `json:"duration"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	Tally         Tally           `json:"-"`
}

// Broadcast is a single mass-notification job.
//
// Fields are exported for storage and JSON. State changes go through the
// transition methods, which leave the value untouched when they fail.
type Broadcast struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	SMSMessage   string   `json:"smsMessage,omitempty"`
	AudioFileURL string   `json:"audioFileUrl,omitempty"`
	Type         Type     `json:"type"`
	Priority     Priority `json:"priority"`
	Status       Status   `json:"status"`
	MaxRetries   int      `json:"maxRetries"`

	Recipients      []Recipient `json:"recipients"`
	TotalRecipients int         `json:"totalRecipients"`
	SuccessCount    int         `json:"successCount"`
	FailureCount    int         `json:"failureCount"`
	AverageDuration int         `json:"averageDuration"`

	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy   string     `json:"cancelledBy,omitempty"`
	CancelReason  string     `json:"cancelReason,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`

	index map[string]int
}
