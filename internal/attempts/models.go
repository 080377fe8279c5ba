package attempts

import "time"

// Status is the recorded result of one dial.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	// StatusAnswered means the callee picked up but never sent the confirm digit.
	StatusAnswered Status = "answered"
	StatusNoAnswer Status = "no_answer"
	StatusBusy     Status = "busy"
	StatusFailed   Status = "failed"
	// StatusRejected is an explicit decline; it is not retried.
	StatusRejected Status = "rejected"
)

// CallAttempt is one immutable entry of a phone number's dial log.
type CallAttempt struct {
	ID            string     `json:"id"`
	BroadcastID   string     `json:"broadcastId"`
	PhoneNumber   string     `json:"phoneNumber"`
	AttemptNumber int        `json:"attemptNumber"`
	TrunkID       string     `json:"trunkId,omitempty"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	Answered      bool       `json:"answered"`
	DTMFConfirmed bool       `json:"dtmfConfirmed"`
	// Duration is in seconds; nil when the call never connected.
	Duration      *int   `json:"duration"`
	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Result is what the dispatcher knows when a call ends.
type Result struct {
	TrunkID       string
	StartedAt     time.Time
	EndedAt       time.Time
	Answered      bool
	DTMFConfirmed bool
	Duration      time.Duration
	Status        Status
	FailureReason string
}

// Outcome classifies a recipient within a broadcast.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeExhausted  Outcome = "exhausted"
)

// Terminal reports whether the recipient needs no more voice attempts.
func (o Outcome) Terminal() bool {
	return o == OutcomeConfirmed || o == OutcomeExhausted
}
