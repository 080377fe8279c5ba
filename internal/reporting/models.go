package reporting

import (
	"time"

	"broadcast-platform/internal/attempts"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/escalation"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Report is the on-demand view of one broadcast. Its JSON shape is consumed
// by existing polling clients; keep field names stable.
type Report struct {
	ID                 string             `json:"id"`
	Title              string             `json:"title"`
	Type               broadcast.Type     `json:"type"`
	Priority           broadcast.Priority `json:"priority"`
	Status             broadcast.Status   `json:"status"`
	TotalRecipients    int                `json:"totalRecipients"`
	SuccessCount       int                `json:"successCount"`
	FailureCount       int                `json:"failureCount"`
	ConfirmedCount     int                `json:"confirmedCount"`
	ProgressPercentage int                `json:"progressPercentage"`
	SuccessRate        int                `json:"successRate"`
	AverageDuration    int                `json:"averageDuration"`

	Recipients   []broadcast.Recipient             `json:"recipients"`
	CallAttempts map[string][]attempts.CallAttempt `json:"callAttempts"`
	SMSResults   []SMSResult                       `json:"smsResults"`
	Statistics   Statistics                        `json:"statistics"`

	CreatedBy    string     `json:"createdBy"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy  string     `json:"cancelledBy,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
}

type SMSResult struct {
	EmployeeID   string            `json:"employeeId,omitempty"`
	EmployeeName string            `json:"employeeName"`
	PhoneNumber  string            `json:"phoneNumber"`
	Kind         escalation.Kind   `json:"kind"`
	SentAt       time.Time         `json:"sentAt"`
	Status       escalation.Status `json:"status"`
	MessageID    string            `json:"messageId,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type Statistics struct {
	TotalRecipients   int `json:"totalRecipients"`
	TotalCallAttempts int `json:"totalCallAttempts"`
	AnsweredCalls     int `json:"answeredCalls"`
	ConfirmedCount    int `json:"confirmedCount"`
	// FailedCalls counts attempts that were never answered.
	FailedCalls         int `json:"failedCalls"`
	AverageCallDuration int `json:"averageCallDuration"`
	ConfirmationRate    int `json:"confirmationRate"`
}

// SummaryRequest aggregates broadcasts created inside Range.
type SummaryRequest struct {
	Range     TimeRange `json:"range"`
	CreatedBy string    `json:"createdBy,omitempty"`
}

type Summary struct {
	Range      TimeRange                `json:"range"`
	Broadcasts int                      `json:"broadcasts"`
	ByStatus   map[broadcast.Status]int `json:"byStatus"`

	TotalRecipients int `json:"totalRecipients"`
	SuccessCount    int `json:"successCount"`
	FailureCount    int `json:"failureCount"`
	SuccessRate     int `json:"successRate"`
	// AverageDuration is the mean of the broadcasts' average call durations.
	AverageDuration int `json:"averageDuration"`
}
