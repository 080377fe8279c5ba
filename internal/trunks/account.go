package trunks

import (
	"strings"
	"time"

	"broadcast-platform/internal/apperr"

	"github.com/google/uuid"
)

type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRegistering  Status = "registering"
	StatusRegistered   Status = "registered"
	StatusFailed       Status = "failed"
	StatusSuspended    Status = "suspended"
)

type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
	TransportWSS Transport = "wss"
)

const DefaultMaxConcurrentCalls = 5

// Account is a SIP trunk: an outbound line with bounded concurrent calls.
type Account struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Extension string    `json:"extension" yaml:"extension"`
	Domain    string    `json:"domain" yaml:"domain"`
	Proxy     string    `json:"proxy,omitempty" yaml:"proxy"`
	Username  string    `json:"username,omitempty" yaml:"username"`
	Password  string    `json:"-" yaml:"password"`
	Transport Transport `json:"transport" yaml:"transport"`
	Status    Status    `json:"status" yaml:"-"`
	IsActive  bool      `json:"isActive" yaml:"-"`

	MaxConcurrentCalls int `json:"maxConcurrentCalls" yaml:"max_concurrent_calls"`
	CurrentActiveCalls int `json:"currentActiveCalls" yaml:"-"`
	TotalCallsMade     int `json:"totalCallsMade" yaml:"-"`
	TotalCallsReceived int `json:"totalCallsReceived" yaml:"-"`

	LastRegisteredAt    *time.Time `json:"lastRegisteredAt,omitempty" yaml:"-"`
	RegisteredIP        string     `json:"registeredIp,omitempty" yaml:"-"`
	RegistrationExpires int        `json:"registrationExpires,omitempty" yaml:"-"`
	LastError           string     `json:"lastError,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// NewAccount validates a trunk definition and returns it unregistered and active.
func NewAccount(a Account, now time.Time) (Account, error) {
	a.Extension = strings.TrimSpace(a.Extension)
	a.Domain = strings.TrimSpace(a.Domain)
	if a.Extension == "" {
		return Account{}, apperr.Invalid("extension", "required")
	}
	if a.Domain == "" {
		return Account{}, apperr.Invalid("domain", "required")
	}
	if a.Transport == "" {
		a.Transport = TransportUDP
	}
	switch a.Transport {
	case TransportUDP, TransportTCP, TransportTLS, TransportWSS:
	default:
		return Account{}, apperr.Invalid("transport", "unsupported "+string(a.Transport))
	}
	if a.MaxConcurrentCalls == 0 {
		a.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if a.MaxConcurrentCalls < 1 {
		return Account{}, apperr.Invalid("maxConcurrentCalls", "must be at least 1")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Name == "" {
		a.Name = a.Extension + "@" + a.Domain
	}
	a.Status = StatusUnregistered
	a.IsActive = true
	a.CurrentActiveCalls = 0
	a.CreatedAt = now
	a.UpdatedAt = now
	return a, nil
}

func (a *Account) stateErr(op string) error {
	return &apperr.InvalidStateTransition{Entity: "sip account", From: string(a.Status), Op: op}
}

// Dispatchable reports whether new outbound calls may use this trunk.
func (a *Account) Dispatchable() bool {
	return a.IsActive && a.Status == StatusRegistered
}

// Available is the number of free channels.
func (a *Account) Available() int {
	if n := a.MaxConcurrentCalls - a.CurrentActiveCalls; n > 0 {
		return n
	}
	return 0
}

// StartCall takes a channel for an outbound call.
func (a *Account) StartCall() error {
	if a.CurrentActiveCalls >= a.MaxConcurrentCalls {
		return &apperr.CapacityExceededError{TrunkID: a.ID, Max: a.MaxConcurrentCalls}
	}
	a.CurrentActiveCalls++
	a.TotalCallsMade++
	return nil
}

// ReceiveCall takes a channel for an inbound call.
func (a *Account) ReceiveCall() error {
	if a.CurrentActiveCalls >= a.MaxConcurrentCalls {
		return &apperr.CapacityExceededError{TrunkID: a.ID, Max: a.MaxConcurrentCalls}
	}
	a.CurrentActiveCalls++
	a.TotalCallsReceived++
	return nil
}

// EndCall frees a channel; it never goes below zero.
func (a *Account) EndCall() {
	if a.CurrentActiveCalls > 0 {
		a.CurrentActiveCalls--
	}
}

func (a *Account) StartRegistration(now time.Time) error {
	if a.Status != StatusUnregistered && a.Status != StatusFailed {
		return a.stateErr("start registration")
	}
	if !a.IsActive {
		return a.stateErr("register inactive account")
	}
	a.Status = StatusRegistering
	a.LastError = ""
	a.UpdatedAt = now
	return nil
}

func (a *Account) CompleteRegistration(ip string, expires int, now time.Time) error {
	if a.Status != StatusRegistering {
		return a.stateErr("complete registration")
	}
	a.Status = StatusRegistered
	a.RegisteredIP = ip
	a.RegistrationExpires = expires
	a.LastRegisteredAt = &now
	a.UpdatedAt = now
	return nil
}

func (a *Account) FailRegistration(reason string, now time.Time) error {
	if a.Status != StatusRegistering {
		return a.stateErr("fail registration")
	}
	a.Status = StatusFailed
	a.LastError = reason
	a.UpdatedAt = now
	return nil
}

// MarkFailed takes a trunk out of service after runtime errors.
func (a *Account) MarkFailed(reason string, now time.Time) {
	a.Status = StatusFailed
	a.LastError = reason
	a.UpdatedAt = now
}

func (a *Account) Unregister(now time.Time) {
	a.Status = StatusUnregistered
	a.RegisteredIP = ""
	a.RegistrationExpires = 0
	a.UpdatedAt = now
}

func (a *Account) Activate(now time.Time) {
	a.IsActive = true
	if a.Status == StatusSuspended {
		a.Status = StatusUnregistered
	}
	a.UpdatedAt = now
}

func (a *Account) Deactivate(now time.Time) {
	a.IsActive = false
	a.Unregister(now)
}

func (a *Account) Suspend(reason string, now time.Time) {
	a.Status = StatusSuspended
	a.IsActive = false
	a.LastError = reason
	a.UpdatedAt = now
}

// UpdateCredentials changes auth data; the trunk must register again.
func (a *Account) UpdateCredentials(username, password string, now time.Time) {
	a.Username = username
	a.Password = password
	if a.Status != StatusSuspended {
		a.Unregister(now)
	}
}

func (a *Account) UpdateMaxConcurrentCalls(n int, now time.Time) error {
	if n < 1 {
		return apperr.Invalid("maxConcurrentCalls", "must be at least 1")
	}
	if n < a.CurrentActiveCalls {
		return apperr.Invalid("maxConcurrentCalls", "below current active calls")
	}
	a.MaxConcurrentCalls = n
	a.UpdatedAt = now
	return nil
}
