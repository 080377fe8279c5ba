package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// StatusForm is the subset of the carrier's status callback we use. The
// carrier posts application/x-www-form-urlencoded.
type StatusForm struct {
	CallID          string
	CallSid         string
	CallStatus      string
	CallDuration    int
	SipResponseCode int
	AnsweredBy      string
}

// GatherForm is posted to the gather action once the callee pressed a key
// (or the window closed).
type GatherForm struct {
	CallID  string
	CallSid string
	Digits  string
}

func ParseStatusCallback(r *http.Request) (StatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusForm{}, err
	}
	f := StatusForm{
		CallID:     r.FormValue("call_id"),
		CallSid:    strings.TrimSpace(r.PostFormValue("CallSid")),
		CallStatus: strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		AnsweredBy: r.PostFormValue("AnsweredBy"),
	}
	f.CallDuration, _ = strconv.Atoi(r.PostFormValue("CallDuration"))
	f.SipResponseCode, _ = strconv.Atoi(r.PostFormValue("SipResponseCode"))
	return f, nil
}

func ParseGather(r *http.Request) (GatherForm, error) {
	if err := r.ParseForm(); err != nil {
		return GatherForm{}, err
	}
	return GatherForm{
		CallID:  r.FormValue("call_id"),
		CallSid: strings.TrimSpace(r.PostFormValue("CallSid")),
		Digits:  strings.TrimSpace(r.PostFormValue("Digits")),
	}, nil
}

// Terminal reports whether the status callback closes the call.
func (f StatusForm) Terminal() bool {
	switch f.CallStatus {
	case "completed", "busy", "no-answer", "failed", "canceled":
		return true
	default:
		return false
	}
}

// CallStatus maps the carrier status onto ours. A 603 Decline is an explicit
// rejection by the callee.
func (f StatusForm) Status(answered bool) CallStatus {
	if f.SipResponseCode == 603 {
		return CallRejected
	}
	switch f.CallStatus {
	case "completed", "in-progress", "answered":
		if answered {
			return CallAnswered
		}
		return CallNoAnswer
	case "busy":
		return CallBusy
	case "no-answer", "canceled":
		return CallNoAnswer
	default:
		return CallFailed
	}
}
