package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/internal/phone"
)

var ErrUnknownCall = errors.New("telephony: unknown call")

type LaMLConfig struct {
	// BaseURL is the LaML REST root, e.g. https://space.signalwire.com/api/laml/2010-04-01.
	BaseURL   string
	ProjectID string
	Token     string
	// CallbackBaseURL is the public URL the carrier reaches this service on.
	CallbackBaseURL string
	// CallerID is used when a trunk extension is not a dialable number.
	CallerID     string
	PromptRepeat int
	HTTPClient   *http.Client
}

// LaMLTransport originates calls over the carrier's REST API and learns the
// outcome from its answer, gather and status webhooks, correlated by call id.
type LaMLTransport struct {
	cfg  LaMLConfig
	http *http.Client
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	calls map[string]*liveCall
}

type liveCall struct {
	req        CallRequest
	sid        string
	answered   bool
	answeredAt time.Time
	digits     string
	done       chan CallResult
}

func NewLaMLTransport(cfg LaMLConfig, log *slog.Logger) (*LaMLTransport, error) {
	if cfg.BaseURL == "" || cfg.ProjectID == "" || cfg.Token == "" {
		return nil, errors.New("telephony: laml base url, project id and token are required")
	}
	if cfg.CallbackBaseURL == "" {
		return nil, errors.New("telephony: callback base url required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CallbackBaseURL = strings.TrimRight(cfg.CallbackBaseURL, "/")
	return &LaMLTransport{cfg: cfg, http: cfg.HTTPClient, log: log, now: time.Now, calls: map[string]*liveCall{}}, nil
}

func (t *LaMLTransport) Name() string { return "laml" }

type lamlCall struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (t *LaMLTransport) PlaceCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if req.CallID == "" {
		return CallResult{}, errors.New("telephony: call id required")
	}
	if req.ConfirmDigit == "" {
		req.ConfirmDigit = "1"
	}
	lc := &liveCall{req: req, done: make(chan CallResult, 1)}
	t.mu.Lock()
	t.calls[req.CallID] = lc
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.calls, req.CallID)
		t.mu.Unlock()
	}()

	sid, err := t.originate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return CallResult{Status: CallNoAnswer, Reason: "no answer"}, ctx.Err()
		}
		return CallResult{Status: CallFailed, Reason: err.Error()}, &apperr.TransportError{TrunkID: req.TrunkID, Op: "originate", Err: err}
	}
	t.mu.Lock()
	lc.sid = sid
	t.mu.Unlock()

	select {
	case res := <-lc.done:
		return res, nil
	case <-ctx.Done():
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := t.hangup(hctx, sid); err != nil {
			t.log.Warn("laml hangup failed", "call_id", req.CallID, "sid", sid, "err", err)
		}
		t.mu.Lock()
		res := CallResult{Status: CallNoAnswer, Answered: lc.answered, AnsweredAt: lc.answeredAt, Digits: lc.digits, ProviderCallID: sid, Reason: "timeout"}
		t.mu.Unlock()
		if res.Answered {
			res.Status = CallAnswered
			res.Duration = t.now().Sub(res.AnsweredAt)
			res.Confirmed = res.Digits == req.ConfirmDigit
		}
		return res, ctx.Err()
	}
}

func (t *LaMLTransport) originate(ctx context.Context, req CallRequest) (string, error) {
	form := url.Values{}
	form.Set("From", t.callerID(req))
	form.Set("To", dialTarget(req))
	form.Set("Url", t.callback("answer", req.CallID))
	form.Set("Method", "POST")
	form.Set("StatusCallback", t.callback("status", req.CallID))
	form.Set("StatusCallbackMethod", "POST")
	form.Add("StatusCallbackEvent", "answered")
	form.Add("StatusCallbackEvent", "completed")
	if req.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.RingTimeout.Seconds())))
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", t.cfg.BaseURL, t.cfg.ProjectID)
	var call lamlCall
	if err := t.post(ctx, endpoint, form, &call); err != nil {
		return "", err
	}
	return call.SID, nil
}

func (t *LaMLTransport) hangup(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	form := url.Values{}
	form.Set("Status", "completed")
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", t.cfg.BaseURL, t.cfg.ProjectID, sid)
	return t.post(ctx, endpoint, form, nil)
}

func (t *LaMLTransport) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.ProjectID, t.cfg.Token)

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("laml api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (t *LaMLTransport) callback(kind, callID string) string {
	return t.cfg.CallbackBaseURL + "/webhooks/telephony/" + kind + "?call_id=" + url.QueryEscape(callID)
}

func (t *LaMLTransport) callerID(req CallRequest) string {
	if ext := phone.Digits(req.TrunkExtension); ext != "" && ext == req.TrunkExtension && len(ext) > 6 {
		return phone.Dialable(ext)
	}
	if t.cfg.CallerID != "" {
		return t.cfg.CallerID
	}
	return req.TrunkExtension
}

// dialTarget routes the call through the trunk's SIP domain when one is set.
func dialTarget(req CallRequest) string {
	num := phone.Dialable(req.PhoneNumber)
	if req.TrunkDomain == "" {
		return num
	}
	u := "sip:" + num + "@" + req.TrunkDomain
	if req.TrunkTransport != "" && req.TrunkTransport != "udp" {
		u += ";transport=" + req.TrunkTransport
	}
	return u
}

func (t *LaMLTransport) lookup(callID string) (*liveCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lc, ok := t.calls[callID]
	return lc, ok
}

// Answer marks the call answered and returns the prompt document.
func (t *LaMLTransport) Answer(callID string) (string, error) {
	lc, ok := t.lookup(callID)
	if !ok {
		return "", ErrUnknownCall
	}
	t.mu.Lock()
	if !lc.answered {
		lc.answered = true
		lc.answeredAt = t.now()
	}
	req := lc.req
	t.mu.Unlock()

	return RenderPrompt(Prompt{
		AudioURL:   req.AudioURL,
		Message:    req.Message,
		GatherURL:  t.callback("gather", callID),
		TimeoutSec: int(req.DTMFTimeout.Seconds()),
		Repeat:     t.cfg.PromptRepeat,
	})
}

// Gather stores the pressed digit and returns the closing document.
func (t *LaMLTransport) Gather(f GatherForm) (string, error) {
	lc, ok := t.lookup(f.CallID)
	if !ok {
		return "", ErrUnknownCall
	}
	t.mu.Lock()
	lc.digits = f.Digits
	confirmed := f.Digits != "" && f.Digits == lc.req.ConfirmDigit
	t.mu.Unlock()
	return RenderGoodbye(confirmed)
}

// Status applies a status callback; terminal statuses complete PlaceCall.
func (t *LaMLTransport) Status(f StatusForm) error {
	lc, ok := t.lookup(f.CallID)
	if !ok {
		return ErrUnknownCall
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.CallStatus == "in-progress" || f.CallStatus == "answered" {
		if !lc.answered {
			lc.answered = true
			lc.answeredAt = t.now()
		}
		return nil
	}
	if !f.Terminal() {
		return nil
	}
	res := CallResult{
		Status:         f.Status(lc.answered),
		Answered:       lc.answered,
		AnsweredAt:     lc.answeredAt,
		Digits:         lc.digits,
		Confirmed:      lc.answered && lc.digits != "" && lc.digits == lc.req.ConfirmDigit,
		Duration:       time.Duration(f.CallDuration) * time.Second,
		ProviderCallID: lc.sid,
	}
	if res.ProviderCallID == "" {
		res.ProviderCallID = f.CallSid
	}
	switch res.Status {
	case CallAnswered:
		if !res.Confirmed {
			res.Reason = "no confirmation"
		}
	case CallRejected:
		res.Reason = "declined"
	default:
		res.Reason = f.CallStatus
	}
	select {
	case lc.done <- res:
	default:
	}
	return nil
}
