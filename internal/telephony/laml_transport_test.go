package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"broadcast-platform/internal/apperr"
	"broadcast-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCarrier accepts originate/hangup requests and records them.
type fakeCarrier struct {
	mu      sync.Mutex
	forms   []url.Values
	hangups int
	status  int
	placed  chan url.Values
}

func newFakeCarrier(t *testing.T) (*fakeCarrier, *httptest.Server) {
	fc := &fakeCarrier{status: http.StatusCreated, placed: make(chan url.Values, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != "proj" || pass != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		fc.mu.Lock()
		defer fc.mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/Calls.json") {
			if fc.status != http.StatusCreated {
				w.WriteHeader(fc.status)
				_, _ = io.WriteString(w, `{"message":"unavailable"}`)
				return
			}
			fc.forms = append(fc.forms, r.PostForm)
			fc.placed <- r.PostForm
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"sid":"CA1","status":"queued"}`)
			return
		}
		fc.hangups++
		_, _ = io.WriteString(w, `{"sid":"CA1","status":"completed"}`)
	}))
	t.Cleanup(srv.Close)
	return fc, srv
}

func newTransport(t *testing.T, base string) *LaMLTransport {
	t.Helper()
	tr, err := NewLaMLTransport(LaMLConfig{BaseURL: base, ProjectID: "proj", Token: "tok", CallbackBaseURL: "https://svc.example.com/"}, logger.Discard())
	require.NoError(t, err)
	return tr
}

func TestLaMLTransport_ConfirmedCall(t *testing.T) {
	fc, srv := newFakeCarrier(t)
	tr := newTransport(t, srv.URL)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	WebhookHandler{Sink: tr}.Register(r.Group("/webhooks/telephony"))

	req := CallRequest{CallID: "c1", TrunkID: "t1", TrunkExtension: "1001", TrunkDomain: "pbx.local", PhoneNumber: "12024561111", Message: "Drill at noon", RingTimeout: 30 * time.Second, DTMFTimeout: 10 * time.Second}

	done := make(chan struct{})
	var (
		res CallResult
		err error
	)
	go func() {
		res, err = tr.PlaceCall(context.Background(), req)
		close(done)
	}()

	form := <-fc.placed
	assert.Equal(t, "sip:+12024561111@pbx.local", form.Get("To"))
	assert.Equal(t, "30", form.Get("Timeout"))
	assert.Equal(t, "https://svc.example.com/webhooks/telephony/answer?call_id=c1", form.Get("Url"))

	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		hr := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.ServeHTTP(w, hr)
		return w
	}

	// PlaceCall registers the sid after originate returns
	require.Eventually(t, func() bool {
		lc, ok := tr.lookup("c1")
		if !ok {
			return false
		}
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return lc.sid == "CA1"
	}, time.Second, 5*time.Millisecond)

	w := post("/webhooks/telephony/answer?call_id=c1", "CallSid=CA1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Say>Drill at noon</Say>")
	assert.Contains(t, w.Body.String(), `timeout="10"`)

	w = post("/webhooks/telephony/gather?call_id=c1", "CallSid=CA1&Digits=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Thank you")

	w = post("/webhooks/telephony/status?call_id=c1", "CallSid=CA1&CallStatus=completed&CallDuration=21")
	require.Equal(t, http.StatusNoContent, w.Code)

	<-done
	require.NoError(t, err)
	assert.Equal(t, CallAnswered, res.Status)
	assert.True(t, res.Answered)
	assert.True(t, res.Confirmed)
	assert.Equal(t, 21*time.Second, res.Duration)
	assert.Equal(t, "CA1", res.ProviderCallID)

	// late callback after completion
	w = post("/webhooks/telephony/status?call_id=c1", "CallStatus=completed")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = post("/webhooks/telephony/answer?call_id=c1", "")
	assert.Contains(t, w.Body.String(), "<Hangup>")
}

func TestLaMLTransport_OriginateFailureIsTransportError(t *testing.T) {
	fc, srv := newFakeCarrier(t)
	fc.status = http.StatusServiceUnavailable
	tr := newTransport(t, srv.URL)

	_, err := tr.PlaceCall(context.Background(), CallRequest{CallID: "c2", TrunkID: "t9", PhoneNumber: "12024561111", Message: "x"})
	var te *apperr.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "t9", te.TrunkID)
	assert.Contains(t, te.Error(), "503")
}

func TestLaMLTransport_TimeoutHangsUp(t *testing.T) {
	fc, srv := newFakeCarrier(t)
	tr := newTransport(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := tr.PlaceCall(ctx, CallRequest{CallID: "c3", PhoneNumber: "12024561111", Message: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Answered)
	assert.Equal(t, CallNoAnswer, res.Status)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, 1, fc.hangups)
	_, ok := tr.lookup("c3")
	assert.False(t, ok)
}

func TestNewLaMLTransportValidation(t *testing.T) {
	_, err := NewLaMLTransport(LaMLConfig{BaseURL: "x", ProjectID: "p"}, nil)
	assert.Error(t, err)
	_, err = NewLaMLTransport(LaMLConfig{BaseURL: "x", ProjectID: "p", Token: "t"}, nil)
	assert.Error(t, err)
}
