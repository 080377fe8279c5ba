package sms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"broadcast-platform/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	logins  atomic.Int32
	sends   atomic.Int32
	expired atomic.Bool
	reject  bool

	mu   sync.Mutex
	last map[string]string
}

func (f *fakeAPI) lastBody() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "ops@example.com" || body["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{"token": "tok" + string(rune('0'+n))}})
	})
	mux.HandleFunc("/message/sms/send", func(w http.ResponseWriter, r *http.Request) {
		if f.expired.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.sends.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.last = body
		f.mu.Unlock()
		if f.reject {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid number"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 4242, "status": "waiting", "message": "Waiting for SMS provider"})
	})
	return mux
}

func newGateway(t *testing.T, api *fakeAPI, testText string) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	g, err := NewHTTPGateway(HTTPConfig{BaseURL: srv.URL + "/", Email: "ops@example.com", Password: "pw", Sender: "4546", TestText: testText})
	require.NoError(t, err)
	return g
}

func TestHTTPGatewaySendsAndCachesToken(t *testing.T) {
	api := &fakeAPI{}
	g := newGateway(t, api, "")
	ctx := context.Background()

	res, err := g.SendSMS(ctx, "998901234567", "Evacuate building B")
	require.NoError(t, err)
	assert.Equal(t, "4242", res.MessageID)
	assert.Equal(t, "waiting", res.Status)
	assert.Equal(t, "998901234567", api.lastBody()["mobile_phone"])
	assert.Equal(t, "4546", api.lastBody()["from"])

	_, err = g.SendSMS(ctx, "998901234568", "again")
	require.NoError(t, err)
	assert.EqualValues(t, 1, api.logins.Load())
}

func TestHTTPGatewayRelogsOnUnauthorized(t *testing.T) {
	api := &fakeAPI{}
	g := newGateway(t, api, "")
	ctx := context.Background()

	_, err := g.SendSMS(ctx, "1", "a")
	require.NoError(t, err)
	api.expired.Store(true)
	_, err = g.SendSMS(ctx, "1", "b")
	require.NoError(t, err)
	assert.EqualValues(t, 2, api.logins.Load())
	assert.EqualValues(t, 2, api.sends.Load())
}

func TestHTTPGatewayRejection(t *testing.T) {
	api := &fakeAPI{reject: true}
	g := newGateway(t, api, "")
	_, err := g.SendSMS(context.Background(), "1", "a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "invalid number")
}

func TestHTTPGatewayTestText(t *testing.T) {
	api := &fakeAPI{}
	g := newGateway(t, api, "Test message")
	_, err := g.SendSMS(context.Background(), "1", "real text")
	require.NoError(t, err)
	assert.Equal(t, "Test message", api.lastBody()["message"])
}

func TestNewHTTPGatewayRequiresCredentials(t *testing.T) {
	_, err := NewHTTPGateway(HTTPConfig{BaseURL: "http://x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

type countingGateway struct{ n atomic.Int32 }

func (c *countingGateway) SendSMS(context.Context, string, string) (SendResult, error) {
	c.n.Add(1)
	return SendResult{MessageID: "x"}, nil
}

func TestRateLimitedHonoursContext(t *testing.T) {
	next := &countingGateway{}
	g := NewRateLimited(next, 1, 1)

	_, err := g.SendSMS(context.Background(), "1", "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.SendSMS(ctx, "1", "b")
	require.Error(t, err, "second message must wait ~1s and hit the deadline")
	assert.EqualValues(t, 1, next.n.Load())
}

func TestRateLimitedDisabled(t *testing.T) {
	next := &countingGateway{}
	g := NewRateLimited(next, 0, 0)
	for i := 0; i < 50; i++ {
		_, err := g.SendSMS(context.Background(), "1", "a")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 50, next.n.Load())
}

func TestLogGateway(t *testing.T) {
	res, err := LogGateway{Log: logger.Discard()}.SendSMS(context.Background(), "1001", "hi")
	require.NoError(t, err)
	assert.Equal(t, "logged", res.Status)
}
