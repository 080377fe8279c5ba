package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"broadcast-platform/internal/audit"
	"broadcast-platform/internal/auth"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/config"
	"broadcast-platform/internal/dispatch"
	"broadcast-platform/internal/employees"
	"broadcast-platform/internal/escalation"
	"broadcast-platform/internal/phone"
	"broadcast-platform/internal/rbac"
	"broadcast-platform/internal/reporting"
	"broadcast-platform/internal/sms"
	"broadcast-platform/internal/store"
	"broadcast-platform/internal/telephony"
	"broadcast-platform/internal/trunks"
	"broadcast-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type api struct {
	router *gin.Engine
	auth   *auth.Manager
	m      *dispatch.Manager
	pool   *trunks.Pool
	audit  *audit.MemoryRepo
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	norm := phone.NewNormalizer("US")
	dir := employees.NewMemoryDirectory()
	for i, ph := range []string{"+1 202 456 1111", "+1 202 456 1112"} {
		e, err := employees.NewEmployee(employees.Employee{
			ID:           []string{"E1", "E2"}[i],
			FirstName:    "Test",
			LastName:     "Employee",
			PhoneNumber:  ph,
			DepartmentID: "D1",
			DistrictID:   "R1",
		}, norm, time.Now())
		require.NoError(t, err)
		dir.PutEmployee(e)
	}

	pool := trunks.NewPool(trunks.Options{FailureThreshold: 3, Logger: logger.Discard()})
	a, err := trunks.NewAccount(trunks.Account{ID: "t1", Extension: "100", Domain: "pbx.local", MaxConcurrentCalls: 2}, time.Now())
	require.NoError(t, err)
	require.NoError(t, pool.Add(a))
	_, err = pool.Register("t1", "10.0.0.1", 3600)
	require.NoError(t, err)

	repo := store.NewMemoryRepo()
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo, logger.Discard())

	s := dispatch.DefaultSettings()
	s.ReconcileInterval = 10 * time.Millisecond
	m := dispatch.NewManager(dispatch.Deps{
		Repo:      repo,
		Pool:      pool,
		Transport: telephony.NewSimulator(),
		Resolver:  employees.NewResolver(dir, norm, logger.Discard()),
		Escalator: escalation.New(sms.LogGateway{Log: logger.Discard()}, repo, logger.Discard()),
		Audit:     auditSvc,
		Logger:    logger.Discard(),
	}, s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "test", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	require.NoError(t, err)

	h := Handlers{
		Auth:       am,
		DevLogin:   true,
		Broadcasts: m,
		Reports:    reporting.NewService(repo, m),
		Trunks:     pool,
		Audit:      auditSvc,
	}
	r := gin.New()
	v1 := r.Group("/v1")
	v1.POST("/auth/login", h.Login)
	protected := v1.Group("", auth.RequireAccessToken(am))
	h.Register(protected)

	return &api{router: r, auth: am, m: m, pool: pool, audit: auditRepo}
}

func (a *api) token(t *testing.T, user, role string) string {
	t.Helper()
	p, err := a.auth.IssuePair(time.Now(), user, role)
	require.NoError(t, err)
	return p.AccessToken
}

type reply struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (a *api) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, reply) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var r reply
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
	}
	return w, r
}

func createBody(scheduled *time.Time) map[string]any {
	body := map[string]any{
		"title":   "Drill",
		"message": "Evacuation drill at 10:00, press 1 to confirm",
		"type":    "voice",
		"target":  map[string]any{"departmentIds": []string{"D1"}},
		// ignored: the caller is the creator
		"createdBy": "someone-else",
	}
	if scheduled != nil {
		body["scheduledAt"] = scheduled.Format(time.RFC3339)
	}
	return body
}

func waitFinished(t *testing.T, a *api, id string) {
	t.Helper()
	select {
	case <-a.m.Done(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("broadcast %s did not finish", id)
	}
}

func TestCreateBroadcastDialsEveryoneAndReports(t *testing.T) {
	a := newAPI(t)
	op := a.token(t, "op-1", rbac.RoleOperator)

	w, r := a.do(t, http.MethodPost, "/v1/broadcasts", op, createBody(nil))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.True(t, r.Success)

	var b broadcast.Broadcast
	require.NoError(t, json.Unmarshal(r.Data, &b))
	assert.Equal(t, "op-1", b.CreatedBy)
	assert.Equal(t, 2, b.TotalRecipients)
	waitFinished(t, a, b.ID)

	_, r = a.do(t, http.MethodGet, "/v1/broadcasts/"+b.ID, op, nil)
	require.NoError(t, json.Unmarshal(r.Data, &b))
	assert.Equal(t, broadcast.StatusCompleted, b.Status)
	assert.Equal(t, 2, b.SuccessCount)

	w, r = a.do(t, http.MethodGet, "/v1/broadcasts/"+b.ID+"/report", a.token(t, "v", rbac.RoleViewer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rep reporting.Report
	require.NoError(t, json.Unmarshal(r.Data, &rep))
	assert.Equal(t, 2, rep.Statistics.ConfirmedCount)
	assert.Equal(t, 100, rep.Statistics.ConfirmationRate)
	assert.Len(t, rep.CallAttempts, 2)

	_, r = a.do(t, http.MethodGet, "/v1/broadcasts?status=completed", op, nil)
	var list []broadcast.Broadcast
	require.NoError(t, json.Unmarshal(r.Data, &list))
	assert.Len(t, list, 1)
}

func TestViewerCannotCreate(t *testing.T) {
	a := newAPI(t)
	w, r := a.do(t, http.MethodPost, "/v1/broadcasts", a.token(t, "v", rbac.RoleViewer), createBody(nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, r.Success)
}

func TestErrorMapping(t *testing.T) {
	a := newAPI(t)
	op := a.token(t, "op-1", rbac.RoleOperator)

	body := createBody(nil)
	delete(body, "title")
	w, r := a.do(t, http.MethodPost, "/v1/broadcasts", op, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, r.Error, "title")

	body = createBody(nil)
	body["target"] = map[string]any{}
	w, _ = a.do(t, http.MethodPost, "/v1/broadcasts", op, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = a.do(t, http.MethodGet, "/v1/broadcasts/nope", op, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = a.do(t, http.MethodGet, "/v1/broadcasts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCancelScheduledBroadcastThenConflict(t *testing.T) {
	a := newAPI(t)
	op := a.token(t, "op-1", rbac.RoleOperator)
	later := time.Now().Add(time.Hour)

	_, r := a.do(t, http.MethodPost, "/v1/broadcasts", op, createBody(&later))
	var b broadcast.Broadcast
	require.NoError(t, json.Unmarshal(r.Data, &b))
	require.Equal(t, broadcast.StatusPending, b.Status)

	w, r := a.do(t, http.MethodPost, "/v1/broadcasts/"+b.ID+"/cancel", op, map[string]string{"reason": "drill moved"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(r.Data, &b))
	assert.Equal(t, broadcast.StatusCancelled, b.Status)
	assert.Equal(t, "op-1", b.CancelledBy)
	assert.Equal(t, "drill moved", b.CancelReason)

	w, _ = a.do(t, http.MethodPost, "/v1/broadcasts/"+b.ID+"/cancel", op, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = a.do(t, http.MethodPost, "/v1/broadcasts/"+b.ID+"/start", op, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestExportReturnsWorkbook(t *testing.T) {
	a := newAPI(t)
	op := a.token(t, "op-1", rbac.RoleOperator)
	_, r := a.do(t, http.MethodPost, "/v1/broadcasts", op, createBody(nil))
	var b broadcast.Broadcast
	require.NoError(t, json.Unmarshal(r.Data, &b))
	waitFinished(t, a, b.ID)

	w, _ := a.do(t, http.MethodGet, "/v1/broadcasts/"+b.ID+"/export", op, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), b.ID)
	// xlsx is a zip archive
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")))
}

func TestReportsAreReadableAcrossCreators(t *testing.T) {
	a := newAPI(t)
	_, r := a.do(t, http.MethodPost, "/v1/broadcasts", a.token(t, "op-1", rbac.RoleOperator), createBody(nil))
	var b broadcast.Broadcast
	require.NoError(t, json.Unmarshal(r.Data, &b))
	waitFinished(t, a, b.ID)

	for _, tok := range []string{
		a.token(t, "op-2", rbac.RoleOperator),
		a.token(t, "supervisor", rbac.RoleViewer),
		a.token(t, "root", rbac.RoleAdmin),
	} {
		w, _ := a.do(t, http.MethodGet, "/v1/broadcasts/"+b.ID+"/report", tok, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		w, _ = a.do(t, http.MethodGet, "/v1/broadcasts/"+b.ID+"/export", tok, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestSummaryRejectsBadRange(t *testing.T) {
	a := newAPI(t)
	op := a.token(t, "op-1", rbac.RoleOperator)

	w, _ := a.do(t, http.MethodGet, "/v1/broadcasts/summary?from=yesterday", op, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = a.do(t, http.MethodGet, "/v1/broadcasts/summary?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", op, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, r := a.do(t, http.MethodGet, "/v1/broadcasts/summary", op, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var s reporting.Summary
	require.NoError(t, json.Unmarshal(r.Data, &s))
	assert.Equal(t, 0, s.Broadcasts)
}

func TestTrunkAdministration(t *testing.T) {
	a := newAPI(t)
	admin := a.token(t, "root", rbac.RoleAdmin)

	w, _ := a.do(t, http.MethodGet, "/v1/trunks", a.token(t, "op-1", rbac.RoleOperator), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, r := a.do(t, http.MethodPost, "/v1/trunks", admin, map[string]any{
		"id": "t2", "extension": "200", "domain": "pbx.local", "maxConcurrentCalls": 4, "password": "s3cret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, string(r.Data), "s3cret")

	w, _ = a.do(t, http.MethodPost, "/v1/trunks", admin, map[string]any{"id": "t2", "extension": "200", "domain": "pbx.local"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = a.do(t, http.MethodPost, "/v1/trunks/t2/register", admin, map[string]any{"ip": "10.0.0.2"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6, a.pool.Stats().TotalChannels)

	w, _ = a.do(t, http.MethodPut, "/v1/trunks/t2/capacity", admin, map[string]any{"maxConcurrentCalls": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, r = a.do(t, http.MethodPost, "/v1/trunks/t2/suspend", admin, map[string]any{"reason": "carrier maintenance"})
	require.Equal(t, http.StatusOK, w.Code)
	var acc trunks.Account
	require.NoError(t, json.Unmarshal(r.Data, &acc))
	assert.Equal(t, trunks.StatusSuspended, acc.Status)
	assert.False(t, a.pool.Dispatchable("t2"))

	w, _ = a.do(t, http.MethodGet, "/v1/channel-status", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, r = a.do(t, http.MethodGet, "/v1/audit?type=trunk.suspended", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(r.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "root", events[0].ActorUserID)
	assert.Equal(t, "t2", events[0].TrunkID)
}

func TestDevLogin(t *testing.T) {
	a := newAPI(t)

	w, _ := a.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"user_id": "u1", "role": "owner"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, r := a.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{"user_id": "u1", "role": rbac.RoleViewer})
	require.Equal(t, http.StatusOK, w.Code)
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &tokens))

	_, r = a.do(t, http.MethodGet, "/v1/me", tokens.AccessToken, nil)
	assert.JSONEq(t, `{"user_id":"u1","role":"viewer"}`, string(r.Data))
}

func TestStreamSendsSnapshotThenUpdatesUntilDone(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()
	op := a.token(t, "op-1", rbac.RoleOperator)
	later := time.Now().Add(time.Hour)

	_, r := a.do(t, http.MethodPost, "/v1/broadcasts", op, createBody(&later))
	var b broadcast.Broadcast
	require.NoError(t, json.Unmarshal(r.Data, &b))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/broadcasts/" + b.ID + "/stream?access_token=" + op
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, broadcast.StatusPending, first.Broadcast.Status)

	_, err = a.m.Start(context.Background(), b.ID, "op-1")
	require.NoError(t, err)

	var recipientUpdates int
	for {
		var u dispatch.Update
		require.NoError(t, conn.ReadJSON(&u))
		if u.Type == dispatch.UpdateRecipient {
			recipientUpdates++
		}
		if u.Type == dispatch.UpdateStatus && u.Status.Terminal() {
			assert.Equal(t, broadcast.StatusCompleted, u.Status)
			assert.Equal(t, 100, u.Progress)
			break
		}
	}
	assert.Positive(t, recipientUpdates)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamOfFinishedBroadcastClosesAfterSnapshot(t *testing.T) {
	a := newAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()
	op := a.token(t, "op-1", rbac.RoleOperator)

	_, r := a.do(t, http.MethodPost, "/v1/broadcasts", op, createBody(nil))
	var b broadcast.Broadcast
	require.NoError(t, json.Unmarshal(r.Data, &b))
	waitFinished(t, a, b.ID)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/broadcasts/" + b.ID + "/stream?access_token=" + op
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, broadcast.StatusCompleted, first.Broadcast.Status)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
