// Package httpapi is the JSON API over the broadcast engine.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"broadcast-platform/internal/audit"
	"broadcast-platform/internal/auth"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/dispatch"
	"broadcast-platform/internal/rbac"
	"broadcast-platform/internal/reporting"
	"broadcast-platform/internal/store"
	"broadcast-platform/internal/trunks"

	"github.com/gin-gonic/gin"
)

// Broadcasts is the part of dispatch.Manager the API drives.
type Broadcasts interface {
	Create(ctx context.Context, in dispatch.CreateInput) (broadcast.Broadcast, error)
	Start(ctx context.Context, id, actor string) (broadcast.Broadcast, error)
	Cancel(ctx context.Context, id, by, reason string) (broadcast.Broadcast, error)
	Get(ctx context.Context, id string) (broadcast.Broadcast, error)
	List(ctx context.Context, f store.Filter) ([]broadcast.Broadcast, error)
	ChannelStatus() dispatch.ChannelStatus
	Hub() *dispatch.Hub
	Done(id string) <-chan struct{}
}

type Reports interface {
	Report(ctx context.Context, id string) (reporting.Report, error)
	ExportXLSX(ctx context.Context, id string, w io.Writer) error
	Summary(ctx context.Context, req reporting.SummaryRequest) (reporting.Summary, error)
}

type AuditLog interface {
	List(ctx context.Context, f audit.ListFilter) ([]audit.Event, error)
	LogTrunk(ctx context.Context, t audit.EventType, actor, trunkID, message string)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth *auth.Manager
	// DevLogin enables the credential-less login endpoint.
	DevLogin   bool
	Broadcasts Broadcasts
	Reports    Reports
	Trunks     *trunks.Pool
	Audit      AuditLog
	Now        func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Register mounts the authenticated API on r. The caller installs
// auth.RequireAccessToken in front of it.
func (h Handlers) Register(r gin.IRouter) {
	r.GET("/me", h.Me)

	b := r.Group("/broadcasts")
	{
		b.POST("", rbac.Dispatchers(), h.CreateBroadcast)
		b.GET("", rbac.Readers(), h.ListBroadcasts)
		b.GET("/summary", rbac.Readers(), h.Summary)
		b.GET("/:id", rbac.Readers(), h.GetBroadcast)
		b.GET("/:id/report", rbac.Readers(), h.GetReport)
		b.GET("/:id/export", rbac.Readers(), h.ExportReport)
		b.GET("/:id/stream", rbac.Readers(), h.Stream)
		b.POST("/:id/start", rbac.Dispatchers(), h.StartBroadcast)
		b.POST("/:id/cancel", rbac.Dispatchers(), h.CancelBroadcast)
	}

	r.GET("/channel-status", rbac.Readers(), h.ChannelStatus)

	// Trunk administration is admin only; RequireAnyRole lets admin through.
	t := r.Group("/trunks", rbac.RequireAnyRole())
	{
		t.GET("", h.ListTrunks)
		t.POST("", h.CreateTrunk)
		t.POST("/:id/register", h.RegisterTrunk)
		t.POST("/:id/suspend", h.SuspendTrunk)
		t.POST("/:id/activate", h.ActivateTrunk)
		t.PUT("/:id/capacity", h.SetTrunkCapacity)
	}

	r.GET("/audit", rbac.RequireAnyRole(), h.ListAudit)
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: Only mounted with AUTH_DEV_LOGIN; it does not check credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		abort(c, http.StatusNotFound, "login disabled")
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || !rbac.Known(req.Role) {
		abort(c, http.StatusBadRequest, "user_id and a known role required")
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		abort(c, http.StatusInternalServerError, "token issuance failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	ok(c, http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Ops ---

func (h Handlers) ChannelStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.Broadcasts.ChannelStatus())
}

func (h Handlers) ListAudit(c *gin.Context) {
	f := audit.ListFilter{
		Type:        audit.EventType(c.Query("type")),
		BroadcastID: c.Query("broadcastId"),
	}
	n, err := queryInt(c, "limit")
	if err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = n
	events, err := h.Audit.List(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, events)
}
