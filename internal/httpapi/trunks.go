package httpapi

import (
	"errors"
	"net/http"
	"time"

	"broadcast-platform/internal/audit"
	"broadcast-platform/internal/auth"
	"broadcast-platform/internal/trunks"

	"github.com/gin-gonic/gin"
)

func (h Handlers) ListTrunks(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"trunks": h.Trunks.List(), "stats": h.Trunks.Stats()})
}

type createTrunkRequest struct {
	trunks.Account
	// Password is dropped by Account's JSON tags, so it is read here.
	Password string `json:"password"`
}

// CreateTrunk adds an unregistered trunk; it takes calls once registered.
func (h Handlers) CreateTrunk(c *gin.Context) {
	var req createTrunkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid json")
		return
	}
	req.Account.Password = req.Password
	a, err := trunks.NewAccount(req.Account, h.now())
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.Trunks.Add(a); err != nil {
		if errors.Is(err, trunks.ErrDuplicate) {
			abort(c, http.StatusConflict, err.Error())
			return
		}
		fail(c, err)
		return
	}
	h.Audit.LogTrunk(c.Request.Context(), audit.EventTrunkChanged, auth.Actor(c.Request.Context()), a.ID, "trunk added")
	ok(c, http.StatusCreated, a)
}

type registerTrunkRequest struct {
	IP      string `json:"ip"`
	Expires int    `json:"expires"`
}

// RegisterTrunk records a REGISTER done by the PBX in front of this service.
func (h Handlers) RegisterTrunk(c *gin.Context) {
	var req registerTrunkRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.Expires <= 0 {
		req.Expires = 3600
	}
	h.trunkOp(c, "trunk registered", audit.EventTrunkChanged, func(id string) (trunks.Account, error) {
		return h.Trunks.Register(id, req.IP, req.Expires)
	})
}

type suspendTrunkRequest struct {
	Reason string `json:"reason"`
}

// SuspendTrunk takes a trunk out of dispatch. Running broadcasts requeue
// the calls they had on it.
func (h Handlers) SuspendTrunk(c *gin.Context) {
	var req suspendTrunkRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "suspended by " + auth.Actor(c.Request.Context())
	}
	h.trunkOp(c, req.Reason, audit.EventTrunkSuspended, func(id string) (trunks.Account, error) {
		return h.Trunks.Suspend(id, req.Reason)
	})
}

// ActivateTrunk lifts a suspension. The trunk must register again before
// it takes calls.
func (h Handlers) ActivateTrunk(c *gin.Context) {
	h.trunkOp(c, "trunk activated", audit.EventTrunkChanged, func(id string) (trunks.Account, error) {
		return h.Trunks.Update(id, func(a *trunks.Account, now time.Time) error {
			a.Activate(now)
			return nil
		})
	})
}

type capacityRequest struct {
	MaxConcurrentCalls int `json:"maxConcurrentCalls"`
}

func (h Handlers) SetTrunkCapacity(c *gin.Context) {
	var req capacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid json")
		return
	}
	h.trunkOp(c, "capacity changed", audit.EventTrunkChanged, func(id string) (trunks.Account, error) {
		return h.Trunks.SetCapacity(id, req.MaxConcurrentCalls)
	})
}

func (h Handlers) trunkOp(c *gin.Context, msg string, t audit.EventType, op func(id string) (trunks.Account, error)) {
	id := c.Param("id")
	a, err := op(id)
	if err != nil {
		fail(c, err)
		return
	}
	h.Audit.LogTrunk(c.Request.Context(), t, auth.Actor(c.Request.Context()), id, msg)
	ok(c, http.StatusOK, a)
}
