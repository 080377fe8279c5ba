package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"broadcast-platform/internal/auth"
	"broadcast-platform/internal/broadcast"
	"broadcast-platform/internal/dispatch"
	"broadcast-platform/internal/reporting"
	"broadcast-platform/internal/store"

	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// CreateBroadcast stores a broadcast and, unless it is scheduled, starts it.
// The caller becomes its creator whatever the body says.
func (h Handlers) CreateBroadcast(c *gin.Context) {
	var in dispatch.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, "invalid json")
		return
	}
	in.CreatedBy = auth.Actor(c.Request.Context())

	b, err := h.Broadcasts.Create(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, b)
}

func (h Handlers) ListBroadcasts(c *gin.Context) {
	f := store.Filter{
		Status:    broadcast.Status(c.Query("status")),
		CreatedBy: c.Query("createdBy"),
	}
	var err error
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(c, "offset"); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	bs, err := h.Broadcasts.List(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, bs)
}

func (h Handlers) GetBroadcast(c *gin.Context) {
	b, err := h.Broadcasts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

func (h Handlers) StartBroadcast(c *gin.Context) {
	b, err := h.Broadcasts.Start(c.Request.Context(), c.Param("id"), auth.Actor(c.Request.Context()))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelBroadcast stops new dials. Calls already ringing finish and are
// recorded; the body is optional.
func (h Handlers) CancelBroadcast(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	b, err := h.Broadcasts.Cancel(c.Request.Context(), c.Param("id"), auth.Actor(c.Request.Context()), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, b)
}

// GetReport is open to every reader role, not only the creator.
func (h Handlers) GetReport(c *gin.Context) {
	r, err := h.Reports.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, r)
}

// ExportReport renders the report into a buffer first so a failure can
// still be answered with a JSON error.
func (h Handlers) ExportReport(c *gin.Context) {
	id := c.Param("id")
	var buf bytes.Buffer
	if err := h.Reports.ExportXLSX(c.Request.Context(), id, &buf); err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="broadcast-%s.xlsx"`, id))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// Summary aggregates broadcasts created in [from, to). Both bounds are
// RFC 3339; to defaults to now and from to 30 days before it.
func (h Handlers) Summary(c *gin.Context) {
	to := h.now()
	from := to.AddDate(0, 0, -30)
	var err error
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			abort(c, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		from = to.AddDate(0, 0, -30)
	}
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			abort(c, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
	}
	s, err := h.Reports.Summary(c.Request.Context(), reporting.SummaryRequest{
		Range:     reporting.TimeRange{From: from, To: to},
		CreatedBy: c.Query("createdBy"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
