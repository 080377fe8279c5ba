package telephony

import (
	"errors"
	"net/http"

	"broadcast-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallbackSink consumes carrier webhooks for calls placed by a transport.
type CallbackSink interface {
	Answer(callID string) (string, error)
	Gather(f GatherForm) (string, error)
	Status(f StatusForm) error
}

// WebhookHandler converts carrier webhooks to internal types and writes LaML.
//
// No business logic here: outcomes flow back to the waiting PlaceCall.
type WebhookHandler struct {
	Sink CallbackSink
}

func (h WebhookHandler) Register(r gin.IRouter) {
	r.POST("/answer", h.HandleAnswer)
	r.POST("/gather", h.HandleGather)
	r.POST("/status", h.HandleStatus)
}

func (h WebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "telephony webhooks not configured"})
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	callID := c.Request.FormValue("call_id")

	doc, err := h.Sink.Answer(callID)
	if errors.Is(err, ErrUnknownCall) {
		// the engine already gave up on this call
		log.Warn("answer webhook for unknown call", "call_id", callID)
		doc, err = RenderHangup()
	}
	if err != nil {
		log.Error("laml render failed", "call_id", callID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "laml failed"})
		return
	}
	writeLaML(c, doc)
}

func (h WebhookHandler) HandleGather(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "telephony webhooks not configured"})
		return
	}
	form, err := ParseGather(c.Request)
	if err != nil {
		log.Warn("gather webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	doc, err := h.Sink.Gather(form)
	if errors.Is(err, ErrUnknownCall) {
		doc, err = RenderHangup()
	}
	if err != nil {
		log.Error("laml render failed", "call_id", form.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "laml failed"})
		return
	}
	writeLaML(c, doc)
}

func (h WebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "telephony webhooks not configured"})
		return
	}
	form, err := ParseStatusCallback(c.Request)
	if err != nil {
		log.Warn("status webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if err := h.Sink.Status(form); err != nil {
		if errors.Is(err, ErrUnknownCall) {
			// late callbacks after a timeout are expected
			log.Info("status webhook for unknown call", "call_id", form.CallID, "call_status", form.CallStatus)
			c.Status(http.StatusNoContent)
			return
		}
		log.Error("status webhook failed", "call_id", form.CallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func writeLaML(c *gin.Context, doc string) {
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, doc)
}
