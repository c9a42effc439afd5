package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/checkout-fallback/internal/checkout"
	"github.com/yourorg/checkout-fallback/internal/fallback"
	"github.com/yourorg/checkout-fallback/internal/flow"
	"github.com/yourorg/checkout-fallback/internal/monitor"
	"github.com/yourorg/checkout-fallback/internal/payment"
)

type startBody struct {
	Provider    string              `json:"provider"`
	Request     payment.Request     `json:"request"`
	FlowContext payment.FlowContext `json:"flow_context"`
}

type confirmBody struct {
	ReturnURL string `json:"return_url"`
}

func (a *app) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("checkout-fallback"))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/providers", a.listProviders)

	g := r.Group("/checkouts")
	g.POST("", a.createCheckout)
	g.GET("/:id", a.withSession(a.getCheckout))
	g.DELETE("/:id", a.deleteCheckout)
	g.POST("/:id/start", a.withSession(a.startCheckout))
	g.POST("/:id/confirm", a.withSession(a.confirmCheckout))
	g.POST("/:id/cancel", a.withSession(a.sendEvent(flow.Cancel{})))
	g.POST("/:id/refresh", a.withSession(a.sendEvent(flow.Refresh{})))
	g.POST("/:id/reset", a.withSession(a.resetCheckout))
	g.POST("/:id/fallback/respond", a.withSession(a.respondFallback))
	g.GET("/:id/report", a.withSession(a.reportCheckout))
	g.GET("/:id/intent/raw", a.withSession(a.rawIntent))
	return r
}

type sessionHandler func(c *gin.Context, s *checkout.Session)

func (a *app) withSession(h sessionHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, err := a.sessions.Get(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h(c, s)
	}
}

// decode validates the raw body against cm before unmarshalling it into v.
// It writes the error response itself and reports whether to continue.
func decode(c *gin.Context, cm *monitor.ContractMonitor, v any) bool {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body: " + err.Error()})
		return false
	}
	valid, violations, err := cm.Validate(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": monitor.FormatErrors(violations), "violations": violations})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	return true
}

func (a *app) listProviders(c *gin.Context) {
	ids := a.providers
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		out = append(out, gin.H{"id": id, "circuit": a.breaker.GetState(id).String(), "healthy": a.breaker.IsHealthy(id)})
	}
	c.JSON(http.StatusOK, out)
}

func (a *app) createCheckout(c *gin.Context) {
	s, err := a.sessions.Create(c.Request.Context())
	if err != nil {
		a.logger.Error("checkout_create_failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, s.State())
}

func (a *app) getCheckout(c *gin.Context, s *checkout.Session) {
	c.JSON(http.StatusOK, s.State())
}

func (a *app) deleteCheckout(c *gin.Context) {
	if err := a.sessions.Close(c.Param("id")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, checkout.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *app) startCheckout(c *gin.Context, s *checkout.Session) {
	var body startBody
	if !decode(c, a.startContract, &body) {
		return
	}
	if !s.Start(body.Provider, body.Request, body.FlowContext) {
		a.rejected(c, s, "START")
		return
	}
	c.JSON(http.StatusAccepted, s.State())
}

func (a *app) confirmCheckout(c *gin.Context, s *checkout.Session) {
	var body confirmBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
			return
		}
	}
	if !s.Send(flow.Confirm{ReturnURL: body.ReturnURL}) {
		a.rejected(c, s, "CONFIRM")
		return
	}
	c.JSON(http.StatusAccepted, s.State())
}

func (a *app) sendEvent(ev flow.Event) sessionHandler {
	return func(c *gin.Context, s *checkout.Session) {
		if !s.Send(ev) {
			a.rejected(c, s, c.FullPath())
			return
		}
		c.JSON(http.StatusAccepted, s.State())
	}
}

func (a *app) resetCheckout(c *gin.Context, s *checkout.Session) {
	if !s.Reset(c.Request.Context()) {
		a.rejected(c, s, "RESET")
		return
	}
	c.JSON(http.StatusOK, s.State())
}

func (a *app) respondFallback(c *gin.Context, s *checkout.Session) {
	var resp fallback.UserResponse
	if !decode(c, a.respondContract, &resp) {
		return
	}
	resp.TimedOut = false
	if !s.Respond(c.Request.Context(), resp) {
		c.JSON(http.StatusConflict, gin.H{"error": "no pending fallback with event id " + resp.EventID, "state": s.State()})
		return
	}
	c.JSON(http.StatusOK, s.State())
}

func (a *app) reportCheckout(c *gin.Context, s *checkout.Session) {
	report, err := s.Report()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *app) rawIntent(c *gin.Context, s *checkout.Session) {
	raw, err := s.State().Flow.Context.Intent.RawJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if raw == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no provider payload for the current intent"})
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (a *app) rejected(c *gin.Context, s *checkout.Session, event string) {
	st := s.State()
	a.logger.Info("checkout_event_rejected", "session_id", s.ID, "event", event, "state", st.Flow.Value)
	c.JSON(http.StatusConflict, gin.H{"error": "event not accepted in state " + string(st.Flow.Value), "state": st})
}
