// Package httpstatus serves health, status and Prometheus metrics over
// HTTP. Trading goes through gRPC; this surface is read-only.
package httpstatus

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"perpcore/service"
)

// HealthSource is the part of the service the handlers read.
type HealthSource interface {
	Health() service.Health
}

type Handler struct {
	src HealthSource
	log *logrus.Entry
}

func NewHandler(src HealthSource, gatherer prometheus.Gatherer) *gin.Engine {
	h := &Handler{src: src, log: logrus.WithField("component", "http")}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)
	r.GET("/health", h.health)
	r.GET("/status", h.status)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return r
}

// health answers 200 while trading works, which includes degraded storage.
func (h *Handler) health(c *gin.Context) {
	hs := h.src.Health()
	c.JSON(http.StatusOK, gin.H{
		"status":   hs.Status,
		"degraded": hs.Storage.Degraded,
		"last_seq": hs.LastSeq,
	})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.src.Health())
}

func (h *Handler) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.FullPath(),
		"status":  c.Writer.Status(),
		"latency": time.Since(start),
	}).Debug("http request")
}
