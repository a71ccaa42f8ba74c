package main

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/alert"
	"github.com/Sternrassler/alertfeed/pkg/client"
	"github.com/Sternrassler/alertfeed/pkg/feed"
	"github.com/Sternrassler/alertfeed/pkg/metrics"
	"github.com/Sternrassler/alertfeed/pkg/poll"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_proxy_requests_total",
		Help: "HTTP requests served by the proxy",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alertfeed_proxy_request_duration_seconds",
		Help:    "HTTP request latency of the proxy",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// maxCount caps the count query parameter.
const maxCount = 1000

type handler struct {
	// ctx bounds background polling started over HTTP.
	ctx      context.Context
	svc      *feed.Service
	pollOpts feed.PollOptions
	logger   zerolog.Logger
}

func newRouter(h *handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.observe())

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/alerts", h.alertsSince)
	r.GET("/alerts/:id", h.alertByID)
	r.GET("/search", h.search)

	polling := r.Group("/polling")
	{
		polling.POST("/start", h.startPolling)
		polling.POST("/stop", h.stopPolling)
		polling.GET("/status", h.status)
	}
	return r
}

// observe records request metrics and logs each request.
func (h *handler) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		h.logger.Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Msg("Request served")
	}
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "alertfeed-proxy",
	})
}

func (h *handler) alertsSince(c *gin.Context) {
	var q feed.SinceQuery

	if raw := c.Query("since"); raw != "" {
		since, err := parseTime(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since: " + err.Error()})
			return
		}
		q.Since = since
	}
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxCount {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and " + strconv.Itoa(maxCount)})
			return
		}
		q.Count = n
	}
	q.Lists = splitList(c.Query("lists"))

	alerts, err := h.svc.GetAlertsSince(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alertsResponse(alerts))
}

func (h *handler) alertByID(c *gin.Context) {
	a, err := h.svc.GetAlertByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *handler) search(c *gin.Context) {
	var entities []string
	for _, e := range c.QueryArray("entity") {
		entities = append(entities, splitList(e)...)
	}
	if len(entities) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one entity is required"})
		return
	}

	opts := feed.SearchOptions{
		Lists:      splitList(c.Query("lists")),
		BestEffort: c.Query("best_effort") == "true",
	}
	if raw := c.Query("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
			return
		}
		opts.PageSize = n
	}

	alerts, err := h.svc.Search(c.Request.Context(), entities, opts)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alertsResponse(alerts))
}

type startRequest struct {
	Interval       string   `json:"interval"`
	BootstrapCount int      `json:"bootstrap_count"`
	Lists          []string `json:"lists"`
}

func (h *handler) startPolling(c *gin.Context) {
	opts := h.pollOpts

	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval: " + err.Error()})
			return
		}
		opts.Interval = d
	}
	if req.BootstrapCount > 0 {
		opts.BootstrapCount = req.BootstrapCount
	}
	if req.Lists != nil {
		opts.Lists = req.Lists
	}

	if err := h.svc.StartPolling(h.ctx, opts); err != nil {
		if errors.Is(err, poll.ErrNoCredentials) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.svc.Status().Polling)
}

func (h *handler) stopPolling(c *gin.Context) {
	h.svc.StopPolling()
	c.JSON(http.StatusOK, h.svc.Status().Polling)
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// writeError maps a service error onto an HTTP status. Upstream refusals
// other than configuration problems and rate limits are reported as 502.
func (h *handler) writeError(c *gin.Context, err error) {
	var rl *client.RateLimitError
	status := http.StatusBadGateway

	switch {
	case errors.Is(err, feed.ErrInvalidQuery):
		status = http.StatusBadRequest
	case client.IsConfigError(err):
		status = http.StatusInternalServerError
	case errors.As(err, &rl):
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}

	h.logger.Warn().Err(err).Int("status", status).Str("path", c.Request.URL.Path).Msg("Request failed")
	c.JSON(status, gin.H{
		"error":       err.Error(),
		"retry_later": client.IsRetryLater(err),
	})
}

type listResponse struct {
	Count  int           `json:"count"`
	Alerts []alert.Alert `json:"alerts"`
}

func alertsResponse(alerts []alert.Alert) listResponse {
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	return listResponse{Count: len(alerts), Alerts: alerts}
}

// parseTime accepts RFC 3339 or epoch milliseconds.
func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
