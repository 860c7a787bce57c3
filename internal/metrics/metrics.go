package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of chat clients registered in rooms",
	})
	ChatRoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_active",
		Help: "Current number of chat rooms with at least one member",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages accepted for fanout",
	})
	WsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_rejected_total",
		Help: "Total number of inbound chat frames dropped as empty or too long",
	})
	WsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_total",
		Help: "Total number of per-recipient deliveries that failed and evicted the recipient",
	})
	AuthRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_requests_total",
		Help: "Total number of session operations by outcome",
	}, []string{"op", "outcome"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, ChatRoomsActive, WsMessagesTotal, WsRejectedTotal, WsDroppedTotal,
		AuthRequestsTotal, HttpRequestsTotal, HttpRequestDuration,
	)
}

// ObserveAuth 记录一次会话操作的结果，outcome 取 ok / rejected / error。
func ObserveAuth(op, outcome string) {
	AuthRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
