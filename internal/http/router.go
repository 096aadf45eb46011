package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/deployments/internal/service/deployment"
	"github.com/splax/deployments/internal/ws"
)

const (
	routeHealthz       = "/healthz"
	routeReadyz        = "/readyz"
	routeCollection    = "/deployments"
	routeItem          = "/deployments/{id}"
	routeEvents        = "/ws/deployments"
	routeUnmatched     = "unmatched"
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
	requestIDHeader    = "X-Request-ID"
)

// EventSubscribed is the first frame on an event stream, sent once the
// subscription is live.
const EventSubscribed = "subscribed"

// Config tunes optional router behaviour.
type Config struct {
	// JWTSecret enables bearer auth on mutating routes when non-empty.
	JWTSecret string
	// ReadLimit and WriteLimit are requests per RateWindow; zero disables limiting.
	ReadLimit  int
	WriteLimit int
	RateWindow time.Duration
	// StoreHealth backs /readyz.
	StoreHealth func(context.Context) error
}

// Router wires HTTP endpoints to the deployment service.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deployments deployment.Service
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	readLimit   int
	writeLimit  int
	rateWindow  time.Duration
	storeHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	operations         *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies. hub and limiter may be nil.
func NewRouter(logger *slog.Logger, svc deployment.Service, hub *ws.Hub, limiter RateLimiter, cfg Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = rateWindowDefault
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		deployments: svc,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		jwtSecret:   strings.TrimSpace(cfg.JWTSecret),
		readLimit:   cfg.ReadLimit,
		writeLimit:  cfg.WriteLimit,
		rateWindow:  window,
		storeHealth: cfg.StoreHealth,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP strips trailing slashes then delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if p := req.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
		u := *req.URL
		u.Path = strings.TrimRight(p, "/")
		if u.Path == "" {
			u.Path = "/"
		}
		u.RawPath = ""
		clone := new(http.Request)
		*clone = *req
		clone.URL = &u
		req = clone
	}
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET "+routeHealthz, r.audit(routeHealthz, r.handleHealthz))
	r.mux.HandleFunc("GET "+routeReadyz, r.audit(routeReadyz, r.handleReadyz))
	r.mux.Handle("GET /metrics", promhttp.Handler())

	r.mux.HandleFunc("GET "+routeCollection, r.audit(routeCollection, r.readRate(routeCollection, r.handleListDeployments)))
	r.mux.HandleFunc("POST "+routeCollection, r.audit(routeCollection, r.writeGuard(routeCollection, r.handleCreateDeployment)))
	r.mux.HandleFunc("GET "+routeItem, r.audit(routeItem, r.readRate(routeItem, r.handleGetDeployment)))
	r.mux.HandleFunc("PUT "+routeItem, r.audit(routeItem, r.writeGuard(routeItem, r.handleUpdateDeployment)))
	r.mux.HandleFunc("PATCH "+routeItem, r.audit(routeItem, r.writeGuard(routeItem, r.handleUpdateDeployment)))
	r.mux.HandleFunc("DELETE "+routeItem, r.audit(routeItem, r.writeGuard(routeItem, r.handleDeleteDeployment)))

	r.mux.HandleFunc("GET "+routeEvents, r.audit(routeEvents, r.readRate(routeEvents, r.handleEventsWS)))
	r.mux.HandleFunc("/", r.audit(routeUnmatched, r.handleUnmatched))
}

func (r *Router) readRate(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.throttle(route, r.readLimit, clientQuotaKey, next)
}

func (r *Router) writeGuard(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.requireWriter(r.throttle(route, r.writeLimit, operatorQuotaKey, next))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.storeHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.storeHealth(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("environment"))
	if topic == "" {
		topic = ws.TopicAll
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	ack, _ := json.Marshal(map[string]string{"type": EventSubscribed, "topic": topic})
	if err := client.Send(ack); err != nil {
		r.hub.Unregister(topic, client)
		client.Close()
		return
	}
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleUnmatched(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == routeCollection || (strings.HasPrefix(req.URL.Path, routeCollection+"/") && strings.Count(req.URL.Path, "/") == 2) {
		r.methodNotAllowed(w)
		return
	}
	r.notFound(w)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "subject", info.Subject)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision Decision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.Count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.WindowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.WindowEnd.Unix(), 10))
		if !decision.Allowed {
			retry := int(time.Until(decision.WindowEnd).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			headers.Set("Retry-After", strconv.Itoa(retry))
		}
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "Not Found")
}
