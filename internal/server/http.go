package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/knoguchi/trackrank/internal/auth"
	"github.com/knoguchi/trackrank/internal/explain"
	"github.com/knoguchi/trackrank/internal/repository"
	"github.com/knoguchi/trackrank/internal/service"
)

// maxBodyBytes bounds request bodies; explain trees of a full result page fit
// well within it.
const maxBodyBytes = 8 << 20

// RankAPI is the service surface exposed over HTTP
type RankAPI interface {
	Explain(ctx context.Context, req *service.ExplainRequest) (*explain.Result, error)
	Rerank(ctx context.Context, req *service.RerankRequest) (*service.RerankResponse, error)
	Rules(ctx context.Context) (*service.RulesView, error)
	ReloadRules(ctx context.Context) (*service.RulesView, error)
	Audit(ctx context.Context, requestID string) (*repository.AuditEntry, error)
	ListAudit(ctx context.Context, limit, offset int) (*service.AuditPage, error)
}

var _ RankAPI = (*service.RankService)(nil)

// HTTPServer serves the JSON API, health checks and metrics
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	API            RankAPI
	// Ready reports readiness for /readyz; nil means always ready
	Ready func() bool
	// Admin guards the /v1/admin routes; nil leaves them unmounted
	Admin func(http.Handler) http.Handler
	// AdminRead guards the read-only admin routes; defaults to Admin
	AdminRead func(http.Handler) http.Handler
	// Gatherer backs /metrics; defaults to the global registry
	Gatherer prometheus.Gatherer
	// RulesVersion is added to request logs when set
	RulesVersion func() string
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.API == nil {
		return nil, errors.New("rank API is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger, cfg.RulesVersion))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler(cfg.Ready))
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	h := &handlers{api: cfg.API, logger: logger}
	router.Route("/v1", func(r chi.Router) {
		r.Post("/explain", h.explain)
		r.Post("/rerank", h.rerank)
		r.Get("/rules", h.rules)

		if cfg.Admin != nil {
			read := cfg.AdminRead
			if read == nil {
				read = cfg.Admin
			}
			r.Route("/admin", func(r chi.Router) {
				r.With(cfg.Admin).Post("/rules/reload", h.reloadRules)
				r.With(read).Get("/audit", h.listAudit)
				r.With(read).Get("/audit/{requestID}", h.audit)
			})
		}
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		router: router,
		logger: logger,
	}, nil
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the router
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

type handlers struct {
	api    RankAPI
	logger *slog.Logger
}

func (h *handlers) explain(w http.ResponseWriter, r *http.Request) {
	var req service.ExplainRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.api.Explain(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) rerank(w http.ResponseWriter, r *http.Request) {
	var req service.RerankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := h.api.Rerank(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) rules(w http.ResponseWriter, r *http.Request) {
	view, err := h.api.Rules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) reloadRules(w http.ResponseWriter, r *http.Request) {
	view, err := h.api.ReloadRules(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	operator := "unknown"
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		operator = op.Name
	}
	h.logger.Info("rules reloaded via API",
		"version", view.Version.String(),
		"operator", operator,
		"request_id", middleware.GetReqID(r.Context()),
	)
	writeJSON(w, http.StatusOK, view)
}

func (h *handlers) audit(w http.ResponseWriter, r *http.Request) {
	entry, err := h.api.Audit(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.api.ListAudit(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// queryInt reads an optional integer query parameter; absent means 0
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return v, nil
}

// writeError maps gRPC status codes onto HTTP status codes the way
// grpc-gateway does.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	st, _ := status.FromError(err)
	code := runtime.HTTPStatusFromCode(st.Code())
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"code", st.Code().String(),
			"error", st.Message(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	writeJSON(w, code, map[string]string{
		"error": st.Message(),
		"code":  st.Code().String(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("invalid request body: %v", err),
			"code":  "InvalidArgument",
		})
		return false
	}
	return true
}

// writeJSON encodes v before writing the header so an unencodable value
// becomes a 500 instead of a truncated 200.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		code = http.StatusInternalServerError
		body, _ = json.Marshal(map[string]string{
			"error": "failed to encode response",
			"code":  codes.Internal.String(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n'))
}

// quietPaths are polled by orchestrators and scrapers; their successful
// requests are logged at debug level.
var quietPaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// requestLoggingMiddleware logs HTTP requests with the rules version that
// served them
func requestLoggingMiddleware(logger *slog.Logger, version func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				level = slog.LevelError
			case quietPaths[r.URL.Path] && ww.Status() < http.StatusBadRequest:
				level = slog.LevelDebug
			}
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			}
			if version != nil {
				attrs = append(attrs, "rules_version", version())
			}
			logger.Log(r.Context(), level, "HTTP request", attrs...)
		})
	}
}

// corsMiddleware answers preflights and sets CORS headers for allowed
// origins. An empty list allows any origin.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	anyOrigin := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			default:
				origin = ""
			}
			if anyOrigin || origin != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, "+auth.APIKeyHeader)
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler reports ready once a rule snapshot is loaded
func readinessCheckHandler(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
