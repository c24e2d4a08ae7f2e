package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentworkforce/callmanager/internal/contacts"
)

type ServerConfig struct {
	JWTSecret             string
	RateLimitMax          int
	RateLimitWindow       time.Duration
	MaxBodyBytes          int64
	MaxConcurrentRequests int
	CORSOrigins           []string
	SubscriberBuffer      int
	// LogLevel, when set, is exposed to admins at /v1/admin/loglevel.
	LogLevel *zap.AtomicLevel
	// Registerer receives the HTTP collectors; Gatherer backs /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
	Now        func() time.Time
}

type Server struct {
	engine      *contacts.Engine
	cfg         ServerConfig
	handler     http.Handler
	rateLimiter *rateLimiter
	inflight    *semaphore.Weighted
	metrics     *httpMetrics
	logger      *zap.Logger
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// callContext carries what the authenticated wrapper resolved for a request.
type callContext struct {
	actor         string
	correlationID string
	claims        tokenClaims
}

type routeHandler func(w http.ResponseWriter, r *http.Request, call callContext)

func NewServer(engine *contacts.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 64
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = contacts.DefaultSubscriberBuffer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		engine:      engine,
		cfg:         cfg,
		rateLimiter: limiter,
		inflight:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		metrics:     newHTTPMetrics(cfg.Registerer),
		logger:      logger,
		now:         now,
	}
	s.handler = s.corsHandler().Handler(s.routes())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Handle("/contacts", s.route("list_contacts", ScopeRead, s.handleList)).Methods(http.MethodGet)
	v1.Handle("/contacts", s.route("create_contact", ScopeWrite, s.handleCreate)).Methods(http.MethodPost)
	v1.Handle("/contacts/{id}", s.route("get_contact", ScopeRead, s.handleGet)).Methods(http.MethodGet)
	v1.Handle("/contacts/{id}", s.route("patch_contact", ScopeWrite, s.handlePatch)).Methods(http.MethodPatch)
	v1.Handle("/contacts/{id}", s.route("delete_contact", ScopeAdmin, s.handleDelete)).Methods(http.MethodDelete)
	v1.Handle("/contacts/{id}/outcome", s.route("record_outcome", ScopeWrite, s.handleOutcome)).Methods(http.MethodPost)
	v1.Handle("/contacts/{id}/lock", s.route("acquire_lock", ScopeWrite, s.handleLock)).Methods(http.MethodPost)
	v1.Handle("/contacts/{id}/lock", s.route("release_lock", ScopeWrite, s.handleUnlock)).Methods(http.MethodDelete)
	v1.Handle("/import", s.route("import", ScopeImport, s.handleImport)).Methods(http.MethodPost)
	v1.Handle("/admin/config", s.route("admin_config", ScopeAdmin, s.handleAdminConfig)).Methods(http.MethodGet)
	if s.cfg.LogLevel != nil {
		v1.Handle("/admin/loglevel", s.route("log_level", ScopeAdmin, s.handleLogLevel)).Methods(http.MethodGet, http.MethodPut)
	}
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	return router
}

func (s *Server) corsHandler() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match", "X-Correlation-Id"},
		ExposedHeaders:   []string{"ETag", "Retry-After", "X-Correlation-Id"},
		AllowCredentials: len(s.cfg.CORSOrigins) > 0,
		MaxAge:           300,
	})
}

// route wraps a handler with the concurrency cap, bearer auth, the
// correlation id requirement and the per-agent rate limit, in that order.
func (s *Server) route(name, scope string, h routeHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.metrics.observe(name, sw.status, time.Since(started))
		}()

		if !s.inflight.TryAcquire(1) {
			sw.Header().Set("Retry-After", "1")
			writeError(sw, http.StatusServiceUnavailable, "server_busy", "too many concurrent requests", getCorrelationID(r))
			return
		}
		defer s.inflight.Release(1)

		call, ok := s.authorize(sw, r.Header.Get("Authorization"), scope, getCorrelationID(r))
		if !ok {
			return
		}
		if correlationID := call.correlationID; correlationID != "" {
			sw.Header().Set("X-Correlation-Id", correlationID)
		}
		h(sw, r, call)
	})
}

func (s *Server) authorize(w http.ResponseWriter, authHeader, scope, correlationID string) (callContext, bool) {
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, scope, s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return callContext{}, false
	}
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return callContext{}, false
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.AgentName, s.now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return callContext{}, false
	}
	return callContext{actor: claims.AgentName, correlationID: correlationID, claims: claims}, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"contacts":     s.engine.Store().Len(),
		"activeLeases": s.engine.Locks().Active(),
		"subscribers":  s.engine.Hub().SubscriberCount(),
	})
}

// contactView is a record as served to clients, with derived fields.
type contactView struct {
	contacts.ContactRecord
	VisibilityMonthsAgo int  `json:"visibilityMonthsAgo"`
	LeaseActive         bool `json:"locked"`
}

func (s *Server) view(rec contacts.ContactRecord) contactView {
	now := s.now()
	return contactView{
		ContactRecord:       rec,
		VisibilityMonthsAgo: contacts.VisibilityMonthsAgo(rec, now),
		LeaseActive:         rec.Locked(now),
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, call callContext) {
	records, err := s.engine.List(r.Context())
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	statuses := parseStatusFilter(r.URL.Query().Get("status"))
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 0, 1, 100000)

	out := make([]contactView, 0, len(records))
	for _, rec := range records {
		if len(statuses) > 0 {
			if _, ok := statuses[rec.Status]; !ok {
				continue
			}
		}
		out = append(out, s.view(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": out,
		"count":    len(out),
		"total":    len(records),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, call callContext) {
	rec, err := s.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	s.writeRecord(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, call callContext) {
	var row contacts.ImportRow
	if !s.decodeJSONBody(w, r, call.correlationID, &row) {
		return
	}
	rec, err := s.engine.Create(r.Context(), call.actor, row)
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	s.writeRecord(w, http.StatusCreated, rec)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request, call callContext) {
	expected, ok := requireIfMatch(w, r, call.correlationID)
	if !ok {
		return
	}
	var patch contacts.Patch
	if !s.decodeJSONBody(w, r, call.correlationID, &patch) {
		return
	}
	rec, err := s.engine.Apply(r.Context(), contacts.Mutation{
		ID:              mux.Vars(r)["id"],
		Actor:           call.actor,
		ExpectedVersion: expected,
		Fields:          patch,
	})
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	s.writeRecord(w, http.StatusOK, rec)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request, call callContext) {
	var expected int64
	if raw := normalizeIfMatchHeader(r.Header.Get("If-Match")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "bad_request", "If-Match must be a record version", call.correlationID)
			return
		}
		expected = parsed
	}
	var body struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if !s.decodeJSONBody(w, r, call.correlationID, &body) {
		return
	}
	rec, err := s.engine.RecordOutcomeAt(r.Context(), mux.Vars(r)["id"], call.actor, body.Status, body.Note, expected)
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	s.writeRecord(w, http.StatusOK, rec)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, call callContext) {
	body, ok := s.readRequestBody(w, r, call.correlationID)
	if !ok {
		return
	}
	var req struct {
		TTLSeconds int64 `json:"ttlSeconds"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", call.correlationID)
			return
		}
	}
	lease, err := s.engine.Acquire(r.Context(), mux.Vars(r)["id"], call.actor, s.lockTTL(req.TTLSeconds))
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

// lockTTL converts a requested TTL in seconds. Values past the maximum become
// 0 before multiplying so the engine applies its default.
func (s *Server) lockTTL(seconds int64) time.Duration {
	if seconds <= 0 || seconds > int64(s.engine.Limits().MaxLockTTL/time.Second) {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, call callContext) {
	released, err := s.engine.Release(r.Context(), mux.Vars(r)["id"], call.actor)
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, call callContext) {
	rec, err := s.engine.Delete(r.Context(), mux.Vars(r)["id"], call.actor)
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": s.view(rec)})
}

// handleImport accepts either a bare JSON array of rows or {"rows": [...]}.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, call callContext) {
	body, ok := s.readRequestBody(w, r, call.correlationID)
	if !ok {
		return
	}
	var rows []contacts.ImportRow
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(body, &rows); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", call.correlationID)
			return
		}
	} else {
		var wrapped struct {
			Rows []contacts.ImportRow `json:"rows"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", call.correlationID)
			return
		}
		rows = wrapped.Rows
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "no rows to import", call.correlationID)
		return
	}
	result, err := s.engine.ImportBatch(r.Context(), call.actor, rows)
	if err != nil {
		s.writeEngineError(w, err, call)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, _ *http.Request, _ callContext) {
	writeJSON(w, http.StatusOK, map[string]any{
		"policy":  s.engine.Policy(),
		"limits":  s.engine.Limits(),
		"backend": contacts.BackendName(s.engine.Store().Backend()),
		"server": map[string]any{
			"rateLimitMax":           s.cfg.RateLimitMax,
			"rateLimitWindowSeconds": int(s.cfg.RateLimitWindow.Seconds()),
			"maxConcurrentRequests":  s.cfg.MaxConcurrentRequests,
			"maxBodyBytes":           s.cfg.MaxBodyBytes,
		},
		"activeLeases": s.engine.Locks().Active(),
		"subscribers":  s.engine.Hub().SubscriberCount(),
	})
}

// handleLogLevel delegates to zap's level handler: GET reports the level and
// PUT {"level":"debug"} changes it.
func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request, call callContext) {
	s.logger.Info("log level request", zap.String("actor", call.actor), zap.String("method", r.Method))
	s.cfg.LogLevel.ServeHTTP(w, r)
}

func (s *Server) writeRecord(w http.ResponseWriter, status int, rec contacts.ContactRecord) {
	w.Header().Set("ETag", strconv.FormatInt(rec.Version, 10))
	writeJSON(w, status, s.view(rec))
}

// writeEngineError maps engine errors to the HTTP error body.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, call callContext) {
	correlationID := call.correlationID
	var (
		validation *contacts.ValidationError
		held       *contacts.LockHeldError
		denied     *contacts.LockDeniedError
		conflict   *contacts.VersionConflictError
		limited    *contacts.RateLimitedError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":          "validation_failed",
			"message":       err.Error(),
			"correlationId": correlationID,
			"field":         validation.Field,
			"reason":        validation.Reason,
		})
	case errors.As(err, &held):
		writeJSON(w, http.StatusLocked, map[string]any{
			"code":          "lock_held",
			"message":       err.Error(),
			"correlationId": correlationID,
			"owner":         held.Owner,
			"expiresAt":     held.ExpiresAt.UTC(),
		})
	case errors.As(err, &denied):
		writeJSON(w, http.StatusLocked, map[string]any{
			"code":          "lock_denied",
			"message":       err.Error(),
			"correlationId": correlationID,
			"owner":         denied.Owner,
			"expiresAt":     denied.ExpiresAt.UTC(),
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "version_conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"expectedVersion": conflict.Expected,
			"currentVersion":  conflict.Current,
		})
	case errors.As(err, &limited):
		retryAfter := int(math.Ceil(limited.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), correlationID)
	case errors.Is(err, contacts.ErrMissingPrecondition):
		writeError(w, http.StatusPreconditionRequired, "precondition_required", err.Error(), correlationID)
	case errors.Is(err, contacts.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, contacts.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", err.Error(), correlationID)
	case errors.Is(err, contacts.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, contacts.ErrStorageFailure):
		s.logger.Error("storage failure",
			zap.String("actor", call.actor),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "storage_failure", "storage failure", correlationID)
	default:
		s.logger.Error("request failed",
			zap.String("actor", call.actor),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func requireIfMatch(w http.ResponseWriter, r *http.Request, correlationID string) (int64, bool) {
	raw := normalizeIfMatchHeader(r.Header.Get("If-Match"))
	if raw == "" {
		writeError(w, http.StatusPreconditionRequired, "precondition_required", "missing If-Match header", correlationID)
		return 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "If-Match must be a record version", correlationID)
		return 0, false
	}
	return version, true
}

func parseStatusFilter(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.Join(strings.Fields(strings.ToUpper(part)), "_")
		if part != "" {
			out[part] = struct{}{}
		}
	}
	return out
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
