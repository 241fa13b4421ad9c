package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"github.com/Faffstifu/wake-o-matic/internal/auth"
	"github.com/Faffstifu/wake-o-matic/internal/config"
	"github.com/Faffstifu/wake-o-matic/internal/database"
	"github.com/Faffstifu/wake-o-matic/internal/metrics"
	authmw "github.com/Faffstifu/wake-o-matic/internal/middleware"
	"github.com/Faffstifu/wake-o-matic/internal/overlay"
	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
	"github.com/Faffstifu/wake-o-matic/internal/ws"
)

// statsProvider is the part of the pipeline the debug API reads
type statsProvider interface {
	Stats() pipeline.Stats
}

type debugServerDeps struct {
	pipeline statsProvider
	journal  *database.Journal // nil when the journal is disabled
	hub      *ws.StatusHub
	overlay  *overlay.Overlay
	metrics  *metrics.Metrics
}

// debugServer serves the optional debug API
type debugServer struct {
	deps    debugServerDeps
	auth    *auth.Authenticator
	handler http.Handler
	srv     *http.Server
	logger  *zap.Logger
}

// statusResponse is the JSON form of pipeline.Stats
type statusResponse struct {
	SessionID          string    `json:"session_id"`
	Status             string    `json:"status"`
	Action             string    `json:"action"`
	Cycles             uint64    `json:"cycles"`
	FramesCaptured     uint64    `json:"frames_captured"`
	FramesDropped      uint64    `json:"frames_dropped"`
	EmptyReads         uint64    `json:"empty_reads"`
	Classifications    uint64    `json:"classifications"`
	ObservationsDrop   uint64    `json:"observations_dropped"`
	DiagnosticsDropped uint64    `json:"diagnostics_dropped"`
	DetectorErrors     uint64    `json:"detector_errors"`
	DetectionTimeouts  uint64    `json:"detection_timeouts"`
	FrameQueueDepth    int       `json:"frame_queue_depth"`
	StatusChannelDepth int       `json:"status_channel_depth"`
	LastFrameTime      time.Time `json:"last_frame_time"`
	LastStatusTime     time.Time `json:"last_status_time"`
	WSClients          int       `json:"ws_clients"`
}

type eventsResponse struct {
	Transitions      []*database.TransitionRecord `json:"transitions"`
	Diagnostics      []*database.DiagnosticRecord `json:"diagnostics"`
	DiagnosticCounts map[string]int               `json:"diagnostic_counts"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// newDebugServer builds the muxer and mounts every debug route
func newDebugServer(cfg *config.Config, deps debugServerDeps, logger *zap.Logger) (*debugServer, error) {
	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:   cfg.HTTP.Auth.Enabled,
		Username:  cfg.HTTP.Auth.Username,
		Password:  cfg.HTTP.Auth.Password,
		JWTSecret: cfg.HTTP.Auth.JWTSecret,
		JWTExpiry: cfg.HTTP.Auth.JWTExpiry,
	})
	if err != nil {
		return nil, err
	}

	s := &debugServer{deps: deps, auth: authenticator, logger: logger}

	mux := goahttp.NewMuxer()
	protect := authmw.AuthMiddleware(authenticator)

	mux.Handle("GET", "/healthz", s.handleHealth)
	mux.Handle("POST", "/api/v1/auth/login", s.handleLogin)
	mux.Handle("GET", "/api/v1/status", protect(http.HandlerFunc(s.handleStatus)).ServeHTTP)
	mux.Handle("GET", "/api/v1/events", protect(http.HandlerFunc(s.handleEvents)).ServeHTTP)
	if deps.hub != nil {
		mux.Handle("GET", "/ws/status", protect(ws.NewHandler(deps.hub, logger.Named("ws"))).ServeHTTP)
	}
	if deps.overlay != nil {
		mux.Handle("GET", "/debug/snapshot.jpg", protect(deps.overlay).ServeHTTP)
		mux.Handle("GET", "/debug/stream.mjpg", protect(deps.overlay.StreamHandler()).ServeHTTP)
	}
	if deps.metrics != nil {
		mux.Handle("GET", "/metrics", deps.metrics.Handler().ServeHTTP)
	}

	var handler http.Handler = mux
	{
		handler = s.logRequests(handler)
		handler = httpmdlwr.RequestID()(handler)
	}
	s.handler = handler

	s.srv = &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

// start serves until ctx is cancelled, then shuts down gracefully
func (s *debugServer) start(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			s.logger.Info("Debug API listening",
				zap.String("addr", s.srv.Addr),
				zap.Bool("auth", s.auth.IsEnabled()),
			)
			if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errc <- err:
				default:
				}
			}
		}()

		<-ctx.Done()
		s.logger.Info("Shutting down debug API", zap.String("addr", s.srv.Addr))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Failed to shutdown debug API", zap.Error(err))
		}
	}()
}

func (s *debugServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.encode(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *debugServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	token, expiresAt, err := s.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		s.fail(w, r, http.StatusNotFound, err)
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Warn("Rejected login", zap.String("username", req.Username))
		s.fail(w, r, http.StatusUnauthorized, err)
		return
	case err != nil:
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("Operator logged in", zap.String("username", req.Username))
	s.encode(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *debugServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.pipeline.Stats()
	resp := statusResponse{
		SessionID:          st.SessionID,
		Status:             st.Status.String(),
		Action:             st.Action,
		Cycles:             st.Cycles,
		FramesCaptured:     st.FramesCaptured,
		FramesDropped:      st.FramesDropped,
		EmptyReads:         st.EmptyReads,
		Classifications:    st.Classifications,
		ObservationsDrop:   st.StatusDropped,
		DiagnosticsDropped: st.DiagnosticsDropped,
		DetectorErrors:     st.DetectorErrors,
		DetectionTimeouts:  st.DetectionTimeouts,
		FrameQueueDepth:    st.FrameQueueDepth,
		StatusChannelDepth: st.StatusChannelDepth,
		LastFrameTime:      st.LastFrameTime,
		LastStatusTime:     st.LastStatusTime,
	}
	if s.deps.hub != nil {
		resp.WSClients = s.deps.hub.ClientCount()
	}
	s.encode(w, r, http.StatusOK, resp)
}

// handleEvents lists the session journal. Query: session (default current),
// kind (diagnostic filter), limit.
func (s *debugServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.journal == nil {
		s.fail(w, r, http.StatusNotFound, errors.New("journal is disabled"))
		return
	}

	q := r.URL.Query()
	session := q.Get("session")
	if session == "" {
		session = s.deps.pipeline.Stats().SessionID
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.fail(w, r, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}

	ctx := r.Context()
	transitions, err := s.deps.journal.ListTransitions(ctx, session, limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	diagnostics, err := s.deps.journal.ListDiagnostics(ctx, session, q.Get("kind"), limit)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	counts, err := s.deps.journal.DiagnosticCounts(ctx, session)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}

	s.encode(w, r, http.StatusOK, eventsResponse{
		Transitions:      transitions,
		Diagnostics:      diagnostics,
		DiagnosticCounts: counts,
	})
}

func (s *debugServer) encode(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := goahttp.ResponseEncoder(r.Context(), w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}
}

// fail writes and logs the error with the request ID so both can be correlated
func (s *debugServer) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	id := requestID(r.Context())
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("request_id", id), zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.encode(w, r, status, errorResponse{Error: err.Error(), RequestID: id})
}

func (s *debugServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}
