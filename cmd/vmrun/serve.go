package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/vmrun/executor"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	sessionTTL        = 15 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve <bundle>",
	Short: "Serve a bundle over HTTP",
	Long: `Start an HTTP server that renders the bundle for every GET request.

The entry receives {url, method, headers, query} as its context. String
results are sent as text/html, anything else as JSON.

Endpoints:
  GET    /healthz                     Health check
  GET    /metrics                     Prometheus metrics
  GET    /*                           Render the bundle

With --sessions:
  POST   /_vmrun/sessions             Create session, returns {"session_id":"..."}
  POST   /_vmrun/sessions/{id}/exec   Execute in session (state persists)
  DELETE /_vmrun/sessions/{id}        Close session`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	addEngineFlags(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (default :8080)")
	serveCmd.Flags().Bool("gzip", true, "Compress responses")
	serveCmd.Flags().Duration("timeout", 30*time.Second, "Render timeout (0 = none)")
	serveCmd.Flags().Bool("sessions", false, "Expose interactive session endpoints")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, eng, err := setup(cmd, args)
	if err != nil {
		return err
	}
	defer eng.Close()

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("gzip") {
		cfg.Server.Gzip, _ = flags.GetBool("gzip")
	}
	timeout, _ := flags.GetDuration("timeout")
	enableSessions, _ := flags.GetBool("sessions")

	var sessions *sessionManager
	if enableSessions {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sessions = newSessionManager(ctx, eng, sessionTTL)
		defer sessions.closeAll()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newServer(eng, sessions, serverOptions{gzip: cfg.Server.Gzip, timeout: timeout}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		eng.log.Info("server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		eng.log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	eng.log.Info("server stopped")
	return nil
}

type serverOptions struct {
	gzip    bool
	timeout time.Duration
}

type server struct {
	eng      *engine
	sessions *sessionManager
	timeout  time.Duration
}

// newServer builds the handler tree. sessions may be nil.
func newServer(eng *engine, sessions *sessionManager, opts serverOptions) http.Handler {
	s := &server{eng: eng, sessions: sessions, timeout: opts.timeout}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(eng.registry, promhttp.HandlerOpts{}))

	if sessions != nil {
		r.Route("/_vmrun/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Post("/{id}/exec", s.handleSessionExec)
			r.Delete("/{id}", s.handleCloseSession)
		})
	}

	r.Get("/*", s.handleRender)

	if opts.gzip {
		return gzhttp.GzipHandler(r)
	}
	return r
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.eng.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	v, err := s.eng.runner.Render(ctx, requestContext(r))
	if err != nil {
		s.eng.log.Error("render failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	if html, ok := v.(string); ok {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, html)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// requestContext is what the entry sees of an HTTP request. Repeated
// headers and query keys keep their first value.
func requestContext(r *http.Request) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for k, vs := range r.Header {
		if len(vs) > 0 {
			headers[strings.ToLower(k)] = vs[0]
		}
	}
	query := make(map[string]any)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	return map[string]any{
		"url":     r.URL.RequestURI(),
		"method":  r.Method,
		"headers": headers,
		"query":   query,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sessionExecRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
}

type sessionExecResponse struct {
	Output     string `json:"output"`
	Value      string `json:"value,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.create()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create session: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: id})
}

func (s *server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req sessionExecRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	result := session.Run(ctx, req.Code)
	resp := sessionExecResponse{
		Output:     result.Output,
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	} else if out, err := formatResult(result.Value); err == nil {
		resp.Value = out
	} else {
		resp.Value = fmt.Sprint(result.Value)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.close(chi.URLParam(r, "id")) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionManager struct {
	eng      *engine
	sessions map[string]*serverSession
	mu       sync.Mutex
	ttl      time.Duration
}

type serverSession struct {
	session  *executor.Session
	lastUsed time.Time
}

// newSessionManager expires idle sessions until ctx is done.
func newSessionManager(ctx context.Context, eng *engine, ttl time.Duration) *sessionManager {
	sm := &sessionManager{
		eng:      eng,
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
	}
	go sm.cleanup(ctx)
	return sm
}

func (sm *sessionManager) create() (string, error) {
	session, err := sm.eng.exec.NewSession(sm.eng.bundle, sm.eng.runnerOpts...)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{
		session:  session,
		lastUsed: time.Now(),
	}
	sm.mu.Unlock()
	return id, nil
}

func (sm *sessionManager) get(id string) (*executor.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
	}
	return ok
}

func (sm *sessionManager) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.expire(time.Now())
		}
	}
}

// expire drops sessions idle for longer than the TTL. They are closed after
// the lock is released so a slow Close never blocks the other endpoints.
func (sm *sessionManager) expire(now time.Time) {
	var stale []*serverSession
	sm.mu.Lock()
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			stale = append(stale, ss)
			delete(sm.sessions, id)
			sm.eng.log.Debug("session expired", zap.String("session", id))
		}
	}
	sm.mu.Unlock()

	for _, ss := range stale {
		ss.session.Close()
	}
}

func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()

	for _, ss := range all {
		ss.session.Close()
	}
}
