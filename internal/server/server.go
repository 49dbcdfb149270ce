package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/voyagen/streamvault/api"
	"github.com/voyagen/streamvault/internal/classifier"
	"github.com/voyagen/streamvault/internal/config"
	"github.com/voyagen/streamvault/internal/jobs"
	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/service"
	"github.com/voyagen/streamvault/internal/store"
	"github.com/voyagen/streamvault/internal/stream"
)

// ProfileHeader carries the caller's profile id, set by the authentication
// layer in front of this server.
const ProfileHeader = "X-Profile-ID"

// Refresher reloads the set of watched libraries.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Deps are the collaborators the HTTP API needs.
type Deps struct {
	Catalog    store.Catalog
	Sync       *service.Synchronizer
	Peers      *service.PeerRegistry
	Dispatcher *service.Dispatcher
	Jobs       jobs.Queue // nil: async scans run on a goroutine
	Watcher    Refresher  // nil when library watching is off
	Log        *zap.Logger
}

// Server holds dependencies for the HTTP API.
type Server struct {
	catalog    store.Catalog
	sync       *service.Synchronizer
	peers      *service.PeerRegistry
	dispatcher *service.Dispatcher
	jobs       jobs.Queue
	watcher    Refresher
	cfg        *config.Config
	heartbeats *rate.Limiter
	log        *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server and registers routes.
func New(cfg *config.Config, d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	srv := &Server{
		catalog:    d.Catalog,
		sync:       d.Sync,
		peers:      d.Peers,
		dispatcher: d.Dispatcher,
		jobs:       d.Jobs,
		watcher:    d.Watcher,
		cfg:        cfg,
		heartbeats: rate.NewLimiter(rate.Limit(cfg.HeartbeatRate), cfg.HeartbeatBurst),
		log:        log.Named("http"),
		mux:        http.NewServeMux(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Libraries
	s.mux.HandleFunc("GET /api/libraries", s.handleListLibraries)
	s.mux.HandleFunc("POST /api/libraries", s.handleCreateLibrary)
	s.mux.HandleFunc("GET /api/libraries/{id}", s.handleGetLibrary)
	s.mux.HandleFunc("DELETE /api/libraries/{id}", s.handleDeleteLibrary)
	s.mux.HandleFunc("POST /api/libraries/{id}/scan", s.handleScanLibrary)
	s.mux.HandleFunc("GET /api/libraries/{id}/media", s.handleListMedia)

	// Media and playback. GET patterns also match HEAD.
	s.mux.HandleFunc("GET /api/media/{id}", s.handleGetMedia)
	s.mux.HandleFunc("GET /api/media/{id}/stream", s.handleStreamMedia)
	s.mux.HandleFunc("POST /api/stream", s.handleDispatch)

	// Peers
	s.mux.HandleFunc("POST /api/peers/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("GET /api/peers", s.handleListPeers)

	// Docs
	s.mux.HandleFunc("GET /api/docs", handleSwaggerUI)
	s.mux.HandleFunc("GET /api/docs/openapi.yaml", handleOpenAPISpec)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the API with CORS and access logging applied.
func (s *Server) Handler() http.Handler {
	return withCORS(s.withLogging(s))
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.cfg.ServerPort
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: a full-file response can run as long as the media.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- library handlers ---

func (s *Server) handleListLibraries(w http.ResponseWriter, r *http.Request) {
	libs, err := s.catalog.ListLibraries(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if libs == nil {
		libs = []models.Library{}
	}
	writeJSON(w, http.StatusOK, libs)
}

type createLibraryRequest struct {
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
}

func (s *Server) handleCreateLibrary(w http.ResponseWriter, r *http.Request) {
	var req createLibraryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("name is required"))
		return
	}
	if req.RootPath == "" || !filepath.IsAbs(req.RootPath) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("root_path must be an absolute path"))
		return
	}
	root := filepath.Clean(req.RootPath)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("root_path %s is not a readable directory", root))
		return
	}

	lib := &models.Library{Name: req.Name, RootPath: root}
	if err := s.catalog.CreateLibrary(r.Context(), lib); err != nil {
		s.fail(w, r, err)
		return
	}
	s.refreshWatcher(r.Context())
	writeJSON(w, http.StatusCreated, lib)
}

func (s *Server) handleGetLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	lib, err := s.catalog.GetLibrary(r.Context(), id)
	if err != nil {
		s.fail(w, r, notFound(err, "library", id))
		return
	}
	writeJSON(w, http.StatusOK, lib)
}

func (s *Server) handleDeleteLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.catalog.DeleteLibrary(r.Context(), id); err != nil {
		s.fail(w, r, notFound(err, "library", id))
		return
	}
	s.refreshWatcher(r.Context())
	writeNoContent(w)
}

func (s *Server) handleScanLibrary(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if _, err := s.catalog.GetLibrary(r.Context(), id); err != nil {
			s.fail(w, r, notFound(err, "library", id))
			return
		}
		if err := s.enqueueScan(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"library_id": id,
			"status":     "queued",
		})
		return
	}

	res, err := s.sync.SyncLibrary(r.Context(), id)
	if err != nil {
		s.fail(w, r, notFound(err, "library", id))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) enqueueScan(ctx context.Context, id uuid.UUID) error {
	if s.jobs != nil {
		return s.jobs.EnqueueScan(ctx, id, jobs.ReasonAPI)
	}
	// The scan outlives the request.
	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.sync.SyncLibrary(bg, id); err != nil {
			s.log.Error("background scan failed", zap.String("library_id", id.String()), zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.catalog.GetLibrary(r.Context(), id); err != nil {
		s.fail(w, r, notFound(err, "library", id))
		return
	}
	items, err := s.catalog.ListMedia(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []models.Media{}
	}
	writeJSON(w, http.StatusOK, items)
}

// --- media handlers ---

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	m, err := s.catalog.GetMedia(r.Context(), id)
	if err != nil {
		s.fail(w, r, notFound(err, "media", id))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStreamMedia(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	_, path, err := s.dispatcher.MediaPath(r.Context(), id)
	if err != nil {
		s.fail(w, r, notFound(err, "media", id))
		return
	}

	err = stream.ServeFile(w, r, path, classifier.ContentType(path), s.cfg.MultiRangePolicy)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		// Removed between lookup and open.
		s.fail(w, r, fmt.Errorf("%w: %s", service.ErrFileMissing, path))
	default:
		s.fail(w, r, err)
	}
}

type dispatchRequest struct {
	MediaID      uuid.UUID `json:"media_id"`
	SeekPosition *float64  `json:"seek_position"`
	PreferP2P    bool      `json:"prefer_p2p"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	profileID, err := uuid.Parse(r.Header.Get(ProfileHeader))
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("missing or invalid %s header", ProfileHeader))
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.MediaID == uuid.Nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("media_id is required"))
		return
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), models.StreamRequest{
		MediaID:      req.MediaID,
		ProfileID:    profileID,
		SeekPosition: req.SeekPosition,
		PreferP2P:    req.PreferP2P,
	})
	if err != nil {
		s.fail(w, r, notFound(err, "media", req.MediaID))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- peer handlers ---

type heartbeatRequest struct {
	PeerID    string `json:"peer_id"`
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.heartbeats.Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeErr(w, http.StatusTooManyRequests, fmt.Errorf("heartbeat rate exceeded"))
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.IPAddress == "" {
		// Fall back to the address the heartbeat came from.
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			req.IPAddress = host
		}
	}

	peer, err := s.peers.Heartbeat(r.Context(), req.PeerID, req.IPAddress, req.Port)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", v))
			return
		}
		limit = n
	}
	mediaID := uuid.Nil
	if v := q.Get("media_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid media_id: %s", v))
			return
		}
		mediaID = id
	}

	peers, err := s.peers.Candidates(r.Context(), mediaID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if peers == nil {
		peers = []models.Peer{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) refreshWatcher(ctx context.Context) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Refresh(ctx); err != nil {
		s.log.Warn("watcher refresh failed", zap.Error(err))
	}
}

// --- middleware ---

// withCORS adds CORS headers to every response and handles preflight OPTIONS requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range, "+ProfileHeader)
		h.Set("Access-Control-Expose-Headers", "Accept-Ranges, Content-Range, Content-Length")
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code and body size.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// withLogging logs each request with method, path, status, and duration.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int64("bytes", sw.bytes),
			zap.Duration("duration", time.Since(start)),
		}
		if r.URL.RawQuery != "" {
			fields = append(fields, zap.String("query", r.URL.RawQuery))
		}
		if rng := r.Header.Get("Range"); rng != "" {
			fields = append(fields, zap.String("range", rng))
		}
		if sw.status >= 500 {
			s.log.Warn("request", fields...)
			return
		}
		s.log.Info("request", fields...)
	})
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// parseID extracts a path parameter by name and parses it as a UUID.
func parseID(r *http.Request, param string) (uuid.UUID, error) {
	v := r.PathValue(param)
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", param, v)
	}
	return id, nil
}

// notFound rewrites a store miss into a message naming the missing entity.
func notFound(err error, kind string, id uuid.UUID) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return err
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var syncErr *service.SyncError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrValidation), errors.Is(err, stream.ErrMalformedRange):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, stream.ErrUnsatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.As(err, &syncErr) && syncErr.Phase == service.PhaseLock:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with the status statusFor picks.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	s.writeErr(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeErr writes the error envelope. Server errors carry no detail; paths
// and store messages stay in the log.
func (s *Server) writeErr(w http.ResponseWriter, status int, err error) {
	e := APIError{Status: status, Error: http.StatusText(status)}
	if status < 500 {
		e.Detail = err.Error()
	}
	writeJSON(w, status, e)
}

// --- docs handlers ---

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, swaggerUIHTML)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>StreamVault API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>html{box-sizing:border-box;overflow-y:scroll}*,*:before,*:after{box-sizing:inherit}body{margin:0;background:#fafafa}</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/docs/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
    });
  </script>
</body>
</html>`
