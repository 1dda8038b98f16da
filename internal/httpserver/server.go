package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/popular-posts/internal/domain"
)

// Server is the HTTP server that serves the popular post leaderboards.
type Server struct {
	leaderboard *domain.LeaderboardService
	logger      *slog.Logger
	httpServer  *http.Server
}

// Options carries the optional handlers mounted next to the leaderboards.
type Options struct {
	// Metrics is served on GET /metrics when set.
	Metrics http.Handler

	// Passes is served on GET /ws/passes when set.
	Passes http.Handler
}

// NewServer creates a new HTTP server over the given leaderboard service.
func NewServer(port int, leaderboard *domain.LeaderboardService, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		leaderboard: leaderboard,
		logger:      logger,
	}

	mux := http.NewServeMux()
	for _, w := range domain.Windows() {
		mux.HandleFunc("GET "+w.Path, s.handleWindow(w))
	}
	mux.HandleFunc("GET /popular", s.handlePopular)
	mux.HandleFunc("GET /health", s.handleHealth)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	handler := withLogging(logger, mux)
	if opts.Passes != nil {
		// The websocket handler hijacks the connection, so it bypasses the
		// status-recording middleware.
		root := http.NewServeMux()
		root.Handle("GET /ws/passes", opts.Passes)
		root.Handle("/", handler)
		handler = root
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler. It is exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWindow(window domain.Window) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeTopPosts(w, r, window)
	}
}

func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("window")
	if name == "" {
		name = domain.Window7Days.Name
	}

	window, ok := domain.WindowByName(name)
	if !ok {
		s.logger.Warn("invalid window parameter", "window", name)
		writeError(w, http.StatusBadRequest, "InvalidRequest", "window must be one of 7h, 7d, 7w")
		return
	}
	s.writeTopPosts(w, r, window)
}

func (s *Server) writeTopPosts(w http.ResponseWriter, r *http.Request, window domain.Window) {
	posts, err := s.leaderboard.TopPosts(r.Context(), window)
	if err != nil {
		s.logger.Error("failed to get top posts",
			"window", window.Name,
			"error_kind", domain.ErrorKind(err),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get popular posts")
		return
	}

	writeJSON(w, http.StatusOK, toPostsResponse(posts))
}

// postResponse is the JSON shape of a stored post.
type postResponse struct {
	ExternalID    string          `json:"external_id"`
	Status        json.RawMessage `json:"status"`
	PublishedAt   time.Time       `json:"published_at"`
	FavoriteCount *int64          `json:"favorite_count"`
	ShareCount    *int64          `json:"share_count"`
}

func toPostsResponse(posts []domain.Post) []postResponse {
	result := make([]postResponse, len(posts))
	for i, p := range posts {
		result[i] = postResponse{
			ExternalID:    p.ExternalID,
			Status:        p.RawStatus,
			PublishedAt:   p.PublishedAt,
			FavoriteCount: p.FavoriteCount,
			ShareCount:    p.ShareCount,
		}
	}
	return result
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
