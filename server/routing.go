package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ekho-app/ekho/logger"
)

// routes builds the API router
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/artifacts/{token}", s.handleArtifact)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)

		r.Group(func(r chi.Router) {
			r.Use(s.draining)
			r.Post("/generate-avatar", s.handleGenerateAvatar)
			r.Post("/generate-video", s.handleGenerateVideo)
			r.Post("/voice/clone", s.handleVoiceClone)
		})

		r.Get("/video-status/{jobID}", s.handleVideoStatus)
		r.Get("/user/{userID}/jobs", s.handleUserJobs)
		r.Get("/user/{userID}/profile", s.handleUserProfile)
		r.Get("/user/{userID}/insights", s.handleUserInsights)
		r.Get("/ws/jobs", s.handleJobStream)
	})
	return r
}

// corsMiddleware adds CORS headers for origins allowed by server.allowed_origins,
// the same check the job stream applies to websocket upgrades.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request once it completes and puts the request
// ID on the context for downstream loggers.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		ctx := r.Context()
		if reqID := middleware.GetReqID(ctx); reqID != "" {
			ctx = logger.WithRequestID(ctx, reqID)
		}
		next.ServeHTTP(ww, r.WithContext(ctx))

		s.logger.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldSize, ww.BytesWritten(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldRequestID, middleware.GetReqID(ctx))
	})
}

// draining refuses new generation work once shutdown has begun
func (s *Server) draining(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.getState() != ServerStateRunning {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
