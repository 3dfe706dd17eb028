package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ekho-app/ekho/analytics"
	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/chat"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/generation"
	"github.com/ekho-app/ekho/logger"
	"github.com/ekho-app/ekho/pulse/async"
)

// Rough completion estimates reported when a job is accepted
const (
	estimatedVideoSeconds  = 120
	estimatedAvatarSeconds = 180
	defaultInsightDays     = 30
	maxInsightDays         = 365
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Ekho API",
		"version": s.deps.Version,
		"status":  "running",
	})
}

// handleHealth reports storage reachability, job counts and host memory
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Service:   "ekho",
		Version:   s.deps.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Jobs:      map[string]int{},
	}

	if checker, ok := s.deps.Store.(artifact.Checker); ok {
		if err := checker.Check(r.Context()); err != nil {
			resp.Status = "degraded"
			s.logger.Warnw("Storage health check failed", logger.FieldError, err.Error())
		} else {
			resp.GoogleCloudConnected = true
		}
	} else if s.deps.Store == nil {
		resp.Status = "degraded"
	}

	if s.deps.Videos != nil {
		for state, n := range s.deps.Videos.Registry().Stats() {
			resp.Jobs[string(state)] = n
		}
	}
	if s.deps.Runner != nil {
		resp.BackgroundTasks = s.deps.Runner.Stats()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemoryTotalBytes = vm.Total
		resp.MemoryAvailableBytes = vm.Available
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleChat answers one message and starts any requested side artifacts
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	log := logger.FromContext(r.Context(), s.logger)
	if err := req.validate(); err != nil {
		writeServiceError(w, log, "chat", err)
		return
	}

	limited := false
	if req.MakeVideo && !s.limiter.Allow(req.UserID) {
		req.MakeVideo = false
		limited = true
	}

	resp, err := s.deps.Chat.Handle(r.Context(), chat.Request{
		UserID:    req.UserID,
		Message:   req.Message,
		Mode:      req.Mode,
		MakeVideo: req.MakeVideo,
		Speak:     req.Speak,
	})
	if err != nil {
		writeServiceError(w, log, "chat", err)
		return
	}
	if limited {
		resp.VideoError = errors.ErrRateLimited.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGenerateAvatar starts an aged-avatar job from the user's face captures
func (s *Server) handleGenerateAvatar(w http.ResponseWriter, r *http.Request) {
	var req AvatarCreationRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	log := logger.FromContext(logger.WithUserID(r.Context(), req.UserID), s.logger)
	if err := req.validate(); err != nil {
		writeServiceError(w, log, "generate-avatar", err)
		return
	}
	if !s.limiter.Allow(req.UserID) {
		writeServiceError(w, log, "generate-avatar", errors.ErrRateLimited)
		return
	}
	captures, err := artifact.ParseInputs(req.FaceCaptures)
	if err != nil {
		writeServiceError(w, log, "generate-avatar", errors.WrapInvalidRequest(err, "face_captures"))
		return
	}

	job, err := s.deps.Chat.CreateAvatar(r.Context(), req.UserID, captures, req.AgeProgressionYears)
	if err != nil {
		s.writeJobError(w, log, "generate-avatar", job, err)
		return
	}
	writeJSON(w, http.StatusAccepted, VideoGenerationResponse{
		JobID:                job.ID,
		Status:               string(job.State),
		Message:              fmt.Sprintf("Avatar creation started, aged %d years", req.AgeProgressionYears),
		EstimatedTimeSeconds: estimatedAvatarSeconds,
	})
}

// handleGenerateVideo starts a custom video job. Without reference images the
// user's saved avatar references are used.
func (s *Server) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	var req VideoGenerationRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	ctx := logger.WithUserID(r.Context(), req.UserID)
	log := logger.FromContext(ctx, s.logger)
	if err := req.validate(); err != nil {
		writeServiceError(w, log, "generate-video", err)
		return
	}
	if s.deps.Videos == nil {
		writeServiceError(w, log, "generate-video", errors.Wrap(errors.ErrServiceUnavailable, "video generation is not configured"))
		return
	}
	if !s.limiter.Allow(req.UserID) {
		writeServiceError(w, log, "generate-video", errors.ErrRateLimited)
		return
	}

	refs, err := artifact.ParseInputs(req.ReferenceImages)
	if err != nil {
		writeServiceError(w, log, "generate-video", errors.WrapInvalidRequest(err, "reference_images"))
		return
	}
	if len(refs) == 0 && s.deps.History != nil {
		profile, err := s.deps.History.GetProfile(ctx, req.UserID)
		if err != nil {
			log.Warnw("Could not load profile for avatar references", logger.FieldError, err.Error())
		} else if profile != nil {
			for _, ref := range profile.AvatarRefs {
				refs = append(refs, artifact.FromRef(artifact.Ref(ref)))
			}
		}
	}

	job, err := s.deps.Videos.CreateJob(ctx, generation.JobRequest{
		Owner:        req.UserID,
		Kind:         generation.KindVideo,
		Prompt:       req.Prompt,
		Style:        req.Style,
		References:   refs,
		DurationHint: req.Duration,
	})
	if err != nil {
		s.writeJobError(w, log, "generate-video", job, err)
		return
	}
	writeJSON(w, http.StatusAccepted, VideoGenerationResponse{
		JobID:                job.ID,
		Status:               string(job.State),
		Message:              "Video generation started",
		EstimatedTimeSeconds: estimatedVideoSeconds,
	})
}

// writeJobError reports a job that failed at creation with its own reason
func (s *Server) writeJobError(w http.ResponseWriter, log *zap.SugaredLogger, handler string, job async.Job, err error) {
	status := statusFor(err)
	message := err.Error()
	if job.FailureReason != "" {
		message = job.FailureReason
	}
	log.Infow("Generation job rejected", "handler", handler, logger.FieldJobID, job.ID, logger.FieldStatus, status, logger.FieldError, err.Error())
	body := map[string]string{"error": message}
	if job.ID != "" {
		body["job_id"] = job.ID
	}
	writeJSON(w, status, body)
}

// handleVideoStatus resolves the job against the remote service once.
// A failed status check still answers with the last known job.
func (s *Server) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ctx := logger.WithJobID(r.Context(), jobID)
	log := logger.FromContext(ctx, s.logger)
	if s.deps.Videos == nil {
		writeServiceError(w, log, "video-status", errors.Wrap(errors.ErrServiceUnavailable, "video generation is not configured"))
		return
	}

	job, err := s.deps.Videos.ResolveStatus(ctx, jobID)
	if err != nil && !(errors.Is(err, async.ErrTransientPoll) && job.ID != "") {
		writeServiceError(w, log, "video-status", err)
		return
	}
	writeJSON(w, http.StatusOK, newVideoStatus(job))
}

func (s *Server) handleUserJobs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	resp := UserJobsResponse{UserID: userID, Jobs: []VideoStatusResponse{}}
	if s.deps.Videos != nil {
		for _, job := range s.deps.Videos.ListJobs(userID) {
			resp.Jobs = append(resp.Jobs, newVideoStatus(job))
		}
	}
	resp.Count = len(resp.Jobs)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	log := logger.FromContext(logger.WithUserID(r.Context(), userID), s.logger)
	if s.deps.History == nil {
		writeServiceError(w, log, "profile", errors.Wrap(errors.ErrServiceUnavailable, "history is not configured"))
		return
	}
	profile, err := s.deps.History.GetProfile(r.Context(), userID)
	if err != nil {
		writeServiceError(w, log, "profile", err)
		return
	}
	if profile == nil {
		writeServiceError(w, log, "profile", errors.NewNotFoundError("profile for %s", userID))
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// InsightsResponse summarises a user's emotional trend and mode usage
type InsightsResponse struct {
	UserID string                 `json:"user_id"`
	Days   int                    `json:"days"`
	Trends []analytics.TrendPoint `json:"trends"`
	Modes  []analytics.ModeCount  `json:"modes"`
}

func (s *Server) handleUserInsights(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := logger.WithUserID(r.Context(), userID)
	log := logger.FromContext(ctx, s.logger)
	if s.deps.Analytics == nil {
		writeServiceError(w, log, "insights", errors.Wrap(errors.ErrServiceUnavailable, "analytics is not configured"))
		return
	}

	days := defaultInsightDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxInsightDays {
			writeServiceError(w, log, "insights", errors.NewInvalidRequestError("days must be between 1 and %d", maxInsightDays))
			return
		}
		days = n
	}

	trends, err := s.deps.Analytics.EmotionalTrends(ctx, userID, days)
	if err != nil {
		writeServiceError(w, log, "insights", err)
		return
	}
	modes, err := s.deps.Analytics.ModeBreakdown(ctx, userID, time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		writeServiceError(w, log, "insights", err)
		return
	}
	writeJSON(w, http.StatusOK, InsightsResponse{UserID: userID, Days: days, Trends: trends, Modes: modes})
}

// handleVoiceClone takes a multipart form with user_id and an audio file
func (s *Server) handleVoiceClone(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), s.logger)
	if s.deps.Voice == nil {
		writeServiceError(w, log, "voice-clone", errors.Wrap(errors.ErrServiceUnavailable, "voice is not configured"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxVoiceSample+(1<<20))
	if err := r.ParseMultipartForm(maxVoiceSample); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid multipart form: %v", err))
		return
	}
	userID := strings.TrimSpace(r.FormValue("user_id"))
	if userID == "" {
		writeServiceError(w, log, "voice-clone", errors.NewInvalidRequestError("user_id is required"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeServiceError(w, log, "voice-clone", errors.NewInvalidRequestError("file is required"))
		return
	}
	defer file.Close()
	sample, err := io.ReadAll(file)
	if err != nil {
		writeServiceError(w, log, "voice-clone", errors.WrapInvalidRequest(err, "read voice sample"))
		return
	}
	if len(sample) == 0 {
		writeServiceError(w, log, "voice-clone", errors.NewInvalidRequestError("voice sample is empty"))
		return
	}
	if !s.limiter.Allow(userID) {
		writeServiceError(w, log, "voice-clone", errors.ErrRateLimited)
		return
	}

	result, err := s.deps.Voice.Clone(logger.WithUserID(r.Context(), userID), userID, sample, header.Filename)
	if err != nil {
		writeServiceError(w, log, "voice-clone", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"voice_id": result.VoiceID,
		"fallback": result.Fallback,
	})
}

// handleArtifact serves a locally stored artifact behind a signed token
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	local, ok := s.deps.Store.(*artifact.LocalStore)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	path, contentType, err := local.Open(chi.URLParam(r, "token"))
	switch {
	case errors.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		writeError(w, http.StatusForbidden, "invalid or expired link")
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, path)
}

// handleJobStream upgrades to a websocket that pushes the job updates of the
// user named by ?user_id=.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("Job stream upgrade failed", logger.FieldError, err.Error())
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan JobUpdateMessage, MaxClientMessageQueueSize),
		id:     uuid.NewString(),
		userID: userID,
	}

	// Current state first, so a late subscriber does not wait for the next change
	if s.deps.Videos != nil {
		for _, job := range s.deps.Videos.ListJobs(client.userID) {
			select {
			case client.send <- JobUpdateMessage{Type: "job_update", Job: newVideoStatus(job)}:
			default:
			}
		}
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.logger.Debugw("Job stream opened", "client_id", shortID(client.id), logger.FieldUserID, client.userID)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}
