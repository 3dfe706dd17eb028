package server

import (
	"strings"
	"time"

	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/pulse/async"
)

const (
	// MaxClients is the maximum number of concurrent job stream clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 64
	// ShutdownTimeout bounds graceful shutdown, including draining background writes
	ShutdownTimeout = 30 * time.Second
	// maxRequestBody caps JSON bodies, which may carry base64 images
	maxRequestBody = 32 << 20
	// maxVoiceSample caps uploaded voice samples
	maxVoiceSample = 20 << 20
	// maxReferenceImages is the most reference images a video request may carry
	maxReferenceImages = 5
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// Video styles accepted by generate-video
var videoStyles = map[string]bool{
	"cinematic":      true,
	"documentary":    true,
	"conversational": true,
	"emotional":      true,
}

// ChatRequest is the body of POST /api/v1/chat
type ChatRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Mode      string `json:"mode,omitempty"`
	MakeVideo bool   `json:"make_video"`
	Speak     bool   `json:"speak"`
}

func (r *ChatRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.NewInvalidRequestError("user_id is required")
	}
	if n := len(r.Message); n < 1 || n > 2000 {
		return errors.NewInvalidRequestError("message must be 1-2000 characters")
	}
	return nil
}

// VideoGenerationRequest is the body of POST /api/v1/generate-video
type VideoGenerationRequest struct {
	UserID          string   `json:"user_id"`
	Prompt          string   `json:"prompt"`
	Duration        int      `json:"duration"`
	ReferenceImages []string `json:"reference_images"`
	Style           string   `json:"style"`
}

func (r *VideoGenerationRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.NewInvalidRequestError("user_id is required")
	}
	if n := len(r.Prompt); n < 10 || n > 1000 {
		return errors.NewInvalidRequestError("prompt must be 10-1000 characters")
	}
	if r.Duration == 0 {
		r.Duration = 10
	}
	if r.Duration < 5 || r.Duration > 30 {
		return errors.NewInvalidRequestError("duration must be between 5 and 30 seconds")
	}
	if len(r.ReferenceImages) > maxReferenceImages {
		return errors.NewInvalidRequestError("maximum %d reference images allowed", maxReferenceImages)
	}
	if r.Style == "" {
		r.Style = "conversational"
	}
	if !videoStyles[r.Style] {
		return errors.NewInvalidRequestError("unknown style %q", r.Style)
	}
	return nil
}

// AvatarCreationRequest is the body of POST /api/v1/generate-avatar
type AvatarCreationRequest struct {
	UserID              string   `json:"user_id"`
	FaceCaptures        []string `json:"face_captures"`
	AgeProgressionYears int      `json:"age_progression_years"`
}

func (r *AvatarCreationRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.NewInvalidRequestError("user_id is required")
	}
	if n := len(r.FaceCaptures); n < 3 || n > 5 {
		return errors.NewInvalidRequestError("between 3 and 5 face captures required, got %d", n)
	}
	if r.AgeProgressionYears == 0 {
		r.AgeProgressionYears = 5
	}
	if r.AgeProgressionYears < 3 || r.AgeProgressionYears > 10 {
		return errors.NewInvalidRequestError("age_progression_years must be between 3 and 10")
	}
	return nil
}

// VideoGenerationResponse acknowledges a started job
type VideoGenerationResponse struct {
	JobID                string `json:"job_id"`
	Status               string `json:"status"`
	Message              string `json:"message"`
	EstimatedTimeSeconds int    `json:"estimated_time_seconds"`
}

// VideoStatusResponse is one observation of a job
type VideoStatusResponse struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	VideoURL  string `json:"video_url,omitempty"`
	Error     string `json:"error,omitempty"`
	PollError bool   `json:"poll_error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func newVideoStatus(job async.Job) VideoStatusResponse {
	return VideoStatusResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    string(job.State),
		Progress:  job.Progress,
		VideoURL:  job.ResultRef,
		Error:     job.FailureReason,
		PollError: job.PollError,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// UserJobsResponse lists a user's jobs
type UserJobsResponse struct {
	UserID string                `json:"user_id"`
	Jobs   []VideoStatusResponse `json:"jobs"`
	Count  int                   `json:"count"`
}

// HealthResponse reports service status
type HealthResponse struct {
	Status               string         `json:"status"`
	Service              string         `json:"service"`
	Version              string         `json:"version"`
	Timestamp            string         `json:"timestamp"`
	GoogleCloudConnected bool           `json:"google_cloud_connected"`
	Jobs                 map[string]int `json:"jobs"`
	BackgroundTasks      interface{}    `json:"background_tasks,omitempty"`
	MemoryTotalBytes     uint64         `json:"memory_total_bytes,omitempty"`
	MemoryAvailableBytes uint64         `json:"memory_available_bytes,omitempty"`
}

// JobUpdateMessage is pushed to job stream clients
type JobUpdateMessage struct {
	Type string              `json:"type"` // always "job_update"
	Job  VideoStatusResponse `json:"job"`
}
