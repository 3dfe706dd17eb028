// Package chat answers a user's message as their future self: it gathers
// context, writes the reply, optionally starts a video and speaks the
// reply, then records the exchange.
package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ekho-app/ekho/agent"
	"github.com/ekho-app/ekho/ai/persona"
	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/generation"
	"github.com/ekho-app/ekho/history"
	"github.com/ekho-app/ekho/logger"
	"github.com/ekho-app/ekho/pulse/async"
	"github.com/ekho-app/ekho/voice"
)

const (
	// replyVideoStyle is the look of videos made from chat replies
	replyVideoStyle = "conversational"
	// replyVideoSeconds is the requested length of reply videos
	replyVideoSeconds = 10
	// promptMemories is how many past messages are quoted to the persona
	promptMemories = 3
)

// Request is one chat turn
type Request struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Mode      string `json:"mode,omitempty"`
	MakeVideo bool   `json:"make_video,omitempty"`
	Speak     bool   `json:"speak,omitempty"`
}

// Response is the reply plus whatever side artifacts were started
type Response struct {
	Text          string       `json:"text"`
	Mode          string       `json:"mode"`
	EmotionalTone string       `json:"emotional_tone"`
	Safety        agent.Safety `json:"safety"`
	VideoJobID    string       `json:"video_job_id,omitempty"`
	VideoError    string       `json:"video_error,omitempty"`
	AudioURL      string       `json:"audio_url,omitempty"`
	Degraded      []string     `json:"degraded,omitempty"`
}

// ProfileUpdater saves avatar references after an avatar job is accepted
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, userID string, update history.ProfileUpdate) (*history.Profile, error)
}

// Service composes the chat flow. Videos and Voice may be nil.
type Service struct {
	Agents   *agent.Orchestrator
	Persona  *persona.Persona
	Videos   *generation.Orchestrator
	Voice    *voice.Service
	Profiles ProfileUpdater
	Logger   *zap.SugaredLogger
}

// Handle answers one message. Only an invalid request is an error; every
// auxiliary step degrades silently.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Response{}, errors.NewInvalidRequestError("user_id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return Response{}, errors.NewInvalidRequestError("message is required")
	}
	ctx = logger.WithUserID(ctx, req.UserID)
	log := logger.FromContext(ctx, s.Logger)

	signals := s.Agents.GatherContext(ctx, req.UserID, req.Message)
	mode := req.Mode
	if mode == "" {
		mode = signals.SuggestedMode
	}

	name := signals.DisplayName
	if name == "" {
		name = req.UserID
	}
	reply := s.Persona.Reply(ctx, persona.Request{
		UserName: name,
		Message:  req.Message,
		Mode:     mode,
		Memories: recentMessages(signals.Memories, promptMemories),
	})

	resp := Response{
		Text:     reply,
		Mode:     mode,
		Safety:   signals.Safety,
		Degraded: signals.Degraded,
	}

	if req.MakeVideo {
		s.startReplyVideo(ctx, log, req.UserID, reply, signals.AvatarRefs, &resp)
	}
	if req.Speak {
		s.speakReply(ctx, log, req.UserID, signals.VoiceID, reply, &resp)
	}

	rec := s.Agents.RecordInteraction(ctx, req.UserID, req.Message, reply, mode)
	resp.Mode = rec.Mode
	resp.EmotionalTone = rec.EmotionalTag
	return resp, nil
}

func (s *Service) startReplyVideo(ctx context.Context, log *zap.SugaredLogger, userID, reply string, avatarRefs []string, resp *Response) {
	if s.Videos == nil {
		resp.VideoError = "video generation is not configured"
		return
	}
	refs := make([]artifact.Input, 0, len(avatarRefs))
	for _, r := range avatarRefs {
		refs = append(refs, artifact.FromRef(artifact.Ref(r)))
	}

	job, err := s.Videos.CreateJob(ctx, generation.JobRequest{
		Owner:        userID,
		Kind:         generation.KindVideo,
		Prompt:       reply,
		Style:        replyVideoStyle,
		References:   refs,
		DurationHint: replyVideoSeconds,
	})
	resp.VideoJobID = job.ID
	if err != nil {
		resp.VideoError = job.FailureReason
		if resp.VideoError == "" {
			resp.VideoError = err.Error()
		}
		log.Warnw("Reply video not started", logger.FieldError, err.Error(), logger.FieldJobID, job.ID)
	}
}

func (s *Service) speakReply(ctx context.Context, log *zap.SugaredLogger, userID, voiceID, reply string, resp *Response) {
	if s.Voice == nil || voiceID == "" {
		return
	}
	url, err := s.Voice.Speak(ctx, userID, voiceID, reply)
	if err != nil {
		log.Warnw("Spoken reply failed", logger.FieldError, err.Error())
		return
	}
	resp.AudioURL = url
}

// CreateAvatar starts an aged-avatar job and keeps its references on the
// user's profile so later reply videos can reuse them.
func (s *Service) CreateAvatar(ctx context.Context, userID string, captures []artifact.Input, ageYears int) (async.Job, error) {
	if s.Videos == nil {
		return async.Job{}, errors.Wrap(errors.ErrServiceUnavailable, "video generation is not configured")
	}
	job, err := s.Videos.CreateAgedAvatar(ctx, userID, captures, ageYears)
	if err != nil {
		return job, err
	}
	if s.Profiles != nil && len(job.References) > 0 {
		if _, perr := s.Profiles.UpdateProfile(ctx, userID, history.ProfileUpdate{AvatarRefs: job.References}); perr != nil {
			logger.FromContext(ctx, s.Logger).Warnw("Could not save avatar references",
				logger.FieldJobID, job.ID, logger.FieldError, perr.Error())
		}
	}
	return job, nil
}

// recentMessages returns up to n of the user's past messages, oldest first
func recentMessages(memories []history.Interaction, n int) []string {
	if len(memories) > n {
		memories = memories[:n]
	}
	out := make([]string, 0, len(memories))
	for i := len(memories) - 1; i >= 0; i-- {
		if m := strings.TrimSpace(memories[i].UserMessage); m != "" {
			out = append(out, m)
		}
	}
	return out
}
