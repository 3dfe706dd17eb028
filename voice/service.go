package voice

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/history"
	"github.com/ekho-app/ekho/logger"
)

// ProfileUpdater stores the chosen voice on the user's profile
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, userID string, update history.ProfileUpdate) (*history.Profile, error)
}

// CloneResult describes the voice a user ended up with
type CloneResult struct {
	VoiceID string `json:"voice_id"`
	// Fallback is true when cloning was not allowed and a stock voice was picked
	Fallback bool `json:"fallback"`
}

// Service ties voice cloning and speech to profiles and artifact storage
type Service struct {
	client   *Client
	store    artifact.Store
	profiles ProfileUpdater
	urlTTL   time.Duration
	logger   *zap.SugaredLogger
}

// NewService creates a voice service
func NewService(client *Client, store artifact.Store, profiles ProfileUpdater, urlTTL time.Duration, logger *zap.SugaredLogger) *Service {
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &Service{client: client, store: store, profiles: profiles, urlTTL: urlTTL, logger: logger}
}

// Clone creates a voice from the user's sample and saves it to their
// profile. Accounts that cannot clone get the first stock voice instead.
func (s *Service) Clone(ctx context.Context, userID string, sample []byte, filename string) (CloneResult, error) {
	log := logger.FromContext(ctx, s.logger).With(logger.FieldUserID, userID)

	result := CloneResult{}
	voiceID, err := s.client.AddVoice(ctx,
		"Ekho User - "+userID,
		"Voice clone for Ekho user "+userID,
		sample, filename)
	switch {
	case err == nil:
		result.VoiceID = voiceID
	case IsCloningRestricted(err):
		log.Warnw("Voice cloning not allowed, using a stock voice", logger.FieldError, err.Error())
		voiceID, err = s.client.DefaultVoiceID(ctx)
		if err != nil {
			return CloneResult{}, errors.Wrap(err, "pick fallback voice")
		}
		result = CloneResult{VoiceID: voiceID, Fallback: true}
	default:
		return CloneResult{}, err
	}

	if s.profiles != nil {
		if _, err := s.profiles.UpdateProfile(ctx, userID, history.ProfileUpdate{VoiceID: &result.VoiceID}); err != nil {
			return CloneResult{}, errors.Wrap(err, "save voice to profile")
		}
	}
	log.Infow("Voice ready", "voice_id", result.VoiceID, "fallback", result.Fallback)
	return result, nil
}

// Speak renders text with voiceID, stores the audio and returns a
// time-limited URL for it.
func (s *Service) Speak(ctx context.Context, userID, voiceID, text string) (string, error) {
	audio, err := s.client.TextToSpeech(ctx, voiceID, text)
	if err != nil {
		return "", err
	}
	hint := "users/" + url.PathEscape(userID) + "/audio/" + uuid.NewString() + ".mp3"
	ref, err := s.store.Store(ctx, audio, "audio/mpeg", hint)
	if err != nil {
		return "", errors.Wrap(err, "store speech")
	}
	return artifact.URLFor(ctx, s.store, ref, s.urlTTL)
}
