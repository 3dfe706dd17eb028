// Package history persists conversation turns and user profiles in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekho-app/ekho/errors"
)

// Interaction is one user message and the persona's reply
type Interaction struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserMessage  string    `json:"user_message"`
	AIResponse   string    `json:"ai_response"`
	EmotionalTag string    `json:"emotional_tag"`
	Mode         string    `json:"mode"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile holds per-user settings gathered over time
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	VoiceID     string    `json:"voice_id,omitempty"`
	AvatarRefs  []string  `json:"avatar_refs"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileUpdate changes only the fields that are set
type ProfileUpdate struct {
	DisplayName *string
	VoiceID     *string
	// AvatarRefs replaces the stored list when non-nil
	AvatarRefs []string
}

// Store reads and writes history and profiles
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a store over a migrated database
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: logger}
}

// AppendInteraction records a turn. ID and CreatedAt are filled in when empty.
func (s *Store) AppendInteraction(ctx context.Context, in Interaction) (Interaction, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Interaction{}, errors.NewInvalidRequestError("interaction requires a user id")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	in.CreatedAt = in.CreatedAt.UTC()
	if in.EmotionalTag == "" {
		in.EmotionalTag = "neutral"
	}
	if in.Mode == "" {
		in.Mode = "casual"
	}

	query := `
		INSERT INTO interactions (id, user_id, user_message, ai_response, emotional_tag, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		in.ID, in.UserID, in.UserMessage, in.AIResponse, in.EmotionalTag, in.Mode, in.CreatedAt,
	); err != nil {
		return Interaction{}, errors.Wrapf(err, "failed to append interaction for %s", in.UserID)
	}
	return in, nil
}

// RecentInteractions returns up to limit turns, newest first
func (s *Store) RecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, user_id, user_message, ai_response, emotional_tag, mode, created_at
		FROM interactions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query interactions for %s", userID)
	}
	defer rows.Close()

	out := []Interaction{}
	for rows.Next() {
		var in Interaction
		if err := rows.Scan(&in.ID, &in.UserID, &in.UserMessage, &in.AIResponse,
			&in.EmotionalTag, &in.Mode, &in.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan interaction")
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read interactions")
	}
	return out, nil
}

// GetProfile returns the user's profile, or nil when none exists yet
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	query := `
		SELECT user_id, display_name, voice_id, avatar_refs, created_at, updated_at
		FROM profiles WHERE user_id = ?`

	var p Profile
	var refs string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.DisplayName, &p.VoiceID, &refs, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load profile for %s", userID)
	}
	if err := json.Unmarshal([]byte(refs), &p.AvatarRefs); err != nil {
		s.logger.Warnw("Discarding unreadable avatar refs", "user_id", userID, "error", err)
	}
	if p.AvatarRefs == nil {
		p.AvatarRefs = []string{}
	}
	return &p, nil
}

// UpdateProfile applies update, creating the profile on first use.
func (s *Store) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.NewInvalidRequestError("profile requires a user id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin profile update")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO profiles (user_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`, userID, now, now); err != nil {
		return nil, errors.Wrapf(err, "failed to create profile for %s", userID)
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{now}
	if update.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *update.DisplayName)
	}
	if update.VoiceID != nil {
		sets = append(sets, "voice_id = ?")
		args = append(args, *update.VoiceID)
	}
	if update.AvatarRefs != nil {
		data, err := json.Marshal(update.AvatarRefs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode avatar refs")
		}
		sets = append(sets, "avatar_refs = ?")
		args = append(args, string(data))
	}
	args = append(args, userID)

	if _, err := tx.ExecContext(ctx,
		"UPDATE profiles SET "+strings.Join(sets, ", ")+" WHERE user_id = ?", args...); err != nil {
		return nil, errors.Wrapf(err, "failed to update profile for %s", userID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit profile update")
	}

	return s.GetProfile(ctx, userID)
}
