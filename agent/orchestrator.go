// Package agent gathers context for a persona reply from several
// independent sources and records each exchange afterwards. Every source is
// best-effort: a failing or slow agent degrades to an empty value and the
// reply goes ahead.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/analytics"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/history"
	"github.com/ekho-app/ekho/logger"
	"github.com/ekho-app/ekho/pulse/async"
)

// Agent names, used in logs and in Signals.Degraded
const (
	AgentMemory  = "memory"
	AgentTrend   = "trend"
	AgentSafety  = "safety"
	AgentProfile = "profile"
)

// MemoryStore provides past exchanges
type MemoryStore interface {
	RecentInteractions(ctx context.Context, userID string, limit int) ([]history.Interaction, error)
}

// ProfileStore provides per-user settings
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*history.Profile, error)
}

// HistoryWriter persists exchanges
type HistoryWriter interface {
	AppendInteraction(ctx context.Context, in history.Interaction) (history.Interaction, error)
}

// TrendSource aggregates analytics
type TrendSource interface {
	EmotionalTrends(ctx context.Context, userID string, days int) ([]analytics.TrendPoint, error)
}

// EventSink receives analytics events
type EventSink interface {
	RecordEvent(ctx context.Context, ev analytics.Event) error
}

// Signals is the merged result of one fan-out round
type Signals struct {
	Memories      []history.Interaction  `json:"memories"`
	Trends        []analytics.TrendPoint `json:"trends"`
	Safety        Safety                 `json:"safety"`
	DisplayName   string                 `json:"display_name,omitempty"`
	VoiceID       string                 `json:"voice_id,omitempty"`
	AvatarRefs    []string               `json:"avatar_refs"`
	SuggestedMode string                 `json:"suggested_mode"`
	// Degraded lists agents that failed or timed out this round
	Degraded []string `json:"degraded,omitempty"`
}

// RecordResult is what RecordInteraction computed before handing off writes
type RecordResult struct {
	EmotionalTag   string  `json:"emotional_tag"`
	SentimentScore float64 `json:"sentiment_score"`
	Mode           string  `json:"mode"`
}

// Config tunes the fan-out
type Config struct {
	MemoryLimit   int
	TrendDays     int
	AgentTimeout  time.Duration
	CrisisPhrases []string
}

// ConfigFromAm maps the fanout section of am.toml
func ConfigFromAm(c am.FanoutConfig) Config {
	return Config{
		MemoryLimit:   c.MemoryLimit,
		TrendDays:     c.TrendDays,
		AgentTimeout:  am.Seconds(c.AgentTimeoutSeconds, 5*time.Second),
		CrisisPhrases: c.CrisisPhrases,
	}
}

// Stores bundles the data sources; nil members are treated as unavailable
type Stores struct {
	Memory   MemoryStore
	Profiles ProfileStore
	History  HistoryWriter
	Trends   TrendSource
	Events   EventSink
}

// Orchestrator runs the context agents and the post-reply writes
type Orchestrator struct {
	stores Stores
	runner *async.Runner
	logger *zap.SugaredLogger

	memoryLimit  int
	trendDays    int
	agentTimeout time.Duration

	mu      sync.RWMutex
	phrases []string
}

// NewOrchestrator creates an orchestrator. Writes from RecordInteraction run
// on runner, which the caller owns and drains on shutdown.
func NewOrchestrator(stores Stores, runner *async.Runner, cfg Config, logger *zap.SugaredLogger) *Orchestrator {
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = am.DefaultMemoryLimit
	}
	if cfg.TrendDays <= 0 {
		cfg.TrendDays = am.DefaultTrendDays
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 5 * time.Second
	}
	if cfg.CrisisPhrases == nil {
		cfg.CrisisPhrases = am.DefaultCrisisPhrases
	}
	return &Orchestrator{
		stores:       stores,
		runner:       runner,
		logger:       logger,
		memoryLimit:  cfg.MemoryLimit,
		trendDays:    cfg.TrendDays,
		agentTimeout: cfg.AgentTimeout,
		phrases:      append([]string(nil), cfg.CrisisPhrases...),
	}
}

// SetCrisisPhrases replaces the safety phrase list, e.g. after a config reload
func (o *Orchestrator) SetCrisisPhrases(phrases []string) {
	o.mu.Lock()
	o.phrases = append([]string(nil), phrases...)
	o.mu.Unlock()
}

func (o *Orchestrator) crisisPhrases() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phrases
}

// GatherContext runs the memory, trend, safety and profile agents
// concurrently and merges their results. It never fails; it returns once
// every agent has finished or hit its timeout.
func (o *Orchestrator) GatherContext(ctx context.Context, userID, message string) Signals {
	log := logger.FromContext(logger.WithUserID(ctx, userID), o.logger)
	start := time.Now()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		degraded []string
		memories []history.Interaction
		trends   []analytics.TrendPoint
		safety   Safety
		profile  *history.Profile
	)
	markDegraded := func(name string) {
		mu.Lock()
		degraded = append(degraded, name)
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		var ok bool
		memories, ok = runAgent(ctx, o.agentTimeout, log, AgentMemory, []history.Interaction{},
			func(ctx context.Context) ([]history.Interaction, error) {
				if o.stores.Memory == nil {
					return nil, errors.ErrServiceUnavailable
				}
				return o.stores.Memory.RecentInteractions(ctx, userID, o.memoryLimit)
			})
		if !ok {
			markDegraded(AgentMemory)
		}
	}()
	go func() {
		defer wg.Done()
		var ok bool
		trends, ok = runAgent(ctx, o.agentTimeout, log, AgentTrend, []analytics.TrendPoint{},
			func(ctx context.Context) ([]analytics.TrendPoint, error) {
				if o.stores.Trends == nil {
					return nil, errors.ErrServiceUnavailable
				}
				return o.stores.Trends.EmotionalTrends(ctx, userID, o.trendDays)
			})
		if !ok {
			markDegraded(AgentTrend)
		}
	}()
	go func() {
		defer wg.Done()
		var ok bool
		phrases := o.crisisPhrases()
		safety, ok = runAgent(ctx, o.agentTimeout, log, AgentSafety, Safety{Note: safetyNoteClear},
			func(ctx context.Context) (Safety, error) {
				return ScanSafety(message, phrases), nil
			})
		if !ok {
			markDegraded(AgentSafety)
		}
	}()
	go func() {
		defer wg.Done()
		var ok bool
		profile, ok = runAgent(ctx, o.agentTimeout, log, AgentProfile, (*history.Profile)(nil),
			func(ctx context.Context) (*history.Profile, error) {
				if o.stores.Profiles == nil {
					return nil, errors.ErrServiceUnavailable
				}
				return o.stores.Profiles.GetProfile(ctx, userID)
			})
		if !ok {
			markDegraded(AgentProfile)
		}
	}()
	wg.Wait()

	signals := Signals{
		Memories:      memories,
		Trends:        trends,
		Safety:        safety,
		AvatarRefs:    []string{},
		SuggestedMode: DetectMode(message),
		Degraded:      degraded,
	}
	if signals.Memories == nil {
		signals.Memories = []history.Interaction{}
	}
	if signals.Trends == nil {
		signals.Trends = []analytics.TrendPoint{}
	}
	if profile != nil {
		signals.DisplayName = profile.DisplayName
		signals.VoiceID = profile.VoiceID
		if profile.AvatarRefs != nil {
			signals.AvatarRefs = profile.AvatarRefs
		}
	}
	if signals.Safety.Flagged {
		log.Warnw("Crisis language detected", logger.FieldMode, signals.SuggestedMode)
	}

	log.Debugw("Context gathered",
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		"memories", len(signals.Memories),
		"trends", len(signals.Trends),
		"degraded", signals.Degraded)
	return signals
}

// runAgent runs fn with its own timeout. A failure, timeout or panic yields
// fallback and false.
func runAgent[T any](ctx context.Context, timeout time.Duration, log *zap.SugaredLogger, name string, fallback T, fn func(context.Context) (T, error)) (T, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Newf("agent panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res = outcome{err: errors.Wrap(errors.ErrTimeout, ctx.Err().Error())}
	}

	if res.err != nil {
		if errors.Is(res.err, errors.ErrServiceUnavailable) {
			log.Debugw("Agent source not configured", logger.FieldAgent, name)
		} else {
			log.Warnw("Agent failed, continuing without it",
				logger.FieldAgent, name,
				logger.FieldError, res.err.Error())
		}
		return fallback, false
	}
	return res.value, true
}

// RecordInteraction derives the emotional tag, sentiment and mode of an
// exchange, then persists it to history and analytics in the background.
// The two writes are independent and their failures never reach the caller.
func (o *Orchestrator) RecordInteraction(ctx context.Context, userID, message, reply, mode string) RecordResult {
	result := RecordResult{
		EmotionalTag:   TagEmotion(message + " " + reply),
		SentimentScore: SentimentScore(reply),
		Mode:           mode,
	}
	if result.Mode == "" {
		result.Mode = DetectMode(message)
	}

	now := time.Now()
	if o.stores.History != nil {
		o.runner.Go(fmt.Sprintf("history.append:%s", userID), func(ctx context.Context) error {
			_, err := o.stores.History.AppendInteraction(ctx, history.Interaction{
				UserID:       userID,
				UserMessage:  message,
				AIResponse:   reply,
				EmotionalTag: result.EmotionalTag,
				Mode:         result.Mode,
				CreatedAt:    now,
			})
			return err
		})
	}
	if o.stores.Events != nil {
		o.runner.Go(fmt.Sprintf("analytics.record:%s", userID), func(ctx context.Context) error {
			return o.stores.Events.RecordEvent(ctx, analytics.Event{
				UserID:       userID,
				EmotionalTag: result.EmotionalTag,
				Mode:         result.Mode,
				Tags:         map[string]string{"source": "chat"},
				Score:        result.SentimentScore,
				RecordedAt:   now,
			})
		})
	}
	logger.FromContext(logger.WithUserID(ctx, userID), o.logger).Debugw("Interaction handed to background writers",
		logger.FieldMode, result.Mode,
		"emotional_tag", result.EmotionalTag)
	return result
}
