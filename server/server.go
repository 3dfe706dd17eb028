// Package server exposes ekho over HTTP: chat, avatar and video generation,
// job status, voice cloning, insights, and a websocket stream of job updates.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ekho-app/ekho/agent"
	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/analytics"
	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/chat"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/generation"
	"github.com/ekho-app/ekho/history"
	"github.com/ekho-app/ekho/pulse/async"
	"github.com/ekho-app/ekho/voice"
)

// Deps are the services the API is built on. Videos and Voice may be nil;
// their endpoints then answer 503.
type Deps struct {
	Chat      *chat.Service
	Agents    *agent.Orchestrator
	Videos    *generation.Orchestrator
	Voice     *voice.Service
	History   *history.Store
	Analytics *analytics.Tracker
	Store     artifact.Store
	Runner    *async.Runner
	Version   string
}

// Server is the ekho HTTP API
type Server struct {
	deps    Deps
	config  am.ServerConfig
	logger  *zap.SugaredLogger
	router  chi.Router
	limiter *userLimiter

	httpServer *http.Server

	// Job stream clients
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	originsMu      sync.RWMutex
	allowedOrigins []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state          atomic.Int32
	broadcastDrops atomic.Int64
}

// New builds the server and its routes. Nothing listens until Start.
func New(deps Deps, cfg am.ServerConfig, logger *zap.SugaredLogger) (*Server, error) {
	if deps.Chat == nil {
		return nil, errors.New("chat service is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:           deps,
		config:         cfg,
		logger:         logger,
		limiter:        newUserLimiter(cfg.RateLimitPerMinute),
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		allowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		ctx:            ctx,
		cancel:         cancel,
	}
	s.setState(ServerStateRunning)
	s.router = s.routes()
	return s, nil
}

// Handler returns the routed API, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ApplyConfig takes live-reloadable settings from a reloaded am.toml
func (s *Server) ApplyConfig(cfg *am.Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	s.originsMu.Lock()
	s.allowedOrigins = append([]string(nil), cfg.Server.AllowedOrigins...)
	s.originsMu.Unlock()

	s.limiter.SetRate(cfg.Server.RateLimitPerMinute)
	if s.deps.Agents != nil {
		s.deps.Agents.SetCrisisPhrases(cfg.Fanout.CrisisPhrases)
	}
	s.logger.Infow("Applied reloaded configuration",
		"allowed_origins", len(cfg.Server.AllowedOrigins),
		"rate_limit_per_minute", cfg.Server.RateLimitPerMinute,
		"crisis_phrases", len(cfg.Fanout.CrisisPhrases))
	return nil
}

// Run is the job stream hub: it owns client registration until the server stops.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case client := <-s.register:
			s.mu.Lock()
			if len(s.clients) >= MaxClients {
				s.mu.Unlock()
				s.logger.Warnw("Job stream client rejected, too many clients", "max_clients", MaxClients)
				client.close()
				continue
			}
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Debugw("Job stream client connected", "client_id", client.id, "clients", count)
		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.close()
			}
			s.mu.Unlock()
		}
	}
}
