package commands

import (
	"context"
	"database/sql"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekho-app/ekho/agent"
	"github.com/ekho-app/ekho/ai/persona"
	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/analytics"
	"github.com/ekho-app/ekho/artifact"
	"github.com/ekho-app/ekho/chat"
	"github.com/ekho-app/ekho/db"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/generation"
	"github.com/ekho-app/ekho/generation/vertex"
	"github.com/ekho-app/ekho/history"
	"github.com/ekho-app/ekho/logger"
	"github.com/ekho-app/ekho/pulse/async"
	"github.com/ekho-app/ekho/server"
	"github.com/ekho-app/ekho/version"
	"github.com/ekho-app/ekho/voice"
)

// ServeCmd starts the HTTP API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the ekho HTTP API",
	Long: `Start the ekho HTTP API.

Video generation is enabled when Vertex AI credentials resolve; voice when
voice.enabled is set. Without them the corresponding endpoints answer 503
and chat still works. am.toml changes to allowed origins, the rate limit
and crisis phrases apply without a restart.`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides database.path)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}
	if err := cfg.Validate(); err != nil {
		return errors.WithHint(err, "run 'ekho am show' to inspect the effective configuration")
	}

	ctx := context.Background()
	log := logger.ComponentLogger("serve")

	conn, err := db.OpenAndMigrate(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	store, err := artifact.NewFromConfig(ctx, cfg.Storage, cfg.Server.PublicBaseURL, logger.ComponentLogger("artifact"))
	if err != nil {
		return errors.Wrap(err, "failed to open artifact store")
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	srv, err := buildServer(ctx, cfg, conn, store, log)
	if err != nil {
		return err
	}

	if watcher := watchConfig(srv, log); watcher != nil {
		defer watcher.Stop()
	}

	printStartupBanner(cfg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(cfg.Server.Port, time.Duration(cfg.Generation.JobRetentionHours)*time.Hour)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server stopped")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()
		select {
		case err := <-shutdownDone:
			if err != nil {
				pterm.Warning.Printfln("Shutdown finished with errors: %v", err)
			}
			return nil
		case <-sigChan:
			pterm.Warning.Println("Forced shutdown")
			os.Exit(1)
		}
	}
	return nil
}

// buildServer wires every service from configuration
func buildServer(ctx context.Context, cfg *am.Config, conn *sql.DB, store artifact.Store, log *zap.SugaredLogger) (*server.Server, error) {
	hist := history.NewStore(conn, logger.ComponentLogger("history"))
	tracker := analytics.NewTracker(conn)

	runner := async.NewRunner(context.Background(),
		am.Seconds(cfg.Fanout.WriteTimeoutSeconds, 10*time.Second),
		logger.ComponentLogger("pulse"))

	agents := agent.NewOrchestrator(agent.Stores{
		Memory:   hist,
		Profiles: hist,
		History:  hist,
		Trends:   tracker,
		Events:   tracker,
	}, runner, agent.ConfigFromAm(cfg.Fanout), logger.ComponentLogger("agent"))

	p, err := persona.New(cfg.Persona, logger.ComponentLogger("persona"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure persona model")
	}
	if !p.Enabled() {
		log.Infow("Persona model not configured, replies use stub text")
	}

	var videos *generation.Orchestrator
	if cfg.Storage.Backend != "gcs" {
		// Vertex reads reference images from GCS only
		log.Warnw("Video generation disabled", "reason", "storage.backend must be gcs for Vertex AI", "backend", cfg.Storage.Backend)
	} else if remote, err := vertex.NewClientFromConfig(ctx, cfg.Generation, logger.ComponentLogger("vertex")); err != nil {
		log.Warnw("Video generation disabled", logger.FieldError, err.Error())
	} else {
		videos = generation.NewOrchestrator(remote, store, async.NewRegistry(logger.ComponentLogger("jobs")),
			generation.ConfigFromAm(cfg.Generation), logger.ComponentLogger("generation"))
	}

	var voiceSvc *voice.Service
	if cfg.Voice.Enabled {
		client := voice.NewClient(voice.ConfigFromAm(cfg.Voice, logger.ComponentLogger("voice")))
		voiceSvc = voice.NewService(client, store, hist,
			am.Seconds(cfg.Generation.SignedURLTTLSeconds, time.Hour), logger.ComponentLogger("voice"))
	}

	chatSvc := &chat.Service{
		Agents:   agents,
		Persona:  p,
		Videos:   videos,
		Voice:    voiceSvc,
		Profiles: hist,
		Logger:   logger.ComponentLogger("chat"),
	}

	return server.New(server.Deps{
		Chat:      chatSvc,
		Agents:    agents,
		Videos:    videos,
		Voice:     voiceSvc,
		History:   hist,
		Analytics: tracker,
		Store:     store,
		Runner:    runner,
		Version:   version.Get().Version,
	}, cfg.Server, logger.ComponentLogger("server"))
}

// watchConfig reloads live settings when the nearest am.toml changes
func watchConfig(srv *server.Server, log *zap.SugaredLogger) *am.ConfigWatcher {
	path := am.ProjectConfigPath()
	if path == "" {
		path = am.UserConfigPath()
	}
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path, logger.ComponentLogger("am"))
	if err != nil {
		log.Warnw("Config hot reload unavailable", logger.FieldError, err.Error())
		return nil
	}
	watcher.OnReload(srv.ApplyConfig)
	watcher.Start()
	log.Infow("Watching configuration", "path", path)
	return watcher
}

func printStartupBanner(cfg *am.Config) {
	info := version.Get()
	pterm.DefaultHeader.WithFullWidth().Println("ekho")
	pterm.Info.Printfln("Version:   %s (commit %s)", info.Version, info.Short())
	pterm.Info.Printfln("Listening: http://localhost:%d", cfg.Server.Port)
	pterm.Info.Printfln("Database:  %s", cfg.Database.Path)
	pterm.Info.Printfln("Storage:   %s", cfg.Storage.Backend)
	pterm.Info.Printfln("Persona:   %s", orDefault(cfg.Persona.Provider, string(persona.ProviderStub)))
	pterm.Info.Println("Press Ctrl+C to stop")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
