package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/reza/kapten/internal/config"
	"github.com/reza/kapten/internal/logger"
	"github.com/reza/kapten/internal/observability"
	"github.com/reza/kapten/internal/tracing"
	"github.com/reza/kapten/pkg/cron"
	"github.com/reza/kapten/pkg/engine"
	"github.com/reza/kapten/pkg/gateway"
	"github.com/reza/kapten/pkg/permission"
	"github.com/reza/kapten/pkg/runner"
	"github.com/reza/kapten/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kapten gateway",
	Long: `Run the gateway server in the foreground: sessions, tool
confirmations, transcripts, scheduled jobs, and the WebSocket API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	log := lg.Zerolog()

	if err := tracing.InitOpenTelemetry("kapten", version); err != nil {
		log.Warn().Err(err).Msg("OpenTelemetry init failed, continuing without tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()
	observability.EnsureRegistered()

	store, err := session.NewStore(cfg.Session.DBPath, log)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	transcripts, err := session.NewTranscriptWriter(cfg.Session.TranscriptDir)
	if err != nil {
		return fmt.Errorf("failed to initialize transcripts: %w", err)
	}

	broker := permission.NewBroker(time.Duration(cfg.Permission.TimeoutSeconds)*time.Second, log)
	eng := engine.NewCLIEngine(engine.CLIConfig{
		Binary:    cfg.Engine.Binary,
		APIKeyEnv: cfg.Engine.APIKeyEnv,
		ExtraArgs: cfg.Engine.ExtraArgs,
	}, log)
	orch := runner.New(eng, broker, log)

	mcpServers := make(map[string]engine.MCPServer, len(cfg.MCPServers))
	for name, server := range cfg.MCPServers {
		mcpServers[name] = engine.MCPServer{
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
		}
	}

	server, err := gateway.NewServer(gateway.Config{
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		TickInterval: time.Duration(cfg.Gateway.TickIntervalSeconds) * time.Second,
		Orchestrator: orch,
		Store:        store,
		Transcripts:  transcripts,
		Defaults: gateway.StartDefaults{
			WorkingDir:   cfg.Defaults.WorkingDir,
			Model:        cfg.Defaults.Model,
			SystemPrompt: cfg.Defaults.SystemPrompt,
			AllowedTools: cfg.Defaults.AllowedTools,
			MCPServers:   mcpServers,
		},
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	cronSvc, err := cron.NewService(cron.ServiceOptions{
		StorePath:    cfg.Cron.StorePath,
		Enabled:      cfg.Cron.Enabled,
		StartSession: server.StartScheduledSession,
		OnEvent:      server.BroadcastCronEvent,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	server.AttachCron(cronSvc)

	watcher, err := config.NewWatcher(loader, log, func(next *config.Config) {
		applyReload(log, next)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Config watcher unavailable")
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	log.Info().
		Int("port", cfg.Gateway.Port).
		Str("engine", cfg.Engine.Binary).
		Msg("Kapten is running")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutdown signal received")

	if err := cronSvc.Stop(); err != nil {
		log.Error().Err(err).Msg("Scheduler shutdown failed")
	}
	if err := server.Stop(); err != nil {
		return fmt.Errorf("gateway shutdown failed: %w", err)
	}
	return nil
}

// applyReload applies the config fields that can change at runtime. The
// rest take effect on the next start.
func applyReload(log zerolog.Logger, next *config.Config) {
	if level, err := zerolog.ParseLevel(next.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("level", next.Logging.Level).Msg("Log level updated from config")
	}
	log.Info().Msg("Config reloaded, port and path changes apply on restart")
}
