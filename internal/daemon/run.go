// Package daemon wires the runtime together: configuration, stores, the
// node fleet, the orchestrator, and the HTTP/WebSocket ingress.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"conductor/internal/config"
	"conductor/internal/contextmgr"
	"conductor/internal/events"
	"conductor/internal/fleet"
	"conductor/internal/history"
	"conductor/internal/llm"
	llmanthropic "conductor/internal/llm/anthropic"
	llmopenai "conductor/internal/llm/openai"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/persistence"
	"conductor/internal/quota"
	"conductor/internal/requests"
	"conductor/internal/sessions"
)

type app struct {
	cfg      *config.Config
	bus      *events.Bus
	mirror   *events.KafkaMirror
	hist     *history.Store
	quota    *quota.Controller
	tracker  *requests.Tracker
	fleet    *fleet.Manager
	sessions *sessions.Registry
	contexts *contextmgr.Manager
	orch     *orchestrator.Orchestrator
	gateway  *gateway
	echo     *echo.Echo
}

// Run boots the daemon and blocks until SIGINT/SIGTERM.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.shutdown()

	go a.maintenanceLoop(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()
	log.Info().Str("addr", addr).Msg("conductor daemon started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// maintenanceLoop expires aged checkpoints in the background.
func (a *app) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := a.hist.ExpireCheckpoints(ctx, now); err != nil {
				log.Warn().Err(err).Msg("checkpoint expiry failed")
			} else if n > 0 {
				log.Info().Int64("count", n).Msg("expired checkpoints removed")
			}
		}
	}
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	bus := events.NewBus()

	var mirror *events.KafkaMirror
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		mirror = events.NewKafkaMirror(bus, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka event mirror enabled")
	}

	hist, err := history.Open(ctx, cfg.DataPath)
	if err != nil {
		bus.Close()
		return nil, err
	}

	locker := persistence.NewLocker(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	qc := quota.New(quota.Config{
		RequestsPerMinute: cfg.Quota.RequestsPerMinute,
		TokensPerDay:      cfg.Quota.TokensPerDay,
		ConcurrentStreams: cfg.Quota.ConcurrentStreams,
	})
	tracker := requests.New(0)

	client := buildLLMClient(cfg)
	if client == nil {
		log.Warn().Msg("no llm provider configured; proxy requests will fail with llm_unavailable")
	}

	nodesPath := cfg.Fleet.NodesPath
	if nodesPath == "" {
		nodesPath = filepath.Join(cfg.DataPath, "nodes.json")
	}

	mgr := fleet.NewManager(fleet.Options{
		Config: fleet.Config{
			HeartbeatInterval:  cfg.Fleet.HeartbeatInterval,
			HeartbeatTimeout:   cfg.Fleet.HeartbeatTimeout,
			DefaultTaskTimeout: cfg.Fleet.DefaultTaskTimeout,
		},
		Bus:       bus,
		Quota:     qc,
		Tracker:   tracker,
		Store:     persistence.NewJSONFileStore(nodesPath),
		Locker:    locker,
		LLMClient: func() llm.Client { return client },
	})
	mgr.Start()

	sess := sessions.New(hist)
	cm := contextmgr.New(cfg.Context, hist, client, cfg.LLM.CompressionModel)

	single := &orchestrator.SingleRoundStrategy{Fleet: mgr, Direct: client}
	orch := orchestrator.New(orchestrator.Options{
		Sessions:      sess,
		History:       hist,
		Contexts:      cm,
		Fleet:         mgr,
		Bus:           bus,
		Strategy:      single,
		ReactStrategy: &orchestrator.ReActStrategy{Inner: single, Fleet: mgr},
	})

	a := &app{
		cfg:      cfg,
		bus:      bus,
		mirror:   mirror,
		hist:     hist,
		quota:    qc,
		tracker:  tracker,
		fleet:    mgr,
		sessions: sess,
		contexts: cm,
		orch:     orch,
	}
	a.gateway = newGateway(a)
	a.echo = a.routes()
	return a, nil
}

func buildLLMClient(cfg *config.Config) llm.Client {
	switch llm.NormalizeProvider(cfg.LLM.Provider) {
	case "anthropic":
		if cfg.LLM.Anthropic.APIKey == "" {
			return nil
		}
		return llmanthropic.New(cfg.LLM.Anthropic, nil)
	default:
		if cfg.LLM.OpenAI.APIKey == "" {
			return nil
		}
		return llmopenai.New(cfg.LLM.OpenAI, nil)
	}
}

func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", a.handleHealth)

	e.POST("/api/nodes/register", a.handleRegisterNode)
	e.GET("/api/nodes", a.handleListNodes)
	e.DELETE("/api/nodes/:id", a.handleUnregisterNode)
	e.POST("/api/nodes/:id/heartbeat", a.handleHeartbeat)
	e.POST("/api/nodes/:id/result", a.handleTaskResult)
	e.POST("/api/tasks", a.handleAssignTask)

	e.POST("/api/chat", a.handleChat)
	e.POST("/api/llm", a.handleLLMProxy)
	e.POST("/api/requests/:id/cancel", a.handleCancelRequest)

	e.POST("/api/conversations/:id/archive", a.handleArchive)
	e.GET("/api/conversations/:id/checkpoints", a.handleListCheckpoints)
	e.POST("/api/conversations/:id/rollback", a.handleRollback)

	e.GET("/ws/nodes", a.gateway.handleConnection)
	return e
}

func (a *app) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.echo != nil {
		_ = a.echo.Shutdown(shutdownCtx)
	}
	a.fleet.Stop()
	a.tracker.Close()
	if a.mirror != nil {
		_ = a.mirror.Close()
	}
	a.bus.Close()
	if err := a.hist.Close(); err != nil {
		log.Error().Err(err).Msg("history close failed")
	}
}
