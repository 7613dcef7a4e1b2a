// Package app wires every collaborator of the orchestrator process
// together, the way the teacher's internal/app package builds Postgres,
// the router, repos, and services behind one New()/Start()/Run()/Close()
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/config"
	"github.com/yungbote/neurobridge-backend/internal/httpapi"
	"github.com/yungbote/neurobridge-backend/internal/phase"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
	"github.com/yungbote/neurobridge-backend/internal/queue"
	"github.com/yungbote/neurobridge-backend/internal/spawner"

	"github.com/yungbote/neurobridge-backend/internal/orchestrator"
)

type App struct {
	Log          *logger.Logger
	Cfg          config.Config
	Orchestrator *orchestrator.Orchestrator
	Server       *httpapi.Server
	Queue        *queue.Consumer

	store  orchestrator.Store
	alarms orchestrator.AlarmClock
	cancel context.CancelFunc
}

// New builds the full dependency graph from environment configuration.
// It fails fast on anything that cannot be reached at startup, mirroring
// the teacher's init-or-die app.New().
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := orchestrator.NewPostgresStore(log, cfg.DatabaseURL)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init batch store: %w", err)
	}

	alarms, err := orchestrator.NewRedisAlarmClock(log, cfg.RedisAddr)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init alarm clock: %w", err)
	}

	spawnerClient, err := spawner.New(log, spawner.Config{
		BaseURL:    cfg.FlyAPIBaseURL,
		AppName:    cfg.FlyAppName,
		Token:      cfg.FlyAPIToken,
		Region:     cfg.FlyRegion,
		MaxRetries: 2,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init spawner: %w", err)
	}

	registry := phase.NewRegistry()
	registry.Register(phase.NewTIFFConversion(phase.ManifestFinalizeTag, cfg.MaxRetryAttempts))
	registry.Register(phase.NewManifestFinalize())

	orch := orchestrator.New(store, alarms, registry, spawnerClient, nil, orchestrator.Config{
		BatchSizePhase:       cfg.BatchSizePhase,
		AlarmDelayPhase:      cfg.AlarmDelayPhase,
		AlarmDelayErrorRetry: cfg.AlarmDelayErrorRetry,
		MaxRetryAttempts:     cfg.MaxRetryAttempts,
		OrchestratorBaseURL:  cfg.OrchestratorURL,
		WorkerImage:          cfg.FlyWorkerImage,
		Resource:             phase.ResourceShape{MemoryMB: 1024, CPUs: 1, CPUKind: "shared", Region: cfg.FlyRegion},
		ObjectStore:          cfg.ObjectStore,
	}, log)

	server := httpapi.NewServer(log, orch, "orchestratord")

	consumer, err := queue.New(log, orch, queue.Config{
		URL:     cfg.NATSURL,
		Stream:  cfg.NATSStream,
		Subject: cfg.NATSSubject,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init queue consumer: %w", err)
	}

	return &App{
		Log:          log,
		Cfg:          cfg,
		Orchestrator: orch,
		Server:       server,
		Queue:        consumer,
		store:        store,
		alarms:       alarms,
	}, nil
}

// Start launches the background alarm loop and queue consumer. Safe to
// call once; a second call is a no-op.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.Orchestrator.RunLoop(ctx, time.Second, 50)
	go a.Queue.Run(ctx)
}

// Run blocks serving HTTP on addr.
func (a *App) Run(addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
