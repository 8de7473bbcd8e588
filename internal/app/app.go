package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nostrelay/internal/retention"
	"nostrelay/pkg/banner"
	"nostrelay/pkg/config"
	"nostrelay/pkg/logger"
	"nostrelay/pkg/query"
	"nostrelay/pkg/relay"
	"nostrelay/pkg/store"
)

// App wires the relay components together and owns their lifecycle.
type App struct {
	cfg     *config.Config
	source  string
	version string

	store  *store.Store
	engine *query.Engine
	relay  *relay.Server
}

// New opens the store and builds the relay core. It does not start any
// sequences or listeners; call Run to start and block until shutdown.
func New(cfg *config.Config, source, version string) (*App, error) {
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", cfg.Storage.DBPath, err)
	}

	engine := query.NewEngine(st,
		cfg.Query.CacheSize,
		time.Duration(cfg.Query.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Query.SlowThresholdMS)*time.Millisecond)

	limits := relay.Limits{
		MaxConnections:   cfg.Limits.MaxConnections,
		MaxSubsPerConn:   cfg.Limits.MaxSubsPerConn,
		MaxEventSize:     cfg.Limits.MaxEventSize,
		MaxEventsPerMin:  cfg.Limits.MaxEventsPerMin,
		MaxReqsPerMin:    cfg.Limits.MaxReqsPerMin,
		MaxFiltersPerReq: cfg.Limits.MaxFiltersPerReq,
		MaxSubIDLen:      cfg.Limits.MaxSubIDLen,
		ReplayLimit:      cfg.Limits.ReplayLimit,
	}

	return &App{
		cfg:     cfg,
		source:  source,
		version: version,
		store:   st,
		engine:  engine,
		relay:   relay.NewServer(limits, st, engine),
	}, nil
}

// Run starts the relay sequences, the retention scheduler, and the HTTP
// listener, then blocks until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.relay.Start()
	defer a.relay.Stop()
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Error("store_close_failed", zap.Error(err))
		}
	}()

	retCancel, err := retention.Start(ctx, a.cfg, a.relay)
	if err != nil {
		return err
	}
	defer retCancel()

	banner.Print(a.cfg, a.source, a.version)

	errCh := a.startHTTP(ctx)
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
