package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"nostrelay/pkg/config"
	"nostrelay/pkg/logger"
	"nostrelay/pkg/relay"
)

// Start launches the retention scheduler. Each tick of the configured cron
// expression runs one prune pass on the relay's storage sequence. Returns
// a cancel func; retention is disabled when no limits are configured.
func Start(ctx context.Context, cfg *config.Config, srv *relay.Server) (context.CancelFunc, error) {
	ret := cfg.Retention
	if ret.MaxEvents <= 0 && ret.MaxBytes == 0 && ret.MaxDays <= 0 {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := ret.Schedule
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", zap.String("cron", cronExpr))
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}

	logger.Info("retention_enabled",
		zap.String("cron", cronExpr),
		zap.Int64("max_events", ret.MaxEvents),
		zap.Uint64("max_bytes", ret.MaxBytes),
		zap.Int("max_days", ret.MaxDays))

	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, srv, cronExpr)
	return cancel, nil
}

func runScheduler(ctx context.Context, cfg *config.Config, srv *relay.Server, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", zap.String("cron", cronExpr), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}

		RunOnce(cfg, srv)
	}
}

// RunOnce executes a single retention pass.
func RunOnce(cfg *config.Config, srv *relay.Server) {
	ret := cfg.Retention
	maxAge := time.Duration(ret.MaxDays) * 24 * time.Hour
	start := time.Now()
	removed, err := srv.EnforceRetention(ret.MaxEvents, ret.MaxBytes, maxAge)
	if err != nil {
		logger.Error("retention_run_failed", zap.Error(err))
		return
	}
	logger.Info("retention_run_complete",
		zap.Int("removed", removed),
		zap.Duration("elapsed", time.Since(start)))
}
