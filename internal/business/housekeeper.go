package business

import (
	"context"
	"fmt"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/usagipass/gateway/internal/config"
	"github.com/usagipass/gateway/internal/session"
)

// HousekeeperMain starts the house keeping jobs
func HousekeeperMain(ctx context.Context, cfg *config.Config) error {
	if cfg.SessionStore.Backend == config.SessionStoreMemory {
		return fmt.Errorf("the %s session store is private to the api server, which does its own housekeeping", cfg.SessionStore.Backend)
	}

	deps, err := initSessionManager(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise the session manager: %w", err)
	}
	defer deps.close()

	runHousekeeping(ctx, deps.manager, &cfg.Housekeeper)

	return nil
}

// runHousekeeping triggers housekeeping right away and then on every tick until ctx is done.
func runHousekeeping(ctx context.Context, manager *session.Manager, cfg *config.Housekeeper) {
	interval := cfg.TriggerInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := manager.TriggerHousekeeping(ctx, cfg.ConcurrencyLimit, cfg.RefreshLeeway)
		if err != nil {
			slogctx.Error(ctx, "Error during session housekeeping", "error", err)
		}

		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return
		}
	}
}
