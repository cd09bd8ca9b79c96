package business

import (
	"context"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/pressly/goose/v3"
	"github.com/samber/oops"

	// Register pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"

	slogctx "github.com/veqryn/slog-context"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/usagipass/gateway/internal/config"
	migrations "github.com/usagipass/gateway/sql"
)

const migrationDialect = "pgx"

// MigrateMain applies the postgres session store migrations. Other
// backends have no schema, so there is nothing to do for them.
func MigrateMain(ctx context.Context, cfg *config.Config) error {
	if cfg.SessionStore.Backend != config.SessionStorePostgres {
		slogctx.Info(ctx, "Session store has no migrations, skipping", "backend", cfg.SessionStore.Backend)
		return nil
	}

	dbSystemName := semconv.DBSystemNamePostgreSQL

	connStr, err := config.MakeConnStr(cfg.Database)
	if err != nil {
		return fmt.Errorf("making connection string from config: %w", err)
	}

	db, err := otelsql.Open(migrationDialect, connStr, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return oops.In("migrate").Wrapf(err, "opening DB connection")
	}
	defer db.Close()

	reg, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystemName))
	if err != nil {
		return fmt.Errorf("registering db stats metrics: %w", err)
	}

	defer func() {
		if err := reg.Unregister(); err != nil {
			slogctx.Error(ctx, "failed to unregister db stats metrics", "error", err)
		}
	}()

	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect(migrationDialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	slogctx.Info(ctx, "Session store schema is up to date", "version", version)

	return nil
}
