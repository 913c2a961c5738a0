// Package infra selects the queue store backend named by the configuration.
package infra

import (
	"cequeue/internal/config"
	"cequeue/internal/infra/memstore"
	"cequeue/internal/infra/redisq"
	"cequeue/internal/infra/sqlstore"
	"cequeue/internal/ports"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// OpenStore connects to the configured store. SQL stores are migrated when
// migrate is set.
func OpenStore(ctx context.Context, cfg *config.Config, migrate bool) (ports.QueueStore, error) {
	switch cfg.Store.Driver {
	case config.DriverRedis:
		cli := redisq.New(cfg.Redis)
		if err := cli.Connect(ctx); err != nil {
			_ = cli.Close()
			return nil, err
		}
		return cli, nil

	case config.DriverPostgres, config.DriverSQLite:
		s, err := sqlstore.Open(ctx, cfg.Store.Driver, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
		return s, nil

	case config.DriverMemory:
		log.Ctx(ctx).Warn().Msg("using the in-memory store, queue content is lost on exit")
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
