package fixture

import (
	"context"
	"fmt"

	"github.com/sweeney/eol-tester/internal/config"
	"github.com/sweeney/eol-tester/internal/kv"
)

// OpenStore builds the configured threshold backend. The returned close function is
// never nil.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (kv.Store, func() error, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		db, err := kv.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return kv.NewSQLite(db), db.Close, nil
	case config.StoreRedis:
		r, err := kv.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return r, r.Close, nil
	case config.StoreMemory:
		return kv.NewMemory(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("%w: store.driver %q", config.ErrInvalid, cfg.Driver)
}
