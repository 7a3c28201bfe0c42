package store

import (
	"context"
	"fmt"

	"github.com/mossy-p/realtime-core/config"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		m := NewMemory()
		m.AddUser(cfg.SeedUsers...)
		for groupID, members := range cfg.SeedGroups {
			m.SetGroup(groupID, members...)
		}
		return m, nil
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		lite, err := NewSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
