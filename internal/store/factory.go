package store

import (
	"fmt"

	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/logging"
)

// New constructs the Decision Store backend named by cfg.Store.Type.
func New(cfg config.StoreConfig, logger logging.Logger) (Store, error) {
	switch cfg.Type {
	case config.StoreDistributed:
		return NewRedis(cfg.DistributedURL, logger)
	case config.StoreInMemory, "":
		return NewInMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
