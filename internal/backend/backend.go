// Package backend opens the coordination store named in the configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cdcgroup/internal/config"
	"github.com/ryandielhenn/cdcgroup/pkg/coord"
	"github.com/ryandielhenn/cdcgroup/pkg/coord/etcdstore"
	"github.com/ryandielhenn/cdcgroup/pkg/coord/zkstore"
)

// Open connects to the configured store. sessionTTL is only used by
// ZooKeeper, whose session timeout is fixed per connection.
func Open(ctx context.Context, cfg config.StoreConfig, sessionTTL time.Duration, log *zap.Logger) (coord.Store, error) {
	switch cfg.Backend {
	case config.BackendEtcd:
		s, err := etcdstore.New(etcdstore.Config{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeout,
			Username:    cfg.Username,
			Password:    cfg.Password,
		}, log.Named("etcd"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendZookeeper:
		ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		s, err := zkstore.New(ctx, zkstore.Config{
			Servers:        cfg.Endpoints,
			Root:           cfg.Root,
			SessionTimeout: sessionTTL,
		}, log.Named("zookeeper"))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
