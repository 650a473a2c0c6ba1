package registry

import (
	"context"

	"svckit/config"
	"svckit/log"
	"svckit/status"
)

// Open builds the backend named by cfg.Kind.
func Open(ctx context.Context, cfg config.Backend, logger log.Logger) (Backend, error) {
	if logger == nil {
		logger = log.Discard
	}
	logger = logger.With("backend", cfg.Kind)

	switch cfg.Kind {
	case config.BackendEtcd:
		backend, err := NewEtcdBackend(ctx, EtcdConfig{
			Endpoints:      cfg.Endpoints,
			Prefix:         cfg.Prefix,
			DialTimeout:    cfg.DialTimeout.ToDuration(),
			RequestTimeout: cfg.RequestTimeout.ToDuration(),
			Username:       cfg.Username,
			Password:       cfg.Password,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.BackendConsul:
		backend, err := NewConsulBackend(ctx, ConsulConfig{
			Address:        cfg.Address,
			Token:          cfg.Token,
			Datacenter:     cfg.Datacenter,
			RequestTimeout: cfg.RequestTimeout.ToDuration(),
			WaitTime:       cfg.WaitTime.ToDuration(),
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	case config.BackendMemory:
		return NewMemoryBackend(
			WithSweepInterval(cfg.SweepInterval.ToDuration()),
			WithMemoryLogger(logger),
		), nil
	default:
		return nil, status.Newf(status.InvalidArgument, "unknown backend kind %q", cfg.Kind)
	}
}
