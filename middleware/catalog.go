package middleware

import (
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"svckit/authz"
	"svckit/config"
	"svckit/log"
	"svckit/metrics"
	"svckit/resolver"
	"svckit/status"
)

// Names of the built-in units, as used in the configured order.
const (
	NameRecover      = "recover"
	NameRequestID    = "request_id"
	NameLogging      = "logging"
	NameTracing      = "tracing"
	NameMetrics      = "metrics"
	NameTimeout      = "timeout"
	NameRateLimit    = "rate_limit"
	NameRetry        = "retry"
	NameAuthenticate = "authenticate"
	NameAuthorize    = "authorize"
	NameCache        = "cache"
)

// Factory creates a unit from the middleware settings.
type Factory func(cfg config.Middleware) (Unit, error)

// Catalog maps unit names to factories.
type Catalog map[string]Factory

// Dependencies are the collaborators the built-in units need. Units whose
// dependency is missing cannot be built.
type Dependencies struct {
	Logger        log.Logger
	Metrics       *metrics.Collector
	Tracer        trace.Tracer
	Authenticator Authenticator
	Enforcer      authz.Enforcer
	// Store backs the cache unit. When nil, one RedisStore per catalog is
	// created if cfg.Redis.Address is set and a MemoryStore otherwise.
	Store Store
}

// DefaultCatalog returns the built-in units wired to deps.
func DefaultCatalog(deps Dependencies) Catalog {
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard
	}
	redisStore := resolver.Once(func(cfg config.Redis) (*RedisStore, error) {
		return NewRedisStore(redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})), nil
	})
	return Catalog{
		NameRecover:   func(config.Middleware) (Unit, error) { return Recover(logger), nil },
		NameRequestID: func(config.Middleware) (Unit, error) { return RequestID(), nil },
		NameLogging:   func(config.Middleware) (Unit, error) { return Logging(logger), nil },
		NameTracing: func(config.Middleware) (Unit, error) {
			tracer := deps.Tracer
			if tracer == nil {
				tracer = otel.Tracer("svckit")
			}
			return Tracing(tracer), nil
		},
		NameMetrics: func(config.Middleware) (Unit, error) {
			if deps.Metrics == nil {
				return nil, status.New(status.InvalidArgument, "metrics unit needs a collector")
			}
			return Metrics(deps.Metrics), nil
		},
		NameTimeout: func(cfg config.Middleware) (Unit, error) {
			return Timeout(cfg.Timeout.ToDuration()), nil
		},
		NameRateLimit: func(cfg config.Middleware) (Unit, error) {
			return RateLimit(cfg.RateLimit.Rate, cfg.RateLimit.Burst), nil
		},
		NameRetry: func(cfg config.Middleware) (Unit, error) {
			return Retry(cfg.Retry.Attempts, cfg.Retry.Backoff.ToDuration(), logger), nil
		},
		NameAuthenticate: func(config.Middleware) (Unit, error) {
			if deps.Authenticator == nil {
				return nil, status.New(status.InvalidArgument, "authenticate unit needs an authenticator")
			}
			return Authenticate(deps.Authenticator), nil
		},
		NameAuthorize: func(config.Middleware) (Unit, error) {
			if deps.Enforcer == nil {
				return nil, status.New(status.InvalidArgument, "authorize unit needs an enforcer")
			}
			return Authorize(deps.Enforcer), nil
		},
		NameCache: func(cfg config.Middleware) (Unit, error) {
			store := deps.Store
			switch {
			case store != nil:
			case cfg.Redis.Address != "":
				rs, err := redisStore.Resolve(cfg.Redis)
				if err != nil {
					return nil, err
				}
				store = rs
			default:
				store = NewMemoryStore()
			}
			return Cache(store, cfg.CacheTTL.ToDuration(), logger), nil
		},
	}
}

// Build creates the pipeline listed in cfg.Order from catalog. The order is
// kept exactly as configured.
func Build(cfg config.Middleware, catalog Catalog) (*Pipeline, error) {
	cfg.Sanitize()
	units := make([]Unit, 0, len(cfg.Order))
	for _, name := range cfg.Order {
		factory, ok := catalog[name]
		if !ok {
			return nil, status.Newf(status.InvalidArgument, "unknown middleware %q", name)
		}
		unit, err := factory(cfg)
		if err != nil {
			return nil, status.Wrapf(status.KindOf(err), err, "build middleware %q", name)
		}
		units = append(units, unit)
	}
	return New(units...), nil
}
