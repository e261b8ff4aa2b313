package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/philippgille/chromem-go"
	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/tierd/internal/accessfilter"
	"github.com/fyrsmithlabs/tierd/internal/clearance"
	"github.com/fyrsmithlabs/tierd/internal/config"
	"github.com/fyrsmithlabs/tierd/internal/embeddings"
	"github.com/fyrsmithlabs/tierd/internal/llmrouter"
	"github.com/fyrsmithlabs/tierd/internal/logging"
	"github.com/fyrsmithlabs/tierd/internal/permissions"
	"github.com/fyrsmithlabs/tierd/internal/retrieval"
	"github.com/fyrsmithlabs/tierd/internal/semcache"
	"github.com/fyrsmithlabs/tierd/internal/telemetry"
)

const (
	clearanceCachePrefix = "tierd:clearance:"
	semcachePrefix       = "tierd:semcache:"
)

// dependencies holds the infrastructure clients a command needs. Each is
// created on first use and released by Close.
type dependencies struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry

	db       *gorm.DB
	store    *permissions.Store
	redis    *redis.Client
	nats     *nats.Conn
	qdrant   *qdrant.Client
	embedder embeddings.Provider
}

// initDependencies loads configuration and sets up logging and telemetry.
func initDependencies(ctx context.Context, configPath string) (*dependencies, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.FromObservability(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if lp := tel.LoggerProvider(); lp != nil {
		if logger, err = logging.NewLogger(logCfg, lp); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	return &dependencies{cfg: cfg, logger: logger, telemetry: tel}, nil
}

// zap returns the underlying logger for packages that take *zap.Logger.
func (d *dependencies) zap() *zap.Logger {
	return d.logger.Underlying()
}

// Close releases every client that was opened.
func (d *dependencies) Close(ctx context.Context) {
	if d.nats != nil {
		_ = d.nats.Drain()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.qdrant != nil {
		_ = d.qdrant.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
	if d.db != nil {
		if sqlDB, err := d.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := d.telemetry.Shutdown(ctx); err != nil {
		d.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = d.logger.Sync()
}

// permissionStore opens the permission database, migrating it when
// auto_migrate is set.
func (d *dependencies) permissionStore(ctx context.Context) (*permissions.Store, error) {
	if d.store != nil {
		return d.store, nil
	}
	dbCfg := d.cfg.Database
	db, err := permissions.Open(permissions.DBConfig{
		Driver:          dbCfg.Driver,
		DSN:             dbCfg.DSN.Value(),
		MaxOpenConns:    dbCfg.MaxOpenConns,
		MaxIdleConns:    dbCfg.MaxIdleConns,
		ConnMaxLifetime: dbCfg.ConnMaxLifetime.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open permission database: %w", err)
	}
	d.db = db
	store := permissions.NewStore(db, d.zap())
	if dbCfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate permission database: %w", err)
		}
	}
	d.store = store
	d.logger.Info(ctx, "permission store ready",
		zap.String("driver", dbCfg.Driver),
		zap.Bool("auto_migrate", dbCfg.AutoMigrate))
	return store, nil
}

func (d *dependencies) redisClient() *redis.Client {
	if d.redis == nil {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     d.cfg.Redis.Addr,
			Password: d.cfg.Redis.Password.Value(),
			DB:       d.cfg.Redis.DB,
		})
	}
	return d.redis
}

// clearanceService builds the resolver with its cache and, when NATS is
// configured, the cross-instance invalidation channel.
func (d *dependencies) clearanceService(ctx context.Context) (*clearance.Service, error) {
	store, err := d.permissionStore(ctx)
	if err != nil {
		return nil, err
	}

	var cache clearance.Cache
	switch d.cfg.Clearance.CacheBackend {
	case "redis":
		cache = clearance.NewRedisCache(d.redisClient(), clearanceCachePrefix)
	default:
		cache = clearance.NewMemoryCache()
	}

	metrics, err := clearance.NewMetrics(otel.Meter("github.com/fyrsmithlabs/tierd/internal/clearance"))
	if err != nil {
		return nil, fmt.Errorf("failed to create clearance metrics: %w", err)
	}
	opts := []clearance.ServiceOption{
		clearance.WithCacheTTL(d.cfg.Clearance.CacheTTL.Duration()),
		clearance.WithLogger(d.zap()),
		clearance.WithMetrics(metrics),
	}

	if d.cfg.NATS.Enabled() {
		nc, err := nats.Connect(d.cfg.NATS.URL,
			nats.Name("tierd"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS at %s: %w", d.cfg.NATS.URL, err)
		}
		d.nats = nc
		opts = append(opts, clearance.WithBroadcaster(clearance.NewNATSBroadcaster(nc, d.cfg.NATS.Subject)))
		d.logger.Info(ctx, "connected to NATS", zap.String("url", d.cfg.NATS.URL))
	}

	svc, err := clearance.NewService(store, cache, opts...)
	if err != nil {
		return nil, err
	}
	if d.nats != nil {
		if err := svc.ListenInvalidations(ctx); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (d *dependencies) embeddingProvider(ctx context.Context) (embeddings.Provider, error) {
	if d.embedder != nil {
		return d.embedder, nil
	}
	ec := d.cfg.Embeddings
	p, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: ec.Provider,
		Model:    ec.Model,
		BaseURL:  ec.BaseURL,
		CacheDir: ec.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	d.embedder = p
	d.logger.Info(ctx, "embedding provider initialized",
		zap.String("provider", ec.Provider),
		zap.String("model", ec.Model),
		zap.Int("dimension", p.Dimension()))
	return p, nil
}

// retriever connects the configured retrieval backend and makes sure its
// collection or table exists.
func (d *dependencies) retriever(ctx context.Context) (retrieval.Retriever, error) {
	rc := d.cfg.Retrieval
	backend, err := accessfilter.ParseBackend(rc.Backend)
	if err != nil {
		return nil, err
	}

	opts := []retrieval.Option{retrieval.WithLogger(d.zap())}
	switch backend {
	case accessfilter.BackendQdrant:
		client, err := qdrant.NewClient(&qdrant.Config{
			Host:   rc.QdrantHost,
			Port:   rc.QdrantPort,
			APIKey: rc.QdrantKey.Value(),
			UseTLS: rc.QdrantTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		d.qdrant = client
		opts = append(opts, retrieval.WithQdrant(client, rc.Collection))
	case accessfilter.BackendChromem:
		db := chromem.NewDB()
		if rc.ChromemPath != "" {
			if db, err = chromem.NewPersistentDB(rc.ChromemPath, false); err != nil {
				return nil, fmt.Errorf("failed to open chromem database: %w", err)
			}
		}
		col, err := db.GetOrCreateCollection(rc.Collection, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open chromem collection: %w", err)
		}
		opts = append(opts, retrieval.WithChromem(col))
	case accessfilter.BackendSQL:
		if _, err := d.permissionStore(ctx); err != nil {
			return nil, err
		}
		opts = append(opts, retrieval.WithDB(d.db))
	}

	r, err := retrieval.New(backend, opts...)
	if err != nil {
		return nil, err
	}
	switch r := r.(type) {
	case *retrieval.QdrantRetriever:
		size := uint64(rc.VectorSize)
		if d.embedder != nil && d.embedder.Dimension() > 0 {
			size = uint64(d.embedder.Dimension())
		}
		if err := r.EnsureCollection(ctx, size); err != nil {
			return nil, err
		}
	case *retrieval.SQLRetriever:
		if d.cfg.Database.AutoMigrate {
			if err := r.Migrate(ctx); err != nil {
				return nil, err
			}
		}
	}
	d.logger.Info(ctx, "retriever ready",
		zap.String("backend", string(backend)),
		zap.String("collection", rc.Collection))
	return r, nil
}

// semanticCaches builds the enabled cache tiers over one shared backend.
// A disabled tier is returned as nil.
func (d *dependencies) semanticCaches(embedder semcache.Embedder) (contexts, responses *semcache.Cache, err error) {
	cc := d.cfg.Cache
	if !cc.Context.Enabled && !cc.Response.Enabled {
		return nil, nil, nil
	}

	var backend semcache.Backend
	switch cc.Backend {
	case "redis":
		backend = semcache.NewRedisBackend(d.redisClient(), semcachePrefix)
	default:
		if backend, err = semcache.NewChromemBackend(""); err != nil {
			return nil, nil, err
		}
	}

	opts := []semcache.Option{
		semcache.WithLogger(d.zap()),
		semcache.WithMetrics(semcache.NewMetrics()),
	}
	if cc.EncryptionKey.IsSet() {
		cipher, err := semcache.NewCipher([]byte(cc.EncryptionKey.Value()))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create cache cipher: %w", err)
		}
		opts = append(opts, semcache.WithCipher(cipher))
	}

	if cc.Context.Enabled {
		if contexts, err = semcache.New(semcache.TierContext, tierConfig(semcache.TierContext, cc.Context), backend, embedder, opts...); err != nil {
			return nil, nil, err
		}
	}
	if cc.Response.Enabled {
		if responses, err = semcache.New(semcache.TierResponse, tierConfig(semcache.TierResponse, cc.Response), backend, embedder, opts...); err != nil {
			return nil, nil, err
		}
	}
	return contexts, responses, nil
}

// tierConfig overlays the configured values on the tier defaults.
func tierConfig(tier semcache.Tier, c config.CacheTierConfig) semcache.TierConfig {
	tc := semcache.DefaultTierConfig(tier)
	if c.DistanceThreshold > 0 {
		tc.DistanceThreshold = float32(c.DistanceThreshold)
	}
	if c.TTL > 0 {
		tc.TTL = c.TTL.Duration()
	}
	if c.MaxEntries > 0 {
		tc.MaxEntries = c.MaxEntries
	}
	if c.MinPayloadLength > 0 {
		tc.MinPayloadLength = c.MinPayloadLength
	}
	tc.Encrypt = c.Encrypt
	return tc
}

// router builds the LLM router over every configured endpoint.
func (d *dependencies) router() (*llmrouter.Router, error) {
	lc := d.cfg.LLM
	threshold, err := clearance.ParseLevel(lc.InternalThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid llm threshold: %w", err)
	}
	policy, err := llmrouter.ParsePolicy(lc.Policy)
	if err != nil {
		return nil, err
	}

	opts := []llmrouter.Option{
		llmrouter.WithLogger(d.zap()),
		llmrouter.WithMetrics(llmrouter.NewMetrics()),
	}
	for _, ep := range []struct {
		role llmrouter.Role
		cfg  config.EndpointConfig
	}{
		{llmrouter.RolePrimary, lc.Primary},
		{llmrouter.RoleInternal, lc.Internal},
		{llmrouter.RoleFallback, lc.Fallback},
	} {
		if !ep.cfg.Configured() {
			continue
		}
		endpoint, err := llmrouter.NewLangchainEndpoint(ep.role, endpointConfig(ep.cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s endpoint: %w", ep.role, err)
		}
		opts = append(opts, llmrouter.WithEndpoint(endpoint))
	}
	return llmrouter.NewRouter(llmrouter.Config{InternalThreshold: threshold, Policy: policy}, opts...)
}

func endpointConfig(c config.EndpointConfig) llmrouter.EndpointConfig {
	return llmrouter.EndpointConfig{
		Provider:          c.Provider,
		Model:             c.Model,
		BaseURL:           c.BaseURL,
		APIKey:            c.APIKey.Value(),
		Timeout:           c.Timeout.Duration(),
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
	}
}
