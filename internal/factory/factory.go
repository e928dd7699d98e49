package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"guard-service/internal/bucketing"
	"guard-service/internal/client"
	"guard-service/internal/config"
	"guard-service/internal/engine"
	"guard-service/internal/eventlog"
	"guard-service/internal/hashing"
	"guard-service/internal/policy"
	"guard-service/internal/repository/redis"
	"guard-service/internal/repository/scylla"
	"guard-service/internal/service"
	"guard-service/internal/sink"
	"guard-service/internal/store"
	"guard-service/internal/tls"
	"guard-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	policy     *policy.Policy
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	natsClient       *client.NATSClient

	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	registry         *prometheus.Registry

	store          store.Store
	sinks          []eventlog.Sink
	engine         *engine.Engine
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and policy, connects the configured
// backends and starts the engine.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(cfg)
}

// New builds a factory from an already loaded configuration.
func New(cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pol, err := policy.Load(cfg.Engine.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}

	factory := &Factory{
		config: cfg,
		policy: pol,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsManager, err := tls.NewTLSManager(&tls.TLSConfig{
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			SelfSigned:  cfg.IsDevelopment(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure tls: %w", err)
		}
		factory.tlsManager = tlsManager
	}

	factory.initializeManagers()

	if err := factory.initializeClients(); err != nil {
		factory.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeEngine(); err != nil {
		factory.closeClients()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Int("sinks", len(factory.sinks)),
		util.Bool("integrity_enabled", factory.engine.IntegrityEnabled()),
	)

	return factory, nil
}

// initializeManagers initializes hashing, bucketing and the metrics registry
func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher([]byte(f.config.Engine.DigestKey))
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if f.config.Engine.DigestKey == "" && f.config.IsProduction() {
		util.Warn("ENGINE_DIGEST_KEY not set; actor digests will change on restart")
	}
}

// initializeClients connects the record store backend and every enabled
// sink. The store backend is required; sinks degrade to warnings outside
// production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch f.config.Store.Backend {
	case "redis":
		c, err := client.NewRedisClient(f.config)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		f.store = redis.NewRecordStore(c)
		util.Info("Redis record store initialized")
	case "scylla":
		c, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = c
		f.store = scylla.NewRecordStore(c)
		util.Info("ScyllaDB record store initialized")
	default:
		f.store = store.NewMemoryStore(f.bucketingManager)
		util.Info("In-memory record store initialized",
			util.Int("shards", f.bucketingManager.GetStoreShards()))
	}

	var initErrors []error

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			f.sinks = append(f.sinks, sink.NewKafkaSink(producer, f.hasher))
			util.Info("Kafka sink initialized", util.String("topic", producer.Topic()))
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			f.sinks = append(f.sinks, sink.NewElasticsearchSink(c, c.Index(), f.hasher))
			util.Info("Elasticsearch sink initialized", util.String("index", c.Index()))
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			chSink := sink.NewClickHouseSink(c, c.Table(), f.bucketingManager, f.hasher)
			if err := chSink.EnsureTable(ctx); err != nil {
				c.Close()
				initErrors = append(initErrors, fmt.Errorf("clickhouse schema: %w", err))
			} else {
				f.clickhouseClient = c
				f.sinks = append(f.sinks, chSink)
				util.Info("ClickHouse sink initialized", util.String("table", c.Table()))
			}
		}
	}

	if f.config.NATS.Enabled {
		if c, err := client.NewNATSClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("nats: %w", err))
		} else {
			f.natsClient = c
			f.sinks = append(f.sinks, sink.NewNATSSink(c, c.Subject(), f.hasher))
			util.Info("NATS alert sink initialized", util.String("subject", c.Subject()))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeEngine() error {
	cfg := f.config.Engine
	e, err := engine.New(engine.Options{
		Store:             f.store,
		Policy:            f.policy,
		Sinks:             f.sinks,
		FailOpen:          cfg.FailOpen,
		EventCapacity:     cfg.EventCapacity,
		AlertCapacity:     cfg.AlertCapacity,
		DetectorCacheSize: cfg.DetectorCacheSize,
		SinkBufferSize:    cfg.SinkBufferSize,
		SinkFlushInterval: cfg.SinkFlushInterval,
		Integrity: engine.IntegrityOptions{
			Enabled:  f.config.Integrity.Enabled,
			Interval: f.config.Integrity.Interval,
		},
		Hasher:     f.hasher,
		Registerer: f.registry,
		Logger:     util.Get(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Init(ctx); err != nil {
		return err
	}
	f.engine = e
	return nil
}

// ServiceFactory returns the service factory (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(f.engine, util.Get())
	}
	return f.serviceFactory
}

// MetricsHandler exposes the engine and runtime collectors.
func (f *Factory) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{})
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports every configured dependency; a nil value means healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := map[string]error{"store": nil}

	if f.redisClient != nil {
		health["store"] = f.redisClient.HealthCheck(ctx)
	}
	if f.scyllaClient != nil {
		health["store"] = f.scyllaClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	if f.esClient != nil {
		health["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	if f.natsClient != nil {
		health["nats"] = f.natsClient.HealthCheck(ctx)
	}
	if f.engine == nil {
		health["engine"] = fmt.Errorf("engine not initialized")
	} else if f.engine.IntegrityEnabled() && !f.engine.Monitor().Status().IsActive {
		health["integrity"] = fmt.Errorf("integrity monitor stopped")
	}

	return health
}

// IsHealthy ignores the sinks; they only affect delivery of records.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		switch name {
		case "kafka", "elasticsearch", "clickhouse", "nats":
			continue
		}
		if err != nil {
			return false
		}
	}
	return true
}

// Close stops the engine, which flushes and closes the sinks, then closes
// the store backend.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.engine != nil {
			ctx, cancel := context.WithTimeout(context.Background(), f.config.Server.ShutdownTimeout)
			if err := f.engine.Shutdown(ctx); err != nil {
				util.Error("Engine shutdown incomplete", util.ErrorField(err))
			} else {
				util.Info("Engine stopped")
			}
			cancel()
		}

		f.closeClients()

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

// closeSinks is only used when the engine never took ownership of the sinks.
func (f *Factory) closeSinks() {
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			util.Error("Failed to close sink", util.String("sink", s.Name()), util.ErrorField(err))
		}
	}
	f.sinks = nil
}

func (f *Factory) closeClients() {
	if f.engine == nil {
		f.closeSinks()
	}

	if f.esClient != nil {
		f.esClient.Close()
	}

	if f.scyllaClient != nil {
		f.scyllaClient.Close()
	}

	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		} else {
			util.Info("Redis client closed")
		}
	}
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// TLSManager is nil when TLS is disabled.
func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Policy() *policy.Policy {
	return f.policy
}

func (f *Factory) Engine() *engine.Engine {
	return f.engine
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
