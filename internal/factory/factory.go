package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/delivery"
	"identity-service/internal/directory"
	"identity-service/internal/encryption"
	"identity-service/internal/hashing"
	"identity-service/internal/model"
	"identity-service/internal/repository/memory"
	rediscache "identity-service/internal/repository/redis"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/service"
	"identity-service/internal/tls"
	"identity-service/internal/token"
	"identity-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	deliveryConsumer *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager
	tokenIssuer       *token.Issuer
	auditEmitter      *audit.Emitter

	// Stores
	otpStore      model.OTPStore
	failureStore  model.LoginFailureStore
	blockStore    model.BlockStore
	limitLogStore model.RateLimitLogStore
	counter       model.IssuanceCounter
	blockCache    service.BlockCache
	userDirectory *directory.MemoryDirectory

	// Services
	rateLimitService *service.RateLimitService
	otpService       *service.OTPService
	authService      *service.AuthService
	janitor          *service.Janitor

	workerCancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		})
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeStores()
	factory.initializeServices()

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeClients initializes external service clients with health checks.
// The memory backend skips Redis and Scylla entirely; the optional sinks
// come up only when enabled.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if !f.config.UseMemoryStore() {
		// Redis
		if redisClient, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = redisClient
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			}
		}

		// ScyllaDB
		if scyllaClient, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = scyllaClient
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			}
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}

		if f.kafkaProducer != nil && f.config.Kafka.WorkerEnabled {
			if consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.DeliveryTopic, "identity-delivery-worker"); err != nil {
				util.Warn("Kafka consumer initialization failed", util.ErrorField(err))
			} else {
				f.deliveryConsumer = consumer
			}
		}
	}

	// Elasticsearch
	if f.config.Elastic.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
		} else {
			f.kmsClient = kms.NewFromConfig(awsCfg)
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

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.encryptionManager = encryption.NewManager(f.config, f.kmsClient)
	f.bucketingManager = bucketing.NewManager(f.config)
	f.tokenIssuer = token.NewIssuer(f.config)

	if f.kafkaProducer != nil || f.clickhouseClient != nil || f.esClient != nil {
		f.auditEmitter = audit.NewEmitter(
			f.config,
			f.kafkaProducer,
			f.clickhouseClient,
			f.esClient,
			f.encryptionManager,
			f.bucketingManager,
		)
	}

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}
}

func (f *Factory) initializeStores() {
	if f.config.UseMemoryStore() || f.scyllaClient == nil {
		store := memory.NewStore()
		f.otpStore = store
		f.failureStore = store
		f.blockStore = store
		f.limitLogStore = memory.NewLogStore(store)
		f.counter = memory.NewCounter(store, nil)
		util.Info("Using in-memory store backend")
	} else {
		f.otpStore = scylla.NewOTPRepository(f.scyllaClient)
		f.failureStore = scylla.NewLoginFailureRepository(f.scyllaClient)
		f.blockStore = scylla.NewBlockRepository(f.scyllaClient)
		f.limitLogStore = scylla.NewRateLimitLogRepository(f.scyllaClient)
	}

	if f.redisClient != nil {
		if f.counter == nil {
			f.counter = rediscache.NewIssuanceCache(f.redisClient)
		}
		f.blockCache = rediscache.NewBlockCache(f.redisClient)
	}
	if f.counter == nil {
		// No Redis and no memory store: count from durable records only
		store := memory.NewStore()
		f.counter = memory.NewCounter(store, nil)
	}

	f.userDirectory = directory.NewMemoryDirectory()
	f.seedDevUser()
}

// seedDevUser registers one directory user from the environment so password
// login works out of the box in development.
func (f *Factory) seedDevUser() {
	if !f.config.IsDevelopment() {
		return
	}
	identifier := util.GetEnv("DEV_USER_IDENTIFIER", "")
	password := util.GetEnv("DEV_USER_PASSWORD", "")
	if identifier == "" || password == "" {
		return
	}

	hashed, err := f.hasher.HashPassword(password)
	if err != nil {
		util.Warn("Failed to seed development user", util.ErrorField(err))
		return
	}

	f.userDirectory.AddUser(&model.User{
		UserID:       "dev-user",
		TenantID:     util.GetEnv("DEV_USER_TENANT", "dev-tenant"),
		Identifier:   identifier,
		PasswordHash: hashed.Encode(),
		IsActive:     true,
	})
	util.Info("Development user seeded")
}

func (f *Factory) initializeServices() {
	var auditor service.Auditor
	if f.auditEmitter != nil {
		auditor = f.auditEmitter
	}

	f.rateLimitService = service.NewRateLimitService(
		f.config,
		f.failureStore,
		f.blockStore,
		f.limitLogStore,
		f.blockCache,
		auditor,
		nil,
	)

	var sender delivery.Sender
	if f.kafkaProducer != nil {
		sender = delivery.NewKafkaSender(f.config, f.kafkaProducer, f.bucketingManager)
	} else {
		sender = delivery.NewLogSender()
	}

	f.otpService = service.NewOTPService(
		f.config,
		f.otpStore,
		f.counter,
		f.rateLimitService,
		f.hasher,
		sender,
		f.userDirectory,
		f.tokenIssuer,
		nil,
	)

	f.authService = service.NewAuthService(
		f.config,
		f.rateLimitService,
		f.hasher,
		f.userDirectory,
		f.tokenIssuer,
		nil,
	)

	f.janitor = service.NewJanitor(
		f.config,
		f.otpStore,
		f.failureStore,
		f.blockStore,
		f.limitLogStore,
		auditor,
		nil,
	)
	f.janitor.Start()

	if f.deliveryConsumer != nil {
		worker := delivery.NewWorker(f.deliveryConsumer)
		ctx, cancel := context.WithCancel(context.Background())
		f.workerCancel = cancel
		go worker.Run(ctx)
	}
}

// -------------------- accessors --------------------

func (f *Factory) Config() *config.Config                     { return f.config }
func (f *Factory) TLSManager() *tls.TLSManager                { return f.tlsManager }
func (f *Factory) Hasher() *hashing.Hasher                    { return f.hasher }
func (f *Factory) Directory() *directory.MemoryDirectory      { return f.userDirectory }
func (f *Factory) OTPService() *service.OTPService            { return f.otpService }
func (f *Factory) AuthService() *service.AuthService          { return f.authService }
func (f *Factory) RateLimitService() *service.RateLimitService { return f.rateLimitService }

// HealthCheck reports per-dependency errors for whatever is wired.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if !f.config.UseMemoryStore() {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}

		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy treats Kafka as best-effort, the way audit publication is.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.janitor != nil {
			f.janitor.Stop()
		}

		if f.workerCancel != nil {
			f.workerCancel()
		}

		if f.auditEmitter != nil {
			f.auditEmitter.Close()
		}

		if f.deliveryConsumer != nil {
			if err := f.deliveryConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
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
			}
		}

		util.Info("Factory shutdown complete")
		util.Sync()
	})
	return nil
}
