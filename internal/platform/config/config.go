package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRequestTimeout      = 20 * time.Second
	defaultLogLevel            = "info"
	defaultSecurityEnvironment = "local"
	defaultDBPort              = "5432"
	defaultDBSSLMode           = "disable"
	defaultDBMaxOpenConns      = 100
	defaultDBMaxIdleConns      = 10
	defaultDBConnMaxLifetime   = 30 * time.Minute
	defaultDBLockTimeout       = 5 * time.Second
	defaultShippingFee         = "250"
	defaultFreeShippingFrom    = "5000"
	defaultTaxRate             = "0"
	defaultPriceTolerance      = "0.01"
	defaultTotalPolicy         = "reject"
	defaultOrderNumberStrategy = "random"
	defaultOrderNumberAttempts = 5
	defaultNotifyBackends      = "log"
	defaultNotifyQueueSize     = 256
	defaultNotifyTimeout       = 5 * time.Second
	defaultBreakerFailures     = 5
	defaultBreakerOpenTimeout  = 30 * time.Second
	defaultPubSubTopic         = "checkout-notifications"
	defaultKafkaTopic          = "checkout.notifications"
	defaultRabbitExchange      = "checkout.notifications"
	defaultFirestoreCollection = "admin_notifications"
	defaultJWTIssuer           = "hanko-checkout"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyCleanup  = 15 * time.Minute
	defaultIdempotencyBatch    = 500
	defaultIdempotencyBackend  = "postgres"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Checkout      CheckoutConfig
	Notifications NotificationConfig
	Firebase      FirebaseConfig
	Firestore     FirestoreConfig
	PubSub        PubSubConfig
	Kafka         KafkaConfig
	RabbitMQ      RabbitMQConfig
	Security      SecurityConfig
	Idempotency   IdempotencyConfig
	Redis         RedisConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	LogLevel       string
}

// DatabaseConfig configures the Postgres connection pool. URL wins over discrete fields.
type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
	MigrationsPath  string
	AutoMigrate     bool
}

// CheckoutConfig holds the pricing and validation rules applied to new orders.
type CheckoutConfig struct {
	ShippingFee           string
	FreeShippingThreshold string
	TaxRate               string
	PriceTolerance        string
	TotalPolicy           string
	PhonePattern          string
	PaymentMethods        []string
	OrderNumberStrategy   string
	OrderNumberAttempts   int
}

// NotificationConfig selects outbound notification backends.
type NotificationConfig struct {
	Backends           []string
	QueueSize          int
	PublishTimeout     time.Duration
	BreakerFailures    int
	BreakerOpenTimeout time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	CheckRevoked    bool
}

// FirestoreConfig stores the admin notification feed parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
	Collection   string
}

// PubSubConfig configures the Pub/Sub notification publisher.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
}

// KafkaConfig configures the Kafka notification publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// RabbitMQConfig configures the RabbitMQ notification publisher.
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// SecurityConfig groups bearer token verification settings.
type SecurityConfig struct {
	Environment string
	JWTSecret   string
	JWTIssuer   string
	AdminRoles  []string
}

// IdempotencyConfig controls replay protection for order submission.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig configures the Redis idempotency backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load builds the Config from defaults, a dotenv file, the process environment and
// WithEnvMap values, in increasing precedence, then resolves secret references and
// validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	src, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}
	lookup := lookupFunc(src.lookup)

	cfg := Config{
		Server: ServerConfig{
			Port:           stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			LogLevel:       strings.ToLower(stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel)),
		},
		Database: DatabaseConfig{
			URL:             stringWithDefault(lookup, "DB_URL", ""),
			Host:            stringWithDefault(lookup, "DB_HOST", ""),
			Port:            stringWithDefault(lookup, "DB_PORT", defaultDBPort),
			User:            stringWithDefault(lookup, "DB_USER", ""),
			Password:        stringWithDefault(lookup, "DB_PASSWORD", ""),
			Name:            stringWithDefault(lookup, "DB_NAME", ""),
			SSLMode:         stringWithDefault(lookup, "DB_SSLMODE", defaultDBSSLMode),
			MaxOpenConns:    intWithDefault(lookup, "DB_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "DB_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "DB_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
			LockTimeout:     durationWithDefault(lookup, "DB_LOCK_TIMEOUT", defaultDBLockTimeout),
			MigrationsPath:  stringWithDefault(lookup, "DB_MIGRATIONS_PATH", ""),
			AutoMigrate:     boolWithDefault(lookup, "DB_AUTO_MIGRATE", true),
		},
		Checkout: CheckoutConfig{
			ShippingFee:           stringWithDefault(lookup, "CHECKOUT_SHIPPING_FEE", defaultShippingFee),
			FreeShippingThreshold: stringWithDefault(lookup, "CHECKOUT_FREE_SHIPPING_THRESHOLD", defaultFreeShippingFrom),
			TaxRate:               stringWithDefault(lookup, "CHECKOUT_TAX_RATE", defaultTaxRate),
			PriceTolerance:        stringWithDefault(lookup, "CHECKOUT_PRICE_TOLERANCE", defaultPriceTolerance),
			TotalPolicy:           strings.ToLower(stringWithDefault(lookup, "CHECKOUT_TOTAL_POLICY", defaultTotalPolicy)),
			PhonePattern:          stringWithDefault(lookup, "CHECKOUT_PHONE_PATTERN", ""),
			PaymentMethods:        csvWithDefault(lookup, "CHECKOUT_PAYMENT_METHODS"),
			OrderNumberStrategy:   strings.ToLower(stringWithDefault(lookup, "CHECKOUT_ORDER_NUMBER_STRATEGY", defaultOrderNumberStrategy)),
			OrderNumberAttempts:   intWithDefault(lookup, "CHECKOUT_ORDER_NUMBER_ATTEMPTS", defaultOrderNumberAttempts),
		},
		Notifications: NotificationConfig{
			Backends:           csvWithDefault(lookup, "NOTIFY_BACKENDS"),
			QueueSize:          intWithDefault(lookup, "NOTIFY_QUEUE_SIZE", defaultNotifyQueueSize),
			PublishTimeout:     durationWithDefault(lookup, "NOTIFY_PUBLISH_TIMEOUT", defaultNotifyTimeout),
			BreakerFailures:    intWithDefault(lookup, "NOTIFY_BREAKER_FAILURES", defaultBreakerFailures),
			BreakerOpenTimeout: durationWithDefault(lookup, "NOTIFY_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    boolWithDefault(lookup, "API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
			Collection:   stringWithDefault(lookup, "API_FIRESTORE_NOTIFICATION_COLLECTION", defaultFirestoreCollection),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "PUBSUB_PROJECT_ID", ""),
			TopicID:   stringWithDefault(lookup, "PUBSUB_TOPIC", defaultPubSubTopic),
		},
		Kafka: KafkaConfig{
			Brokers: csvWithDefault(lookup, "KAFKA_BROKERS"),
			Topic:   stringWithDefault(lookup, "KAFKA_TOPIC", defaultKafkaTopic),
		},
		RabbitMQ: RabbitMQConfig{
			URL:        stringWithDefault(lookup, "RABBITMQ_URL", ""),
			Exchange:   stringWithDefault(lookup, "RABBITMQ_EXCHANGE", defaultRabbitExchange),
			RoutingKey: stringWithDefault(lookup, "RABBITMQ_ROUTING_KEY", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			JWTSecret:   stringWithDefault(lookup, "API_SECURITY_JWT_SECRET", ""),
			JWTIssuer:   stringWithDefault(lookup, "API_SECURITY_JWT_ISSUER", defaultJWTIssuer),
			AdminRoles:  csvWithDefault(lookup, "API_SECURITY_ADMIN_ROLES"),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyCleanup),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "REDIS_DB", 0),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Notifications.Backends) == 0 {
		cfg.Notifications.Backends = []string{defaultNotifyBackends}
	}
	for i, backend := range cfg.Notifications.Backends {
		cfg.Notifications.Backends[i] = strings.ToLower(backend)
	}

	secrets := newSecretTracker(options.secret)
	for _, f := range []struct {
		name  string
		value *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"Database.Password", &cfg.Database.Password},
		{"RabbitMQ.URL", &cfg.RabbitMQ.URL},
		{"Redis.Password", &cfg.Redis.Password},
		{"Security.JWTSecret", &cfg.Security.JWTSecret},
	} {
		if err := secrets.resolve(ctx, f.name, f.value); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := secrets.missing(options.requiredSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.RequestTimeout <= 0 {
		missing = append(missing, "Server.RequestTimeout")
	}
	if cfg.Database.URL == "" && (cfg.Database.Host == "" || cfg.Database.Name == "") {
		missing = append(missing, "Database.URL")
	}
	if cfg.Database.LockTimeout < 0 {
		missing = append(missing, "Database.LockTimeout")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"Checkout.ShippingFee", cfg.Checkout.ShippingFee},
		{"Checkout.FreeShippingThreshold", cfg.Checkout.FreeShippingThreshold},
		{"Checkout.TaxRate", cfg.Checkout.TaxRate},
		{"Checkout.PriceTolerance", cfg.Checkout.PriceTolerance},
	} {
		if _, err := decimal.NewFromString(field.value); err != nil {
			missing = append(missing, field.name)
		}
	}
	switch cfg.Checkout.TotalPolicy {
	case "reject", "log":
	default:
		missing = append(missing, "Checkout.TotalPolicy")
	}
	if cfg.Checkout.PhonePattern != "" {
		if _, err := regexp.Compile(cfg.Checkout.PhonePattern); err != nil {
			missing = append(missing, "Checkout.PhonePattern")
		}
	}
	switch cfg.Checkout.OrderNumberStrategy {
	case "random", "counter":
	default:
		missing = append(missing, "Checkout.OrderNumberStrategy")
	}
	if cfg.Checkout.OrderNumberAttempts <= 0 {
		missing = append(missing, "Checkout.OrderNumberAttempts")
	}
	if cfg.Notifications.QueueSize <= 0 {
		missing = append(missing, "Notifications.QueueSize")
	}
	if cfg.Idempotency.Header == "" || cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	switch cfg.Idempotency.Backend {
	case "postgres", "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	for _, backend := range cfg.Notifications.Backends {
		switch backend {
		case "log":
		case "pubsub":
			if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicID == "" {
				missing = append(missing, "PubSub.ProjectID")
			}
		case "kafka":
			if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
				missing = append(missing, "Kafka.Brokers")
			}
		case "rabbitmq":
			if cfg.RabbitMQ.URL == "" || cfg.RabbitMQ.Exchange == "" {
				missing = append(missing, "RabbitMQ.URL")
			}
		case "firestore":
			if cfg.Firestore.ProjectID == "" || cfg.Firestore.Collection == "" {
				missing = append(missing, "Firestore.ProjectID")
			}
		default:
			missing = append(missing, fmt.Sprintf("Notifications.Backends[%s]", backend))
		}
	}
	if cfg.Firebase.ProjectID == "" && cfg.Security.JWTSecret == "" {
		missing = append(missing, "Security.JWTSecret")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
