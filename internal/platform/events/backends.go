package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/checkout/internal/platform/config"
	platformfs "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/repositories"
)

// Backend names accepted in NOTIFY_BACKENDS.
const (
	BackendLog       = "log"
	BackendPubSub    = "pubsub"
	BackendKafka     = "kafka"
	BackendRabbitMQ  = "rabbitmq"
	BackendFirestore = "firestore"
)

// Backends is the composed publisher plus the resources it owns.
type Backends struct {
	Publisher Publisher
	Checks    []repositories.DependencyCheck

	closers []func(ctx context.Context) error
}

// Close releases every backend connection.
func (b *Backends) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// BuildOption customises backend construction.
type BuildOption func(*buildConfig)

type buildConfig struct {
	pubsubOpts []option.ClientOption
	firestore  *platformfs.Provider
}

// WithPubSubClientOptions forwards options to the Pub/Sub client, e.g. a pstest endpoint.
func WithPubSubClientOptions(opts ...option.ClientOption) BuildOption {
	return func(c *buildConfig) { c.pubsubOpts = append(c.pubsubOpts, opts...) }
}

// WithFirestoreProvider reuses an existing Firestore provider.
func WithFirestoreProvider(provider *platformfs.Provider) BuildOption {
	return func(c *buildConfig) { c.firestore = provider }
}

// Build constructs the publishers named in cfg.Notifications.Backends. Every broker backend is
// wrapped in a circuit breaker; the log backend is not.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...BuildOption) (*Backends, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bc := buildConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&bc)
		}
	}

	names := cfg.Notifications.Backends
	if len(names) == 0 {
		names = []string{BackendLog}
	}

	breaker := BreakerSettings{
		Failures:    cfg.Notifications.BreakerFailures,
		OpenTimeout: cfg.Notifications.BreakerOpenTimeout,
		OnStateChange: func(name, from, to string) {
			logger.Warn("notification backend breaker state changed",
				zap.String("backend", name), zap.String("from", from), zap.String("to", to))
		},
	}

	backends := &Backends{}
	targets := make([]Named, 0, len(names))
	add := func(name string, publisher Publisher, check func(context.Context) error) {
		if name != BackendLog {
			publisher = NewBreaker(name, publisher, breaker)
		}
		targets = append(targets, Named{Name: name, Publisher: publisher})
		if check != nil {
			backends.Checks = append(backends.Checks, repositories.DependencyCheck{Name: name, Check: check})
		}
	}
	fail := func(err error) (*Backends, error) {
		_ = backends.Close(ctx)
		return nil, err
	}

	for _, name := range names {
		switch name {
		case BackendLog:
			add(name, NewLogPublisher(logger.Named("notifications")), nil)
		case BackendPubSub:
			client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, bc.pubsubOpts...)
			if err != nil {
				return fail(fmt.Errorf("pubsub client: %w", err))
			}
			topic := client.Topic(cfg.PubSub.TopicID)
			backends.closers = append(backends.closers, func(context.Context) error {
				topic.Stop()
				return client.Close()
			})
			publisher, err := NewPubSubPublisher(topic)
			if err != nil {
				return fail(err)
			}
			add(name, publisher, publisher.Check)
		case BackendKafka:
			publisher, err := NewKafkaPublisher(cfg.Kafka, kafka.LoggerFunc(observability.NewPrintfAdapter(logger.Named("kafka")).Errorf))
			if err != nil {
				return fail(err)
			}
			backends.closers = append(backends.closers, func(context.Context) error { return publisher.Close() })
			add(name, publisher, publisher.Check)
		case BackendRabbitMQ:
			publisher, err := NewRabbitMQPublisher(cfg.RabbitMQ)
			if err != nil {
				return fail(err)
			}
			backends.closers = append(backends.closers, func(context.Context) error { return publisher.Close() })
			add(name, publisher, publisher.Check)
		case BackendFirestore:
			provider := bc.firestore
			if provider == nil {
				provider = platformfs.NewProvider(cfg.Firestore)
				backends.closers = append(backends.closers, provider.Close)
			}
			publisher, err := NewFirestorePublisher(provider)
			if err != nil {
				return fail(err)
			}
			add(name, publisher, provider.Ping)
		default:
			return fail(fmt.Errorf("unknown notification backend %q", name))
		}
	}

	if len(targets) == 1 {
		backends.Publisher = targets[0].Publisher
	} else {
		backends.Publisher = NewFanout(targets...)
	}
	return backends, nil
}
