// Package app wires stores, the lock coordinator, the task runner and the
// services from configuration. Every binary under cmd/ builds one App.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	wmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/ignite/squeeze/internal/config"
	"github.com/ignite/squeeze/internal/dispatch"
	"github.com/ignite/squeeze/internal/engagement"
	"github.com/ignite/squeeze/internal/funnel"
	"github.com/ignite/squeeze/internal/message"
	"github.com/ignite/squeeze/internal/pkg/distlock"
	"github.com/ignite/squeeze/internal/pkg/logger"
	"github.com/ignite/squeeze/internal/pkg/tracing"
	"github.com/ignite/squeeze/internal/queue"
	"github.com/ignite/squeeze/internal/repository/memory"
	"github.com/ignite/squeeze/internal/repository/postgres"
	"github.com/ignite/squeeze/internal/store"
	"github.com/ignite/squeeze/internal/transport"
	"github.com/ignite/squeeze/internal/workflow"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// Stores groups the persistence contracts.
type Stores struct {
	Subscribers store.SubscriberStore
	Steps       store.StepStore
	Drips       store.DripStore
	Intents     store.IntentStore
	Funnels     store.FunnelStore
	Engagement  store.EngagementStore
}

// App is the assembled system.
type App struct {
	Config *config.Config
	Stores Stores
	// Memory is set when no database is configured.
	Memory *memory.DB
	DB     *sql.DB

	Locks      *distlock.Coordinator
	Transport  transport.Transport
	Tokens     *engagement.Tokens
	Builder    *message.Builder
	Dispatcher *dispatch.Dispatcher
	Deliverer  *dispatch.Deliverer
	Engine     *workflow.Engine
	Funnels    *funnel.Service
	Recorder   *engagement.Recorder
	Reports    *engagement.Reports
	OptOut     *engagement.OptOut

	publisher *queue.Publisher
	local     *gochannel.GoChannel
	localDone <-chan struct{}
	closers   []func(context.Context) error
	now       func() time.Time
}

// Option customizes New.
type Option func(*App)

// WithClock overrides the clock of every service.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithTransport replaces the configured outbound transport.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.Transport = t }
}

// New builds an App from cfg. With the gochannel queue backend an
// in-process consumer is started so dispatched chunks are delivered before
// publishing returns. Call Close when done.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{Config: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(a)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	steps := []func(context.Context) error{
		a.setupTracing,
		a.setupStores,
		a.setupLocks,
		a.setupTransport,
		a.setupQueue,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = a.Close(context.Background())
			return nil, err
		}
	}
	a.setupServices()

	if a.local != nil {
		if err := a.startLocalConsumer(ctx); err != nil {
			_ = a.Close(context.Background())
			return nil, err
		}
	}
	return a, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything New opened, in reverse order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.Config.Tracing.Enabled {
		return nil
	}
	shutdown, err := tracing.Setup(ctx, a.Config.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	a.onClose(shutdown)
	return nil
}

func (a *App) setupStores(ctx context.Context) error {
	dbCfg := a.Config.Database
	if dbCfg.URL == "" {
		a.Memory = memory.New()
		a.Stores = Stores{
			Subscribers: a.Memory.Subscribers(),
			Steps:       a.Memory.Steps(),
			Drips:       a.Memory.Drips(),
			Intents:     a.Memory.Intents(),
			Funnels:     a.Memory.Funnels(),
			Engagement:  a.Memory.Engagement(),
		}
		logger.Warn("no database configured, using in-memory store")
		return nil
	}

	db, err := sql.Open("postgres", dbCfg.URL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(dbCfg.MaxOpenConns)
	db.SetMaxIdleConns(dbCfg.MaxIdleConns)
	db.SetConnMaxLifetime(dbCfg.Lifetime())
	a.onClose(func(context.Context) error { return db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	a.DB = db
	repos := postgres.New(db)
	a.Stores = Stores{
		Subscribers: repos.Subscribers,
		Steps:       repos.Steps,
		Drips:       repos.Drips,
		Intents:     repos.Intents,
		Funnels:     repos.Funnels,
		Engagement:  repos.Engagement,
	}
	return nil
}

func (a *App) setupLocks(ctx context.Context) error {
	lockCfg := a.Config.Lock
	var lockStore distlock.Store
	switch lockCfg.Backend {
	case "redis":
		opts, err := redis.ParseURL(a.Config.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.onClose(func(context.Context) error { return client.Close() })
		lockStore = distlock.NewRedisStore(client)
	case "postgres":
		if a.DB == nil {
			return errors.New("postgres lock backend needs database.url")
		}
		lockStore = distlock.NewPostgresStore(a.DB)
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(lockCfg.DynamoDBRegion))
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		lockStore = distlock.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), lockCfg.DynamoDBTable)
	default:
		lockStore = distlock.NewMemoryStore()
	}
	a.Locks = distlock.NewCoordinator(lockStore, lockCfg.Prefix)
	logger.Info("lock coordinator ready", "backend", lockCfg.Backend, "prefix", lockCfg.Prefix)
	return nil
}

func (a *App) setupTransport(ctx context.Context) error {
	if a.Transport != nil {
		return nil
	}
	sesCfg := a.Config.SES
	if !sesCfg.Enabled {
		a.Transport = transport.NewLog()
		return nil
	}
	ses, err := transport.NewSES(ctx, transport.SESConfig{
		Region:           sesCfg.Region,
		AccessKey:        sesCfg.AccessKey,
		SecretKey:        sesCfg.SecretKey,
		ConfigurationSet: sesCfg.ConfigurationSet,
	})
	if err != nil {
		return fmt.Errorf("setup ses: %w", err)
	}
	a.Transport = ses
	return nil
}

func (a *App) setupQueue(_ context.Context) error {
	qCfg := a.Config.Queue
	var pub wmessage.Publisher
	if qCfg.Backend == "kafka" {
		kpub, err := queue.NewKafkaPublisher(queue.KafkaConfig{Brokers: qCfg.Brokers}, queue.NewLogger())
		if err != nil {
			return fmt.Errorf("setup kafka publisher: %w", err)
		}
		pub = kpub
	} else {
		a.local = queue.NewSyncGoChannel(queue.NewLogger())
		pub = a.local
	}
	a.publisher = queue.NewPublisher(pub, qCfg.Topic)
	a.onClose(func(context.Context) error { return a.publisher.Close() })
	return nil
}

func (a *App) setupServices() {
	s := a.Stores
	a.Tokens = engagement.NewTokens(a.Config.Tracking.Secret, a.Config.Tracking.BaseURL)

	builderOpts := []message.Option{}
	if a.Config.Tracking.BaseURL != "" && a.Config.Tracking.Secret != "" {
		builderOpts = append(builderOpts, message.WithLinks(a.Tokens))
	}
	a.Builder = message.NewBuilder(a.Config.Dispatch.DefaultFromEmail, builderOpts...)

	a.Dispatcher = dispatch.NewDispatcher(s.Intents, a.publisher, dispatch.DispatcherConfig{
		ChunkSize: a.Config.Dispatch.ChunkSize,
		Now:       a.now,
	})
	a.Deliverer = dispatch.NewDeliverer(dispatch.DelivererDeps{
		Drips:       s.Drips,
		Subscribers: s.Subscribers,
		Intents:     s.Intents,
		Locks:       a.Locks,
		Builder:     a.Builder,
		Transport:   a.Transport,
	}, a.Config.Lock.ChunkTTL(), a.now)

	a.Funnels = funnel.NewService(s.Funnels, s.Subscribers, a.now)

	targets := workflow.NewTargets()
	workflow.RegisterTagTarget(targets, s.Subscribers)
	workflow.RegisterFunnelTarget(targets, a.Funnels)
	workflow.RegisterUnsubscribeTarget(targets, s.Subscribers, a.now)

	a.Engine = workflow.NewEngine(workflow.Deps{
		Steps:       s.Steps,
		Subscribers: s.Subscribers,
		Drips:       s.Drips,
		Locks:       a.Locks,
		Targets:     targets,
		Dispatcher:  a.Dispatcher,
	}, workflow.Config{
		StepLockTTL: a.Config.Lock.StepTTL(),
		Now:         a.now,
	})

	a.Recorder = engagement.NewRecorder(s.Subscribers, s.Intents, s.Engagement, a.Tokens, a.now)
	a.Reports = engagement.NewReports(s.Engagement)
	a.OptOut = engagement.NewOptOut(s.Subscribers, s.Engagement, a.now)
}

// localDeliverer absorbs delivery errors: a nacked message on a blocking
// in-process channel would be resent forever. Unsent intents stay for the
// next send-drips sweep.
type localDeliverer struct{ d *dispatch.Deliverer }

func (l localDeliverer) DeliverChunk(ctx context.Context, task dispatch.Task) (dispatch.DeliveryReport, error) {
	report, err := l.d.DeliverChunk(ctx, task)
	if err != nil {
		logger.Error("local chunk delivery failed", "drip_id", task.DripID, "size", len(task.SubscriberIDs), "error", err)
	}
	return report, nil
}

func (a *App) startLocalConsumer(ctx context.Context) error {
	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done, err := queue.NewConsumer(a.local, a.Config.Queue.Topic, localDeliverer{a.Deliverer}).Start(consumerCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("start local consumer: %w", err)
	}
	a.localDone = done
	a.onClose(func(context.Context) error {
		cancel()
		<-done
		return nil
	})
	return nil
}

// RunConsumer consumes delivery chunks until ctx is cancelled. With the
// gochannel backend the in-process consumer already runs, so it only waits.
func (a *App) RunConsumer(ctx context.Context) error {
	if a.local != nil {
		select {
		case <-ctx.Done():
		case <-a.localDone:
		}
		return nil
	}

	qCfg := a.Config.Queue
	sub, err := queue.NewKafkaSubscriber(queue.KafkaConfig{
		Brokers:       qCfg.Brokers,
		ConsumerGroup: qCfg.ConsumerGroup,
	}, queue.NewLogger())
	if err != nil {
		return fmt.Errorf("setup kafka subscriber: %w", err)
	}
	defer sub.Close()
	return queue.NewConsumer(sub, qCfg.Topic, a.Deliverer).Run(ctx)
}
