package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/archive"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/catchup"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/generation"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/handlers"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/kafka"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/llm"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/lock"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/memstore"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/parser"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/pipeline"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/reader"
	redisstore "github.com/WhitePlusMS/ink-survivor-sub000/internal/redis"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/admin"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/engine/config"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/scheduler"
	"github.com/WhitePlusMS/ink-survivor-sub000/services/worker"
)

// engine is every component of a running process, wired from config.
type engine struct {
	cfg      config.Config
	logger   *slog.Logger
	id       string
	store    postgres.Store
	pool     *pgxpool.Pool
	redis    *goredis.Client
	readers  *reader.Dispatcher
	sched    *scheduler.Scheduler
	worker   *worker.Worker
	registry *handlers.Registry
	closers  []func()
}

// openStore connects persistence only. Commands that just read or seed
// data use it instead of the full engine.
func openStore(ctx context.Context, cfg config.Config) (postgres.Store, *pgxpool.Pool, error) {
	if cfg.Store == "memory" {
		return memstore.New().Repos(), nil, nil
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN, postgres.PoolConfig{MaxConns: cfg.MaxConns})
	if err != nil {
		return postgres.Store{}, nil, fmt.Errorf("postgres: %w", err)
	}
	return postgres.NewStore(pool), pool, nil
}

func newEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logger, id: "inkround-" + uuid.New().String()[:8]}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	e.store, e.pool, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if e.pool != nil {
		e.closers = append(e.closers, e.pool.Close)
	}
	if cfg.RedisAddr != "" && (cfg.LockBackend == "redis" || cfg.CommentLimit > 0) {
		e.redis = redisstore.NewClient(cfg.RedisAddr)
		e.closers = append(e.closers, func() { _ = e.redis.Close() })
	}

	workerLock, err := e.mutex("inkround-worker")
	if err != nil {
		return nil, err
	}
	leaderLock, err := e.mutex("inkround-scheduler")
	if err != nil {
		return nil, err
	}

	events, err := e.events()
	if err != nil {
		return nil, err
	}
	arch, err := e.archive(ctx)
	if err != nil {
		return nil, err
	}
	client, err := llm.New(ctx, cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}

	deps := generation.Deps{
		Seasons: e.store.Seasons,
		Books:   e.store.Books,
		Agents:  e.store.Agents,
		LLM:     client,
		Events:  events,
		Archive: arch,
		Retry: parser.RetryConfig{
			MaxAttempts: cfg.GenAttempts,
			BaseDelay:   cfg.GenBaseDelay,
			MaxDelay:    cfg.GenMaxDelay,
			Jitter:      parser.DefaultRetry.Jitter,
		},
		Pipeline: pipeline.Options{
			DBConcurrency:  cfg.DBConcurrency,
			LLMConcurrency: cfg.LLMConcurrency,
			Logger:         logger,
		},
		Logger: logger,
	}
	outliner := generation.NewOutliner(deps)
	writer := generation.NewWriter(deps)
	reconciler := catchup.New(e.store.Books, outliner, writer, logger)

	readerOpts := []reader.Option{reader.WithPolicy(cfg.Reader)}
	if e.redis != nil && cfg.CommentLimit > 0 {
		readerOpts = append(readerOpts, reader.WithRateLimiter(
			redisstore.NewRateLimiter(e.redis, "comments", cfg.CommentLimit, cfg.CommentWindow)))
	}
	e.readers = reader.New(deps, readerOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithSchedule(cfg.TickSchedule),
		scheduler.WithGrace(cfg.Grace),
		scheduler.WithEvents(events),
		scheduler.WithLogger(logger),
	}
	if leaderLock != nil {
		schedOpts = append(schedOpts, scheduler.WithLeaderLock(leaderLock))
	}
	e.sched = scheduler.NewScheduler(e.store.Seasons, e.store.Books, schedOpts...)

	e.registry = handlers.NewRegistry()
	e.registry.Register(handlers.NewOutlineHandler(outliner, logger))
	e.registry.Register(handlers.NewChapterHandler(writer, logger))
	e.registry.Register(handlers.NewCatchUpHandler(reconciler, logger))
	e.registry.Register(handlers.NewReaderDispatchHandler(e.readers, logger))
	e.registry.Register(handlers.NewReaderCommentHandler(e.readers))
	e.registry.Register(handlers.NewRoundAdvanceHandler(func(ctx context.Context, seasonID string) error {
		_, err := e.sched.Tick(ctx, seasonID)
		return err
	}))

	checkpointers := worker.Checkpointers{e.store.Tasks}
	if e.redis != nil {
		checkpointers = append(checkpointers, redisstore.NewProgressStore(e.redis))
	}
	e.worker = worker.NewWorker(e.store.Tasks, workerLock, e.registry,
		worker.WithLogger(logger),
		worker.WithWorkerID(e.id),
		worker.WithLease(cfg.Lease),
		worker.WithHeartbeat(cfg.Heartbeat),
		worker.WithStaleAfter(cfg.StaleAfter),
		worker.WithTimeout(cfg.TaskTimeout),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithBreakStaleHolder(cfg.BreakStaleHolder),
		worker.WithCheckpointer(checkpointers),
	)
	return e, nil
}

// mutex builds a named lock on the configured backend. The scheduler's
// leader lock is optional, so a local backend returns nil for it.
func (e *engine) mutex(name string) (lock.Mutex, error) {
	switch e.cfg.LockBackend {
	case "redis":
		if e.redis == nil {
			return nil, fmt.Errorf("lock_backend redis needs redis_addr")
		}
		return redisstore.NewLock(e.redis, name, e.id, e.cfg.Lease), nil
	case "postgres":
		if e.pool == nil {
			return nil, fmt.Errorf("lock_backend postgres needs store postgres")
		}
		return postgres.NewAdvisoryLock(e.pool, name), nil
	default:
		if name == "inkround-scheduler" {
			return nil, nil
		}
		return lock.NewLocal(name), nil
	}
}

func (e *engine) events() (notify.Sink, error) {
	var sink notify.Sink
	switch e.cfg.Events {
	case "none":
		return notify.Nop{}, nil
	case "log":
		return notify.Log{Logger: e.logger}, nil
	case "kafka":
		producer := kafka.NewProducer(e.cfg.Brokers(), e.cfg.KafkaPrefix)
		e.closers = append(e.closers, func() { _ = producer.Close() })
		sink = notify.Kafka{Producer: producer}
	case "nats":
		n, err := notify.NewNATS(notify.NATSConfig{URL: e.cfg.NATSURL, Stream: e.cfg.NATSStream, Subject: e.cfg.KafkaPrefix})
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, n.Close)
		sink = n
	default:
		return nil, fmt.Errorf("unknown events sink %q", e.cfg.Events)
	}
	async := notify.NewAsync(sink, e.cfg.EventBuffer, e.logger)
	// Closers run in reverse, so buffered events drain before the transport closes.
	e.closers = append(e.closers, async.Close)
	return async, nil
}

func (e *engine) archive(ctx context.Context) (archive.Archiver, error) {
	if e.cfg.Archive.Endpoint == "" {
		return archive.Nop{}, nil
	}
	m, err := archive.NewMinIO(ctx, e.cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return m, nil
}

// admin builds the admin API handlers.
func (e *engine) admin() *admin.REST {
	return admin.NewREST(e.store.Tasks, e.store.Seasons, e.sched, e.worker, e.registry.Types(), e.logger)
}

// Close releases connections in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
