package app

import (
	"context"
	"database/sql"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	mio "github.com/tmfg/digitraffic-tis-vaco-sub001/core/libs/minio"
	natsq "github.com/tmfg/digitraffic-tis-vaco-sub001/core/libs/nats"
	rediscli "github.com/tmfg/digitraffic-tis-vaco-sub001/core/libs/redis"
	sqlitedb "github.com/tmfg/digitraffic-tis-vaco-sub001/core/libs/sqlite"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/cache"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/config"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/queue"
	dbstore "github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/db"
	endpointstore "github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/endpoint"
	filestore "github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/file"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/file/replicator"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/pipeline"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules/archive"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules/prepare"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/rules/remote"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/transport/ops"
)

const defaultCfgPath = "./configs/local.yaml"

type EndpointStore interface {
	Resolve(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, subject string) error
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) (map[string]string, error)
}

type blobStore interface {
	rules.Blobs
	filestore.RemoteStore
}

type stagingStore interface {
	Save(ctx context.Context, reader io.Reader, key string, size int64) (int64, string, error)
	Fetch(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
	ReplicationStats() replicator.Stats
	Close(ctx context.Context) error
}

type dependencyInjector struct {
	cfgPath string
	service string
	logOut  io.Writer

	cfg    *config.Config
	logger *slog.Logger

	db   *sql.DB
	repo *dbstore.Repo

	redis     *redis.Client
	endpoints EndpointStore

	natsConn  *nats.Conn
	js        nats.JetStreamContext
	publisher pipeline.Publisher

	rulesetCache  *cache.Cache[string, domain.Ruleset]
	endpointCache *cache.Cache[string, string]
	fileCache     *cache.Cache[string, string]

	catalog   *scheduler.Catalog
	scheduler *scheduler.Service

	blobs   blobStore
	staging stagingStore

	grpcConn *grpc.ClientConn
	registry *rules.Registry
	executor *rules.Executor
}

func newDI(cfgPath, service string) *dependencyInjector {
	if cfgPath == "" {
		cfgPath = config.Path(defaultCfgPath)
	}
	return &dependencyInjector{cfgPath: cfgPath, service: service, logOut: os.Stdout}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(di.cfgPath)
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(
			slog.NewTextHandler(
				di.logOut,
				&slog.HandlerOptions{
					Level: di.Config().Level(),
				},
			),
		).With(slog.String("service", di.service))
	}

	slog.SetDefault(di.logger)
	return di.logger
}

func (di *dependencyInjector) DB(ctx context.Context) *sql.DB {
	if di.db == nil {
		cfg := di.Config().SQLite
		db, err := sqlitedb.Open(sqlitedb.Config{
			Path:        cfg.Path,
			BusyTimeout: cfg.BusyTimeout,
			MaxOpen:     cfg.MaxOpen,
		})
		if err != nil {
			log.Fatalf("DB sqlite: %+v", err)
		}
		if err := dbstore.Migrate(db); err != nil {
			log.Fatalf("DB migrate: %+v", err)
		}
		di.db = db
		di.Logger().Info("opened sqlite store", slog.String("path", cfg.Path))
	}
	return di.db
}

func (di *dependencyInjector) Repo(ctx context.Context) dbstore.Repo {
	if di.repo == nil {
		repo := dbstore.New(di.DB(ctx))
		di.repo = &repo
	}
	return *di.repo
}

func (di *dependencyInjector) RulesetCache() *cache.Cache[string, domain.Ruleset] {
	if di.rulesetCache == nil {
		c := di.Config().Caches.Rulesets
		di.rulesetCache = cache.NewRulesets[domain.Ruleset](cache.Config{Capacity: c.Capacity, TTL: c.TTL})
	}
	return di.rulesetCache
}

func (di *dependencyInjector) EndpointCache() *cache.Cache[string, string] {
	if di.endpointCache == nil {
		c := di.Config().Caches.Endpoints
		di.endpointCache = cache.NewEndpoints(cache.Config{Capacity: c.Capacity, TTL: c.TTL})
	}
	return di.endpointCache
}

func (di *dependencyInjector) FileCache() *cache.Cache[string, string] {
	if di.fileCache == nil {
		c := di.Config().Caches.Files
		di.fileCache = cache.NewFiles(cache.Config{Capacity: c.Capacity, TTL: c.TTL})
	}
	return di.fileCache
}

func (di *dependencyInjector) Catalog(ctx context.Context) *scheduler.Catalog {
	if di.catalog == nil {
		di.catalog = scheduler.NewCatalog(di.Repo(ctx), di.RulesetCache())
	}
	return di.catalog
}

func (di *dependencyInjector) Scheduler(ctx context.Context) *scheduler.Service {
	if di.scheduler == nil {
		di.scheduler = scheduler.NewService(di.Catalog(ctx), di.Repo(ctx))
	}
	return di.scheduler
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			User:     cfg.User,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("RedisClient: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) Endpoints(ctx context.Context) EndpointStore {
	if di.endpoints == nil {
		di.endpoints = endpointstore.NewRedisEndpointStore(
			di.RedisClient(ctx),
			di.EndpointCache(),
			di.Config().NATS.SubjectPrefix,
		)
	}
	return di.endpoints
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config().NATS
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          cfg.Name + "-" + di.service + "-" + uuid.NewString()[:8],
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
	}
	return di.natsConn
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config().NATS
		js, err := natsq.NewJetStream(di.NATSConn(ctx), &nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: queue.Subjects(cfg.SubjectPrefix),
			Storage:  nats.FileStorage,
			Replicas: 1,
			MaxAge:   cfg.MaxAge,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}

		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Publisher(ctx context.Context) pipeline.Publisher {
	if di.publisher == nil {
		di.publisher = queue.New(di.JetStream(ctx), di.Endpoints(ctx))
	}
	return di.publisher
}

// Consumer binds a durable pull consumer to the subject registered for the
// destination.
func (di *dependencyInjector) Consumer(ctx context.Context, destination string, h queue.Handler) *queue.Consumer {
	cfg := di.Config()
	subject, err := di.Endpoints(ctx).Resolve(ctx, destination)
	if err != nil {
		log.Fatalf("Consumer %s: %+v", destination, err)
	}

	ackWait := time.Hour
	if destination != domain.DestinationJobs {
		ackWait = cfg.Worker.TaskTimeout * 2
	}
	return queue.NewConsumer(di.JetStream(ctx), queue.ConsumerConfig{
		Stream:    cfg.NATS.Stream,
		Durable:   di.service + "-" + destination,
		Subject:   subject,
		Workers:   cfg.NATS.Consumers,
		FetchWait: cfg.NATS.FetchWait,
		AckWait:   ackWait,
	}, h)
}

func (di *dependencyInjector) Delegator(ctx context.Context) *pipeline.Delegator {
	cfg := di.Config().Pipeline
	repo := di.Repo(ctx)
	return pipeline.NewDelegator(repo, repo, di.Publisher(ctx), pipeline.Options{
		MaxRetries:      cfg.MaxRetries,
		FailOnExhausted: cfg.ExhaustedStatus == config.ExhaustedFailed,
	})
}

func (di *dependencyInjector) Blobs(ctx context.Context) blobStore {
	if di.blobs == nil {
		cfg := di.Config().MinIO
		remote, err := filestore.NewMinIOStore(ctx, mio.Config{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
		})
		if err != nil {
			log.Fatalf("Blobs minio: %+v", err)
		}
		di.Logger().Info(
			"initialized MinIO file store",
			slog.String("endpoint", cfg.Endpoint),
			slog.String("bucket", cfg.Bucket),
		)
		di.blobs = remote
	}
	return di.blobs
}

func (di *dependencyInjector) Staging(ctx context.Context) stagingStore {
	if di.staging == nil {
		cfg := di.Config()

		local, err := filestore.NewLocalStore(filepath.Join(cfg.BaseDir, "staged"))
		if err != nil {
			log.Fatalf("Staging local: %+v", err)
		}

		di.staging = filestore.NewAsyncStore(ctx, local, di.Blobs(ctx), di.FileCache(),
			cfg.Replica.QueueCapacity, cfg.Replica.PoolSize, cfg.Replica.MaxRetries)
		di.Logger().Info(
			"using async staging store (local + MinIO)",
			slog.String("base_dir", cfg.BaseDir),
			slog.Int("queue_size", cfg.Replica.QueueCapacity),
			slog.Int("worker_num", cfg.Replica.PoolSize),
			slog.Int("max_retries", cfg.Replica.MaxRetries),
		)
	}
	return di.staging
}

func (di *dependencyInjector) GRPCConnect(ctx context.Context) *grpc.ClientConn {
	if di.grpcConn == nil {
		conn, err := remote.NewConnection(di.Config().Runner.Addr)
		if err != nil {
			log.Fatalf("GRPCConnect: %+v", err)
		}
		di.grpcConn = conn
	}
	return di.grpcConn
}

// Registry holds the built-in rules and one remote rule per ruleset the
// rulerunner serves.
func (di *dependencyInjector) Registry(ctx context.Context) *rules.Registry {
	if di.registry == nil {
		cfg := di.Config()
		client := &http.Client{Timeout: cfg.Worker.TaskTimeout}

		registry, err := rules.NewRegistry(
			prepare.New(client, di.Staging(ctx)),
			archive.New(archive.DefaultName),
		)
		if err != nil {
			log.Fatalf("Registry: %+v", err)
		}

		if len(cfg.Runner.Rules) > 0 {
			rc := remote.NewClient(di.GRPCConnect(ctx))
			for _, name := range cfg.Runner.Rules {
				if err := registry.Register(remote.NewRule(name, rc, cfg.Runner.Timeout)); err != nil {
					log.Fatalf("Registry remote %s: %+v", name, err)
				}
			}
		}
		di.registry = registry
		di.Logger().Info("rules registered", slog.Any("rules", registry.Names()))
	}
	return di.registry
}

func (di *dependencyInjector) Executor(ctx context.Context) *rules.Executor {
	if di.executor == nil {
		cfg := di.Config()
		repo := di.Repo(ctx)
		di.executor = rules.NewExecutor(
			di.Registry(ctx),
			di.Scheduler(ctx),
			repo,
			di.Catalog(ctx),
			di.Blobs(ctx),
			di.Staging(ctx),
			rules.ExecutorConfig{
				WorkDir:           filepath.Join(cfg.BaseDir, "work"),
				HeartbeatInterval: cfg.Worker.HeartbeatInterval,
				Timeout:           cfg.Worker.TaskTimeout,
			},
		)
	}
	return di.executor
}

func (di *dependencyInjector) OpsHandler(ctx context.Context, withStaging bool) http.Handler {
	checks := map[string]ops.Check{
		"sqlite": func(ctx context.Context) error { return di.DB(ctx).PingContext(ctx) },
		"redis":  func(ctx context.Context) error { return di.RedisClient(ctx).Ping(ctx).Err() },
		"nats": func(context.Context) error {
			if st := di.NATSConn(ctx).Status(); st != nats.CONNECTED {
				return errStatus(st)
			}
			return nil
		},
	}
	cfg := ops.Config{
		Service: di.service,
		Checks:  checks,
		Caches:  []ops.Cache{di.RulesetCache(), di.EndpointCache()},
	}
	if withStaging {
		cfg.Caches = append(cfg.Caches, di.FileCache())
		cfg.Replication = di.Staging(ctx).ReplicationStats
	}
	return ops.NewRouter(cfg)
}

type errStatus nats.Status

func (s errStatus) Error() string { return "nats connection " + nats.Status(s).String() }

// Close releases whatever was initialized, in reverse dependency order.
func (di *dependencyInjector) Close(ctx context.Context) {
	l := slog.Default()
	if di.staging != nil {
		if err := di.staging.Close(ctx); err != nil {
			l.Warn("staging close", slog.String("error", err.Error()))
		}
	}
	if di.grpcConn != nil {
		di.grpcConn.Close()
	}
	if di.natsConn != nil {
		if err := di.natsConn.Drain(); err != nil {
			l.Warn("NATS drain", slog.String("error", err.Error()))
		}
	}
	if di.redis != nil {
		di.redis.Close()
	}
	if di.db != nil {
		di.db.Close()
	}
}
