// Package agent glues the spider servers into a single process: it builds
// the storage, catalog, cache, and broker clients from configuration,
// starts the servers the configured roles call for, and serves the HTTP
// interface.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wehriam/awspider/spider"
	"github.com/wehriam/awspider/spider/blob"
	"github.com/wehriam/awspider/spider/broker"
	"github.com/wehriam/awspider/spider/catalog"
	"github.com/wehriam/awspider/spider/kv"
	"github.com/wehriam/awspider/spider/structs"
)

// Deps are the external service handles the agent wires into the servers.
// Production agents build them from config; tests substitute the in-memory
// drivers.
type Deps struct {
	Store   blob.Store
	Catalog catalog.Catalog
	KV      kv.Store
	Broker  broker.Broker
}

// Agent runs the configured roles in one process.
type Agent struct {
	config *Config
	logger hclog.Logger

	base      *spider.BaseServer
	iface     *spider.InterfaceServer
	scheduler *spider.SchedulerServer
	worker    *spider.WorkerServer

	pool  *pgxpool.Pool
	redis *redis.Client

	httpServer *HTTPServer

	shutdownCh chan struct{}
}

// NewAgent builds the servers for the configured roles. Deps may be nil for
// an interface-only agent with no storage.
func NewAgent(config *Config, deps *Deps, logger hclog.Logger) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps == nil {
		deps = &Deps{}
	}
	a := &Agent{
		config:     config,
		logger:     logger.Named("agent"),
		shutdownCh: make(chan struct{}),
	}

	sc := spider.DefaultConfig()
	sc.Logger = logger
	sc.Store = deps.Store
	sc.Catalog = deps.Catalog
	sc.KV = deps.KV
	sc.Broker = deps.Broker
	sc.HTTPCacheBucket = config.AWS.HTTPCacheBucket
	sc.StorageBucket = config.AWS.StorageBucket
	sc.MaxSimultaneousRequests = config.Requests.MaxSimultaneous
	sc.MaxRequestsPerHostPerSecond = config.Requests.PerHostPerSecond
	sc.MaxSimultaneousRequestsPerHost = config.Requests.MaxSimultaneousPerHost
	sc.EnqueueInterval = config.Scheduler.EnqueueInterval
	sc.QueueHighWater = config.Scheduler.HighWater
	sc.MaxPublishPerTick = config.Scheduler.MaxPublishPerTick
	sc.CatalogChunkSize = config.Scheduler.CatalogChunkSize
	sc.SimultaneousJobs = config.Worker.SimultaneousJobs
	sc.AccountCacheTTL = config.Worker.AccountCacheTTL
	sc.DiscoverNetworkAddress = config.Worker.DiscoverNetworkAddress
	sc.SchedulerAddr = config.Interface.SchedulerAddr
	sc.ServiceMapping = config.ServiceMapping
	sc.ServiceArgsMapping = config.ServiceArgsMapping

	a.base = spider.NewBaseServer(sc)

	if config.HasRole("interface") {
		a.iface = spider.NewInterfaceServer(sc, a.base)
	}
	if config.HasRole("scheduler") {
		srv, err := spider.NewSchedulerServer(sc, a.base)
		if err != nil {
			return nil, fmt.Errorf("failed to build scheduler: %w", err)
		}
		a.scheduler = srv
	}
	if config.HasRole("worker") {
		srv, err := spider.NewWorkerServer(sc, a.base)
		if err != nil {
			return nil, fmt.Errorf("failed to build worker: %w", err)
		}
		a.worker = srv
	}
	return a, nil
}

// BuildDeps dials the external services the configured roles need.
func BuildDeps(ctx context.Context, config *Config, logger hclog.Logger) (*Deps, *pgxpool.Pool, *redis.Client, error) {
	deps := &Deps{}
	var pool *pgxpool.Pool
	var rdb *redis.Client

	if config.AWS.HTTPCacheBucket != "" || config.AWS.StorageBucket != "" {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(config.AWS.Region),
		}
		if config.AWS.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(config.AWS.AccessKey, config.AWS.SecretKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if config.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(config.AWS.Endpoint)
				o.UsePathStyle = true
			}
		})
		deps.Store = blob.NewS3Store(client, logger)
	}

	if config.HasRole("scheduler") || config.HasRole("worker") {
		var err error
		pool, err = pgxpool.New(ctx, config.Postgres.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		deps.Catalog = catalog.NewPostgresCatalog(pool, logger)

		deps.Broker, err = broker.DialAMQP(broker.AMQPConfig{
			URL:           config.AMQP.URL,
			Queue:         config.AMQP.Queue,
			Exchange:      config.AMQP.Exchange,
			PrefetchCount: config.AMQP.PrefetchCount,
			Logger:        logger,
		})
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
	}

	if config.HasRole("worker") && config.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		deps.KV = kv.NewRedisStore(rdb)
	}

	return deps, pool, rdb, nil
}

// AttachCloseables hands the agent connection handles to close on
// shutdown.
func (a *Agent) AttachCloseables(pool *pgxpool.Pool, rdb *redis.Client) {
	a.pool = pool
	a.redis = rdb
}

// RegisterFunction adds a plugin before the agent starts.
func (a *Agent) RegisterFunction(fn *structs.ExposedFunction) error {
	return a.base.RegisterFunction(fn)
}

// Base exposes the shared server, mainly for embedding agents that need
// the page getter or fast cache directly.
func (a *Agent) Base() *spider.BaseServer { return a.base }

// Start brings up the base, the role servers, and the HTTP listener.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.base.Start(ctx); err != nil {
		return fmt.Errorf("failed to start base server: %w", err)
	}
	if a.iface != nil {
		if err := a.iface.Start(ctx); err != nil {
			return fmt.Errorf("failed to start interface server: %w", err)
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler server: %w", err)
		}
	}
	if a.worker != nil {
		if err := a.worker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker server: %w", err)
		}
	}

	srv, err := NewHTTPServer(a, a.config)
	if err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}
	a.httpServer = srv
	a.logger.Info("agent started",
		"roles", strings.Join(a.config.Roles, ","), "http", srv.Addr)
	return nil
}

// Shutdown stops the servers in reverse dependency order, draining the
// worker before closing the shared services.
func (a *Agent) Shutdown(ctx context.Context) error {
	var mErr *multierror.Error
	if a.httpServer != nil {
		a.httpServer.Shutdown()
	}
	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	if a.worker != nil {
		if err := a.worker.Shutdown(ctx); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if a.iface != nil {
		a.iface.Shutdown()
	}
	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.base.Shutdown(drainCtx); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	close(a.shutdownCh)
	a.logger.Info("agent shut down")
	return mErr.ErrorOrNil()
}
