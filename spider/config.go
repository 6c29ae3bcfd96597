package spider

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wehriam/awspider/spider/blob"
	"github.com/wehriam/awspider/spider/broker"
	"github.com/wehriam/awspider/spider/catalog"
	"github.com/wehriam/awspider/spider/kv"
)

// Config is the shared configuration for the spider servers. The agent
// fills in the handles; the zero-valued knobs fall back to the defaults
// below.
type Config struct {
	Logger hclog.Logger

	// Store backs the HTTP cache and result buckets.
	Store blob.Store

	// Catalog is the persistent reservation catalog. Required by the
	// scheduler and worker.
	Catalog catalog.Catalog

	// KV is the account cache service. Optional; without it the worker
	// falls back to the catalog on every job.
	KV kv.Store

	// Broker connects the scheduler to the workers.
	Broker broker.Broker

	HTTPCacheBucket string
	StorageBucket   string

	// Request queuer caps.
	MaxSimultaneousRequests        int
	MaxRequestsPerHostPerSecond    float64
	MaxSimultaneousRequestsPerHost int

	// Scheduler tuning.
	EnqueueInterval    time.Duration
	QueueDepthInterval time.Duration
	QueueHighWater     int
	MaxPublishPerTick  int
	CatalogChunkSize   int

	// ServiceMapping rewrites catalog types to replacement plugin names
	// wherever a type is resolved to a registered function.
	ServiceMapping map[string]string

	// ServiceArgsMapping renames account columns to plugin argument
	// names, keyed by service then source column.
	ServiceArgsMapping map[string]map[string]string

	// Worker tuning.
	SimultaneousJobs int
	AccountCacheTTL  time.Duration
	AccountCacheSize int

	// SchedulerAddr is the base URL of the scheduler's HTTP interface,
	// used by the interface server to announce new reservations.
	SchedulerAddr string

	// DiscoverNetworkAddress enables the EC2 metadata probe for the
	// worker's public and local addresses.
	DiscoverNetworkAddress bool
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() *Config {
	return &Config{
		Logger:                         hclog.Default(),
		MaxSimultaneousRequests:        50,
		MaxRequestsPerHostPerSecond:    1,
		MaxSimultaneousRequestsPerHost: 5,
		EnqueueInterval:                time.Second,
		QueueDepthInterval:             60 * time.Second,
		QueueHighWater:                 100000,
		MaxPublishPerTick:              1000,
		CatalogChunkSize:               10000,
		SimultaneousJobs:               20,
		AccountCacheTTL:                7 * 24 * time.Hour,
		AccountCacheSize:               8192,
	}
}
