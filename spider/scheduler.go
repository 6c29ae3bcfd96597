package spider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/wehriam/awspider/spider/broker"
	"github.com/wehriam/awspider/spider/catalog"
	"github.com/wehriam/awspider/spider/structs"
)

// SchedulerServer owns the reservation heap. It seeds the heap from the
// catalog at startup, accepts live additions over HTTP, and publishes due
// UUIDs to the broker once per tick, pausing while the queue is deep.
type SchedulerServer struct {
	logger hclog.Logger
	config *Config
	base   *BaseServer
	cat    catalog.Catalog
	broker broker.Broker

	mu   sync.Mutex
	heap reservationHeap

	// Queue depth is probed at most once per QueueDepthInterval; the
	// cached value gates publishing in between.
	lastDepth      int
	lastDepthProbe time.Time

	// now is replaceable in tests.
	now func() time.Time

	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// NewSchedulerServer builds a scheduler sharing the base's registry.
func NewSchedulerServer(config *Config, base *BaseServer) (*SchedulerServer, error) {
	if config.Catalog == nil {
		return nil, fmt.Errorf("scheduler requires a catalog")
	}
	if config.Broker == nil {
		return nil, fmt.Errorf("scheduler requires a broker")
	}
	return &SchedulerServer{
		logger:     config.Logger.Named("scheduler"),
		config:     config,
		base:       base,
		cat:        config.Catalog,
		broker:     config.Broker,
		now:        time.Now,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Start seeds the heap from the catalog and launches the enqueue loop. A
// catalog failure aborts startup.
func (s *SchedulerServer) Start(ctx context.Context) error {
	start := time.Now()
	loaded, skipped := 0, 0
	err := s.cat.StreamServices(ctx, s.config.CatalogChunkSize, func(rows []catalog.ServiceRow) error {
		for _, row := range rows {
			if err := s.AddToHeap(row.UUID, row.Type); err != nil {
				s.logger.Warn("skipping catalog row", "uuid", row.UUID,
					"type", row.Type, "error", err)
				skipped++
				continue
			}
			loaded++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load reservation catalog: %w", err)
	}
	s.logger.Info("loaded reservation catalog", "loaded", loaded,
		"skipped", skipped, "elapsed", time.Since(start))
	go s.run()
	return nil
}

// Shutdown stops the enqueue loop.
func (s *SchedulerServer) Shutdown() {
	s.stopOnce.Do(func() { close(s.shutdownCh) })
}

// AddToHeap inserts a reservation. The catalog type is resolved through
// the service mapping; unknown types are an error for the caller to log or
// surface.
func (s *SchedulerServer) AddToHeap(uuidHex, catalogType string) error {
	raw, err := structs.ParseUUID(uuidHex)
	if err != nil {
		return err
	}
	fn, name, ok := s.base.ResolveFunctionName(catalogType)
	if !ok {
		return fmt.Errorf("%w: %s", structs.ErrUnknownFunction, name)
	}
	if !fn.Recurring() {
		return fmt.Errorf("function %s is not recurring", name)
	}
	now := s.now()
	entry := &heapEntry{
		uuid:     raw,
		interval: fn.Interval,
		schedule: fn.Schedule,
	}
	entry.fireAt = entry.next(now)
	s.mu.Lock()
	s.heap.push(entry)
	size := s.heap.Len()
	s.mu.Unlock()
	metrics.SetGauge([]string{"spider", "scheduler", "heap_size"}, float32(size))
	return nil
}

// run ticks the enqueue step until shutdown.
func (s *SchedulerServer) run() {
	ticker := time.NewTicker(s.config.EnqueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.enqueueTick(context.Background())
		case <-s.shutdownCh:
			return
		}
	}
}

// enqueueTick publishes due reservations, bounded by the per-tick cap and
// gated on broker queue depth. Entries are reinserted at their next fire
// time as they are popped, so a publish failure costs the fire, not the
// reservation.
func (s *SchedulerServer) enqueueTick(ctx context.Context) {
	defer metrics.MeasureSince([]string{"spider", "scheduler", "enqueue_tick"}, time.Now())

	depth, err := s.queueDepth(ctx)
	if err != nil {
		s.logger.Error("failed to probe queue depth", "error", err)
		return
	}
	if depth >= s.config.QueueHighWater {
		s.logger.Warn("queue over high water, pausing publish",
			"depth", depth, "high_water", s.config.QueueHighWater)
		metrics.IncrCounter([]string{"spider", "scheduler", "backpressure"}, 1)
		return
	}

	now := s.now()
	s.mu.Lock()
	due := s.heap.popDue(now.Unix(), s.config.MaxPublishPerTick)
	for _, entry := range due {
		entry.fireAt = entry.next(now)
		s.heap.push(entry)
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}

	s.logger.Debug("publishing due reservations", "count", len(due))
	for _, entry := range due {
		if err := s.broker.Publish(ctx, entry.uuid[:]); err != nil {
			s.logger.Error("failed to publish reservation",
				"uuid", structs.UUIDHex(entry.uuid), "error", err)
			metrics.IncrCounter([]string{"spider", "scheduler", "publish_error"}, 1)
			return
		}
		metrics.IncrCounter([]string{"spider", "scheduler", "published"}, 1)
	}
}

// queueDepth returns the broker queue depth, cached between probes.
func (s *SchedulerServer) queueDepth(ctx context.Context) (int, error) {
	s.mu.Lock()
	cached := s.lastDepth
	fresh := s.now().Sub(s.lastDepthProbe) < s.config.QueueDepthInterval && !s.lastDepthProbe.IsZero()
	s.mu.Unlock()
	if fresh {
		return cached, nil
	}
	depth, err := s.broker.QueueDepth(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastDepth = depth
	s.lastDepthProbe = s.now()
	s.mu.Unlock()
	metrics.SetGauge([]string{"spider", "scheduler", "queue_depth"}, float32(depth))
	return depth, nil
}

// SchedulerStatus is the observability snapshot for the heap.
type SchedulerStatus struct {
	HeapSize   int   `json:"heap_size"`
	NextFire   int64 `json:"next_fire,omitempty"`
	QueueDepth int   `json:"queue_depth"`
}

// Status snapshots the heap and queue telemetry.
func (s *SchedulerServer) Status() *SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := &SchedulerStatus{
		HeapSize:   s.heap.Len(),
		QueueDepth: s.lastDepth,
	}
	if entry := s.heap.peek(); entry != nil {
		status.NextFire = entry.fireAt
	}
	return status
}
