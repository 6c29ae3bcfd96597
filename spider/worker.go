package spider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wehriam/awspider/spider/broker"
	"github.com/wehriam/awspider/spider/catalog"
	"github.com/wehriam/awspider/spider/kv"
	"github.com/wehriam/awspider/spider/structs"
)

// WorkerServer consumes reservation UUIDs from the broker, resolves each
// into a job, and executes the plugin under the simultaneous-jobs cap.
// Messages are acknowledged immediately before dispatch: a worker crash
// mid-plugin costs one fire, which the scheduler replays on the next
// interval.
type WorkerServer struct {
	logger hclog.Logger
	config *Config
	base   *BaseServer
	broker broker.Broker
	cat    catalog.Catalog
	kv     kv.Store

	// l1 memoizes resolved jobs in front of the KV service.
	l1 *expirable.LRU[string, *structs.Job]

	sem       chan struct{}
	completed atomic.Uint64
	queued    atomic.Int64
	wg        sync.WaitGroup

	netMu       sync.Mutex
	networkInfo map[string]string

	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// NewWorkerServer builds a worker sharing the base's registry and invoker.
func NewWorkerServer(config *Config, base *BaseServer) (*WorkerServer, error) {
	if config.Catalog == nil {
		return nil, fmt.Errorf("worker requires a catalog")
	}
	if config.Broker == nil {
		return nil, fmt.Errorf("worker requires a broker")
	}
	simultaneous := config.SimultaneousJobs
	if simultaneous <= 0 {
		simultaneous = 20
	}
	cacheSize := config.AccountCacheSize
	if cacheSize <= 0 {
		cacheSize = 8192
	}
	return &WorkerServer{
		logger:      config.Logger.Named("worker"),
		config:      config,
		base:        base,
		broker:      config.Broker,
		cat:         config.Catalog,
		kv:          config.KV,
		l1:          expirable.NewLRU[string, *structs.Job](cacheSize, nil, config.AccountCacheTTL),
		sem:         make(chan struct{}, simultaneous),
		networkInfo: make(map[string]string),
		shutdownCh:  make(chan struct{}),
	}, nil
}

// Start opens the consume stream and launches the dispatch loop.
func (w *WorkerServer) Start(ctx context.Context) error {
	if w.config.DiscoverNetworkAddress {
		go w.discoverNetworkAddress(ctx)
	}
	deliveries, err := w.broker.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to open consume stream: %w", err)
	}
	w.logger.Info("consuming", "simultaneous_jobs", cap(w.sem))
	go w.run(ctx, deliveries)
	return nil
}

// Shutdown waits for in-flight plugins to drain, then closes the broker.
func (w *WorkerServer) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.shutdownCh) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("shutdown deadline reached with jobs in flight",
			"active", len(w.sem))
	}
	return w.broker.Close()
}

func (w *WorkerServer) run(ctx context.Context, deliveries <-chan broker.Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				w.logger.Info("delivery stream closed")
				return
			}
			w.handle(ctx, d)
		case <-w.shutdownCh:
			return
		}
	}
}

// handle resolves one delivery and dispatches it. Undeliverable messages
// are acknowledged and dropped; the broker must not redeliver work this
// worker cannot run.
func (w *WorkerServer) handle(ctx context.Context, d broker.Delivery) {
	if len(d.Body) != 16 {
		w.logger.Error("dropping malformed message", "len", len(d.Body))
		w.ack(d)
		return
	}
	var raw [16]byte
	copy(raw[:], d.Body)
	uuid := structs.UUIDHex(raw)

	job, err := w.getJob(ctx, uuid)
	if err != nil {
		w.logger.Error("failed to resolve job", "uuid", uuid, "error", err)
		w.ack(d)
		return
	}
	fn, ok := w.base.Function(job.FunctionName)
	if !ok {
		w.logger.Error("could not find function", "function", job.FunctionName, "uuid", uuid)
		w.ack(d)
		return
	}
	kwargs, err := w.mapArgs(job, fn)
	if err != nil {
		w.logger.Error("dropping job with unmappable arguments",
			"function", fn.Name, "uuid", uuid, "error", err)
		w.ack(d)
		return
	}

	w.queued.Add(1)
	metrics.SetGauge([]string{"spider", "worker", "queued"}, float32(w.queued.Load()))
	select {
	case w.sem <- struct{}{}:
	case <-w.shutdownCh:
		w.queued.Add(-1)
		return
	}
	w.queued.Add(-1)

	// Ack before dispatch: at most once.
	w.ack(d)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		start := time.Now()
		_, err := w.base.CallExposedFunction(ctx, fn, kwargs, job.UUID)
		metrics.MeasureSince([]string{"spider", "worker", "job"}, start)
		if err != nil && !errors.Is(err, structs.ErrDeleteReservation) {
			w.logger.Error("job failed", "function", fn.Name, "uuid", job.UUID, "error", err)
		}
		w.completed.Add(1)
	}()
}

func (w *WorkerServer) ack(d broker.Delivery) {
	if err := w.broker.Ack(d.Tag); err != nil {
		w.logger.Error("failed to ack delivery", "tag", d.Tag, "error", err)
	}
}

// getJob resolves a reservation UUID into a job, reading through the L1
// memo and the KV account cache before falling back to the catalog.
func (w *WorkerServer) getJob(ctx context.Context, uuid string) (*structs.Job, error) {
	if job, ok := w.l1.Get(uuid); ok {
		return job, nil
	}
	if w.kv != nil {
		if raw, err := w.kv.Get(ctx, uuid); err == nil {
			var job structs.Job
			if err := json.Unmarshal(raw, &job); err == nil {
				w.l1.Add(uuid, &job)
				return &job, nil
			}
			w.logger.Warn("discarding undecodable account cache entry", "uuid", uuid)
		} else if !errors.Is(err, kv.ErrNotFound) {
			w.logger.Warn("account cache read failed", "uuid", uuid, "error", err)
		}
	}

	row, err := w.cat.GetService(ctx, uuid)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("reservation %s is not in the catalog", uuid)
		}
		return nil, err
	}
	_, functionName, ok := w.base.ResolveFunctionName(row.Type)
	if !ok {
		// Resolution failures surface at dispatch; keep the mapped name
		// so the caller logs what was actually looked up.
		functionName = row.Type
	}
	account, err := w.cat.GetAccount(ctx, structs.ServiceName(row.Type), row.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read account %d for service %s: %w",
			row.AccountID, structs.ServiceName(row.Type), err)
	}
	job := &structs.Job{
		FunctionName: functionName,
		UUID:         uuid,
		Account:      account,
	}
	w.cacheJob(ctx, job)
	return job, nil
}

func (w *WorkerServer) cacheJob(ctx context.Context, job *structs.Job) {
	w.l1.Add(job.UUID, job)
	if w.kv == nil {
		return
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := w.kv.Set(ctx, job.UUID, raw, w.config.AccountCacheTTL); err != nil {
		w.logger.Warn("account cache write failed", "uuid", job.UUID, "error", err)
	}
}

// mapArgs builds the plugin kwargs from the account row: service-specific
// column renames first, then the function's required and optional
// arguments. Missing required arguments fail the job.
func (w *WorkerServer) mapArgs(job *structs.Job, fn *structs.ExposedFunction) (map[string]string, error) {
	account := make(map[string]string, len(job.Account))
	for k, v := range job.Account {
		account[k] = v
	}
	service := structs.ServiceName(job.FunctionName)
	for from, to := range w.config.ServiceArgsMapping[service] {
		if v, ok := account[from]; ok {
			account[to] = v
		}
	}

	kwargs := make(map[string]string)
	var missing []string
	for _, arg := range fn.RequiredArgs {
		v, ok := account[arg]
		if !ok {
			missing = append(missing, arg)
			continue
		}
		kwargs[arg] = v
	}
	if len(missing) > 0 {
		return nil, &structs.InvalidArgumentsError{FunctionName: fn.Name, Missing: missing}
	}
	for _, arg := range fn.OptionalArgs {
		if v, ok := account[arg]; ok {
			kwargs[arg] = v
		}
	}
	return kwargs, nil
}

// discoverNetworkAddress asks the EC2 instance metadata service for this
// worker's addresses. Best effort; off-cloud the probe just fails.
func (w *WorkerServer) discoverNetworkAddress(ctx context.Context) {
	client := imds.New(imds.Options{})
	info := make(map[string]string)
	for key, path := range map[string]string{
		"public_ip": "public-ipv4",
		"local_ip":  "local-ipv4",
	} {
		out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
		if err != nil {
			w.logger.Debug("instance metadata probe failed", "path", path, "error", err)
			continue
		}
		buf := make([]byte, 64)
		n, _ := out.Content.Read(buf)
		out.Content.Close()
		if n > 0 {
			info[key] = string(buf[:n])
		}
	}
	if len(info) == 0 {
		w.logger.Warn("could not get network address")
		return
	}
	w.netMu.Lock()
	for k, v := range info {
		w.networkInfo[k] = v
	}
	w.netMu.Unlock()
	w.logger.Info("discovered network address",
		"public_ip", info["public_ip"], "local_ip", info["local_ip"])
}

// NetworkInfo returns the discovered addresses, if any.
func (w *WorkerServer) NetworkInfo() map[string]string {
	w.netMu.Lock()
	defer w.netMu.Unlock()
	out := make(map[string]string, len(w.networkInfo))
	for k, v := range w.networkInfo {
		out[k] = v
	}
	return out
}

// WorkerStatus is the observability snapshot for the dispatch loop.
type WorkerStatus struct {
	Completed uint64 `json:"completed"`
	Queued    int64  `json:"queued"`
	Active    int    `json:"active"`
}

// Status snapshots the job counters.
func (w *WorkerServer) Status() *WorkerStatus {
	return &WorkerStatus{
		Completed: w.completed.Load(),
		Queued:    w.queued.Load(),
		Active:    len(w.sem),
	}
}
