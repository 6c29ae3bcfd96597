// Package spider implements the servers that make up the platform: a
// shared base holding the plugin registry and invoker, the interface
// server that creates reservations, the scheduler that fires them, and the
// worker that executes them.
package spider

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/wehriam/awspider/spider/blob"
	"github.com/wehriam/awspider/spider/pagegetter"
	"github.com/wehriam/awspider/spider/requestqueuer"
	"github.com/wehriam/awspider/spider/structs"
)

// BaseServer carries the services every role shares: the request queuer,
// the page getter, the plugin registry, the invoker, and result storage.
type BaseServer struct {
	logger hclog.Logger
	config *Config

	rq *requestqueuer.Queuer
	pg *pagegetter.Getter

	// functions is written only before Start.
	functions map[string]*structs.ExposedFunction
	started   bool

	activeMu   sync.Mutex
	activeJobs map[string]struct{}

	fastCacheMu sync.Mutex
	fastCaches  map[string][]byte
}

// NewBaseServer wires the shared services. Plugins register before Start.
func NewBaseServer(config *Config) *BaseServer {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	rq := requestqueuer.New(&requestqueuer.Config{
		MaxSimultaneous:          config.MaxSimultaneousRequests,
		RequestsPerHostPerSecond: config.MaxRequestsPerHostPerSecond,
		MaxSimultaneousPerHost:   config.MaxSimultaneousRequestsPerHost,
		Logger:                   logger,
	})
	var pg *pagegetter.Getter
	if config.Store != nil && config.HTTPCacheBucket != "" {
		pg = pagegetter.New(config.Store, config.HTTPCacheBucket, rq, logger)
	}
	return &BaseServer{
		logger:     logger.Named("base"),
		config:     config,
		rq:         rq,
		pg:         pg,
		functions:  make(map[string]*structs.ExposedFunction),
		activeJobs: make(map[string]struct{}),
		fastCaches: make(map[string][]byte),
	}
}

// RegisterFunction adds a plugin to the registry. Must be called before
// Start.
func (b *BaseServer) RegisterFunction(fn *structs.ExposedFunction) error {
	if b.started {
		return fmt.Errorf("cannot register %q after start", fn.Name)
	}
	if fn.Func == nil {
		return fmt.Errorf("function %q has no callable", fn.Name)
	}
	name := strings.ToLower(strings.TrimSpace(fn.Name))
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	for _, arg := range fn.RequiredArgs {
		if structs.IsReservedArgument(arg) {
			return fmt.Errorf("required argument %q of function %s is reserved", arg, name)
		}
	}
	for _, arg := range fn.OptionalArgs {
		if structs.IsReservedArgument(arg) {
			return fmt.Errorf("optional argument %q of function %s is reserved", arg, name)
		}
	}
	if _, exists := b.functions[name]; exists {
		return fmt.Errorf("a function named %s is already callable", name)
	}
	fn.Name = name
	b.functions[name] = fn
	b.logger.Info("function is now callable", "function", name)
	return nil
}

// Function looks up a registered plugin by name.
func (b *BaseServer) Function(name string) (*structs.ExposedFunction, bool) {
	fn, ok := b.functions[strings.ToLower(name)]
	return fn, ok
}

// Functions returns the registry.
func (b *BaseServer) Functions() map[string]*structs.ExposedFunction {
	return b.functions
}

// ResolveFunctionName applies the service mapping to a catalog type and
// returns the registered function it names. This is the single place
// legacy types are rewritten.
func (b *BaseServer) ResolveFunctionName(catalogType string) (*structs.ExposedFunction, string, bool) {
	name := strings.ToLower(catalogType)
	if mapped, ok := b.config.ServiceMapping[name]; ok {
		b.logger.Debug("remapping service", "from", name, "to", mapped)
		name = strings.ToLower(mapped)
	}
	fn, ok := b.functions[name]
	return fn, name, ok
}

// Start verifies the storage buckets exist, creating them when missing.
func (b *BaseServer) Start(ctx context.Context) error {
	var mErr *multierror.Error
	if b.config.Store != nil {
		if b.config.HTTPCacheBucket != "" {
			if err := b.config.Store.CheckAndCreateBucket(ctx, b.config.HTTPCacheBucket); err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("http cache bucket: %w", err))
			}
		}
		if b.config.StorageBucket != "" {
			if err := b.config.Store.CheckAndCreateBucket(ctx, b.config.StorageBucket); err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("storage bucket: %w", err))
			}
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}
	b.started = true
	b.logger.Info("started", "functions", len(b.functions))
	return nil
}

// Shutdown drains the request queuer before returning.
func (b *BaseServer) Shutdown(ctx context.Context) error {
	defer b.rq.Shutdown()
	for b.rq.Pending() > 0 || b.rq.Active() > 0 {
		b.logger.Debug("waiting for requests to drain",
			"pending", b.rq.Pending(), "active", b.rq.Active())
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.logger.Info("shut down")
	return nil
}

// CallExposedFunction invokes a plugin through the shared pipeline: it
// tracks the active job, injects the capability arguments, persists the
// result, and reacts to the delete-reservation signal. The empty UUID
// marks a one-shot invocation with no persistence.
func (b *BaseServer) CallExposedFunction(ctx context.Context, fn *structs.ExposedFunction, args map[string]string, uuid string) (interface{}, error) {
	defer metrics.MeasureSince([]string{"spider", "base", "call_function"}, time.Now())

	if uuid != "" {
		if !b.trackJob(uuid) {
			return nil, fmt.Errorf("reservation %s is already executing", uuid)
		}
		defer b.untrackJob(uuid)
	}

	inv := &structs.Invocation{Args: args}
	if fn.WantsUUID {
		inv.ReservationUUID = uuid
	}
	if fn.WantsFastCache {
		inv.FastCache = b.FastCache(uuid)
	}

	data, err := fn.Func(ctx, inv)
	if err != nil {
		if errors.Is(err, structs.ErrDeleteReservation) {
			b.logger.Info("reservation deleted at request of the function",
				"function", fn.Name, "uuid", uuid)
			if uuid != "" {
				if derr := b.DeleteReservation(ctx, uuid); derr != nil {
					b.logger.Error("failed to delete reservation",
						"uuid", uuid, "error", derr)
				}
			}
			return nil, err
		}
		metrics.IncrCounter([]string{"spider", "base", "function_error"}, 1)
		b.logger.Error("function failed", "function", fn.Name, "uuid", uuid, "error", err)
		return nil, err
	}

	b.logger.Debug("function returned successfully", "function", fn.Name)
	if uuid == "" || data == nil {
		return data, nil
	}
	if b.config.Store != nil && b.config.StorageBucket != "" {
		if err := b.storeResult(ctx, uuid, data); err != nil {
			b.logger.Error("failed to store result",
				"function", fn.Name, "uuid", uuid, "error", err)
		}
	}
	return data, nil
}

func (b *BaseServer) storeResult(ctx context.Context, uuid string, data interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&data); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	obj := &blob.Object{Body: buf.Bytes(), ContentType: "application/octet-stream"}
	return b.config.Store.Put(ctx, b.config.StorageBucket, uuid, obj, true)
}

// DeleteReservation removes a reservation from the catalog, the result
// bucket, and the account cache.
func (b *BaseServer) DeleteReservation(ctx context.Context, uuid string) error {
	b.logger.Info("deleting reservation", "uuid", uuid)
	var mErr *multierror.Error
	if b.config.Catalog != nil {
		if err := b.config.Catalog.DeleteService(ctx, uuid); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if b.config.Store != nil && b.config.StorageBucket != "" {
		if err := b.config.Store.Delete(ctx, b.config.StorageBucket, uuid); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if b.config.KV != nil {
		if err := b.config.KV.Delete(ctx, uuid); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	b.fastCacheMu.Lock()
	delete(b.fastCaches, uuid)
	b.fastCacheMu.Unlock()
	return mErr.ErrorOrNil()
}

// DeleteHTTPCache empties the cache bucket.
func (b *BaseServer) DeleteHTTPCache(ctx context.Context) error {
	if b.config.Store == nil || b.config.HTTPCacheBucket == "" {
		return nil
	}
	return b.config.Store.EmptyBucket(ctx, b.config.HTTPCacheBucket)
}

// GetPage is the fetch entry point plugins use.
func (b *BaseServer) GetPage(ctx context.Context, req *pagegetter.Request) (*pagegetter.Result, error) {
	if b.pg == nil {
		return nil, fmt.Errorf("no http cache bucket configured")
	}
	return b.pg.GetPage(ctx, req)
}

// PageGetter exposes the cache for callers that need it directly.
func (b *BaseServer) PageGetter() *pagegetter.Getter { return b.pg }

// RequestQueuer exposes the underlying HTTP client.
func (b *BaseServer) RequestQueuer() *requestqueuer.Queuer { return b.rq }

// SetHostMaxRequestsPerSecond adjusts pacing for one host.
func (b *BaseServer) SetHostMaxRequestsPerSecond(host string, rps float64) {
	b.rq.SetHostMaxRequestsPerSecond(host, rps)
}

// SetHostMaxSimultaneousRequests adjusts the in-flight cap for one host.
func (b *BaseServer) SetHostMaxSimultaneousRequests(host string, n int) {
	b.rq.SetHostMaxSimultaneousRequests(host, n)
}

// SetFastCache stores a per-reservation blob handed to the plugin on its
// next fire.
func (b *BaseServer) SetFastCache(uuid string, data []byte) {
	if uuid == "" {
		return
	}
	b.fastCacheMu.Lock()
	defer b.fastCacheMu.Unlock()
	b.fastCaches[uuid] = append([]byte(nil), data...)
}

// FastCache reads a reservation's fast-cache blob.
func (b *BaseServer) FastCache(uuid string) []byte {
	b.fastCacheMu.Lock()
	defer b.fastCacheMu.Unlock()
	return b.fastCaches[uuid]
}

// ActiveJobs counts plugin executions in flight on this server.
func (b *BaseServer) ActiveJobs() int {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	return len(b.activeJobs)
}

// trackJob records a running reservation, refusing a second concurrent
// dispatch of the same UUID in this process.
func (b *BaseServer) trackJob(uuid string) bool {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	if _, exists := b.activeJobs[uuid]; exists {
		return false
	}
	b.activeJobs[uuid] = struct{}{}
	metrics.SetGauge([]string{"spider", "base", "active_jobs"}, float32(len(b.activeJobs)))
	return true
}

func (b *BaseServer) untrackJob(uuid string) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	delete(b.activeJobs, uuid)
	metrics.SetGauge([]string{"spider", "base", "active_jobs"}, float32(len(b.activeJobs)))
}

// ServerStatus is the observability snapshot for the shared services.
type ServerStatus struct {
	ActiveRequests        int            `json:"active_requests"`
	PendingRequests       int            `json:"pending_requests"`
	ActiveRequestsByHost  map[string]int `json:"active_requests_by_host"`
	PendingRequestsByHost map[string]int `json:"pending_requests_by_host"`
	ActiveJobs            int            `json:"active_jobs"`
	Functions             []string       `json:"functions"`
}

// Status snapshots the shared services.
func (b *BaseServer) Status() *ServerStatus {
	names := make([]string, 0, len(b.functions))
	for name := range b.functions {
		names = append(names, name)
	}
	return &ServerStatus{
		ActiveRequests:        b.rq.Active(),
		PendingRequests:       b.rq.Pending(),
		ActiveRequestsByHost:  b.rq.ActiveByHost(),
		PendingRequestsByHost: b.rq.PendingByHost(),
		ActiveJobs:            b.ActiveJobs(),
		Functions:             names,
	}
}
