package spider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/wehriam/awspider/spider/structs"
)

// InterfaceServer is the public entry point for reservations: it validates
// arguments, performs the synchronous first fire through the shared
// invoker, and announces recurring reservations to the scheduler.
type InterfaceServer struct {
	logger hclog.Logger
	config *Config
	base   *BaseServer

	httpc *http.Client

	readyMu        sync.Mutex
	schedulerReady bool

	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// NewInterfaceServer builds the interface role.
func NewInterfaceServer(config *Config, base *BaseServer) *InterfaceServer {
	return &InterfaceServer{
		logger:     config.Logger.Named("interface"),
		config:     config,
		base:       base,
		httpc:      cleanhttp.DefaultPooledClient(),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the scheduler reachability probe in the background.
func (i *InterfaceServer) Start(ctx context.Context) error {
	if i.config.SchedulerAddr == "" {
		i.logger.Warn("no scheduler address configured, reservations will not recur")
		return nil
	}
	go i.resolveScheduler(ctx)
	return nil
}

// Shutdown stops the reachability probe.
func (i *InterfaceServer) Shutdown() {
	i.stopOnce.Do(func() { close(i.shutdownCh) })
}

// resolveScheduler polls the scheduler's status endpoint until it answers,
// so a scheduler that starts later is picked up without restarting the
// interface.
func (i *InterfaceServer) resolveScheduler(ctx context.Context) {
	target := strings.TrimSuffix(i.config.SchedulerAddr, "/") + "/v1/status/server"
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			i.logger.Error("bad scheduler address", "addr", i.config.SchedulerAddr, "error", err)
			return
		}
		resp, err := i.httpc.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode < 500 {
				i.readyMu.Lock()
				i.schedulerReady = true
				i.readyMu.Unlock()
				i.logger.Info("scheduler resolved", "addr", i.config.SchedulerAddr)
				return
			}
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return
		case <-i.shutdownCh:
			return
		}
	}
}

// SchedulerReady reports whether the scheduler has answered the probe.
func (i *InterfaceServer) SchedulerReady() bool {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	return i.schedulerReady
}

// CreateReservation validates the arguments, fires the plugin once
// synchronously, and for recurring plugins registers the new UUID with the
// scheduler. Recurring plugins return {uuid: result}; one-shot plugins
// return the bare result.
func (i *InterfaceServer) CreateReservation(ctx context.Context, functionName string, args map[string]string) (interface{}, error) {
	defer metrics.MeasureSince([]string{"spider", "interface", "create_reservation"}, time.Now())

	fn, ok := i.base.Function(functionName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", structs.ErrUnknownFunction, functionName)
	}

	kwargs := make(map[string]string)
	var missing []string
	for _, arg := range fn.RequiredArgs {
		v, ok := args[arg]
		if !ok {
			missing = append(missing, arg)
			continue
		}
		kwargs[arg] = strings.ToValidUTF8(v, "")
	}
	if len(missing) > 0 {
		return nil, &structs.InvalidArgumentsError{FunctionName: fn.Name, Missing: missing}
	}
	for _, arg := range fn.OptionalArgs {
		if v, ok := args[arg]; ok {
			kwargs[arg] = strings.ToValidUTF8(v, "")
		}
	}
	// Unrecognized arguments are dropped.

	if !fn.Recurring() {
		return i.base.CallExposedFunction(ctx, fn, kwargs, "")
	}

	uuid := structs.NewUUID()
	data, err := i.base.CallExposedFunction(ctx, fn, kwargs, uuid)
	if err != nil {
		return nil, fmt.Errorf("failed to create reservation for %s: %w", fn.Name, err)
	}
	if err := i.notifyScheduler(ctx, uuid, fn.Name); err != nil {
		// The scheduler add path is the only road into the heap; a
		// reservation it never hears about would silently never recur.
		return nil, fmt.Errorf("reservation %s fired but scheduler was not notified: %w", uuid, err)
	}
	metrics.IncrCounter([]string{"spider", "interface", "reservations_created"}, 1)
	return map[string]interface{}{uuid: data}, nil
}

// notifyScheduler announces a new reservation to the scheduler's add
// endpoint.
func (i *InterfaceServer) notifyScheduler(ctx context.Context, uuid, functionName string) error {
	if i.config.SchedulerAddr == "" {
		return fmt.Errorf("no scheduler address configured")
	}
	params := url.Values{}
	params.Set("uuid", uuid)
	params.Set("type", functionName)
	target := strings.TrimSuffix(i.config.SchedulerAddr, "/") + "/v1/scheduler/add?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := i.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scheduler add returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
