// Package requestqueuer provides a rate-limited, concurrency-capped HTTP
// client. Requests are bucketed by host; each host bucket is dispatched
// FIFO, paced by a minimum interval between dispatches and capped on
// in-flight requests, under a global in-flight cap shared by all hosts.
package requestqueuer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const (
	// DefaultMaxSimultaneous caps total in-flight requests.
	DefaultMaxSimultaneous = 50

	// DefaultRequestsPerHostPerSecond paces dispatches within one host
	// bucket.
	DefaultRequestsPerHostPerSecond = 1

	// DefaultMaxSimultaneousPerHost caps in-flight requests per host.
	DefaultMaxSimultaneousPerHost = 5

	// DefaultTimeout applies when a request carries none.
	DefaultTimeout = 60 * time.Second

	// dispatchRetryInterval is how long the dispatch loop sleeps when
	// pending requests exist but none are currently dispatchable.
	dispatchRetryInterval = 100 * time.Millisecond
)

// Request describes one outbound HTTP call.
type Request struct {
	URL            string
	Method         string
	Header         http.Header
	Cookies        []*http.Cookie
	Agent          string
	Timeout        time.Duration
	Body           []byte
	FollowRedirect bool
	Prioritize     bool

	// LastModified and ETag are mapped to If-Modified-Since and
	// If-None-Match request headers.
	LastModified string
	ETag         string
}

// Response is the completed call. Non-2xx statuses are not interpreted
// here; callers decide what a status means.
type Response struct {
	Body    []byte
	Header  http.Header
	Status  int
	Message string
}

// Config tunes a Queuer.
type Config struct {
	MaxSimultaneous          int
	RequestsPerHostPerSecond float64
	MaxSimultaneousPerHost   int
	Logger                   hclog.Logger
}

type pendingRequest struct {
	ctx      context.Context
	req      *Request
	host     string
	resultCh chan *dispatchResult
}

type dispatchResult struct {
	resp *Response
	err  error
}

type hostStats struct {
	Pending int
	Active  int
}

// Queuer is the per-host paced HTTP client. The pending, active and
// last-dispatch tables are owned by the run loop; callers communicate over
// channels.
type Queuer struct {
	logger hclog.Logger

	maxSimultaneous int
	minHostInterval time.Duration
	maxHostActive   int

	// Per-host overrides, guarded by overrideMu. A zero interval override
	// removes pacing; a zero simultaneity override removes the per-host
	// cap.
	overrideMu       sync.Mutex
	intervalOverride map[string]time.Duration
	activeOverride   map[string]int

	follow   *http.Client
	noFollow *http.Client

	enqueueCh  chan *pendingRequest
	doneCh     chan string
	statsCh    chan chan map[string]hostStats
	shutdownCh chan struct{}
	stopOnce   sync.Once
}

// New builds a Queuer and starts its dispatch loop. Host 127.0.0.1 is
// uncapped.
func New(cfg *Config) *Queuer {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	maxSimultaneous := cfg.MaxSimultaneous
	if maxSimultaneous <= 0 {
		maxSimultaneous = DefaultMaxSimultaneous
	}
	rps := cfg.RequestsPerHostPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerHostPerSecond
	}
	maxHostActive := cfg.MaxSimultaneousPerHost
	if maxHostActive <= 0 {
		maxHostActive = DefaultMaxSimultaneousPerHost
	}

	transport := cleanhttp.DefaultPooledTransport()
	q := &Queuer{
		logger:           logger.Named("requestqueuer"),
		maxSimultaneous:  maxSimultaneous,
		minHostInterval:  time.Duration(float64(time.Second) / rps),
		maxHostActive:    maxHostActive,
		intervalOverride: make(map[string]time.Duration),
		activeOverride:   make(map[string]int),
		follow:           &http.Client{Transport: transport},
		noFollow: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		enqueueCh:  make(chan *pendingRequest),
		doneCh:     make(chan string),
		statsCh:    make(chan chan map[string]hostStats),
		shutdownCh: make(chan struct{}),
	}
	q.SetHostMaxRequestsPerSecond("127.0.0.1", 0)
	q.SetHostMaxSimultaneousRequests("127.0.0.1", 0)
	go q.run()
	return q
}

// SetHostMaxRequestsPerSecond overrides pacing for one host. Zero removes
// pacing entirely.
func (q *Queuer) SetHostMaxRequestsPerSecond(host string, rps float64) {
	q.overrideMu.Lock()
	defer q.overrideMu.Unlock()
	if rps <= 0 {
		q.intervalOverride[host] = 0
		return
	}
	q.intervalOverride[host] = time.Duration(float64(time.Second) / rps)
}

// SetHostMaxSimultaneousRequests overrides the in-flight cap for one host.
// Zero lifts the per-host cap; the global cap still applies.
func (q *Queuer) SetHostMaxSimultaneousRequests(host string, n int) {
	q.overrideMu.Lock()
	defer q.overrideMu.Unlock()
	if n <= 0 {
		q.activeOverride[host] = q.maxSimultaneous
		return
	}
	q.activeOverride[host] = n
}

func (q *Queuer) hostInterval(host string) time.Duration {
	q.overrideMu.Lock()
	defer q.overrideMu.Unlock()
	if iv, ok := q.intervalOverride[host]; ok {
		return iv
	}
	return q.minHostInterval
}

func (q *Queuer) hostMaxActive(host string) int {
	q.overrideMu.Lock()
	defer q.overrideMu.Unlock()
	if n, ok := q.activeOverride[host]; ok {
		return n
	}
	return q.maxHostActive
}

// GetPage enqueues a request and blocks until it completes, fails, or ctx
// is done.
func (q *Queuer) GetPage(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == "" {
		return nil, fmt.Errorf("request url is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url %q: %w", req.URL, err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("url %q has no host", req.URL)
	}

	pr := &pendingRequest{
		ctx:      ctx,
		req:      req,
		host:     host,
		resultCh: make(chan *dispatchResult, 1),
	}
	select {
	case q.enqueueCh <- pr:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.shutdownCh:
		return nil, fmt.Errorf("request queuer is shut down")
	}

	select {
	case res := <-pr.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the dispatch loop. In-flight transport calls finish on
// their own.
func (q *Queuer) Shutdown() {
	q.stopOnce.Do(func() { close(q.shutdownCh) })
}

// Pending counts queued, not yet dispatched requests.
func (q *Queuer) Pending() int {
	total := 0
	for _, st := range q.stats() {
		total += st.Pending
	}
	return total
}

// Active counts in-flight requests.
func (q *Queuer) Active() int {
	total := 0
	for _, st := range q.stats() {
		total += st.Active
	}
	return total
}

// PendingByHost returns queued request counts keyed by host.
func (q *Queuer) PendingByHost() map[string]int {
	out := make(map[string]int)
	for host, st := range q.stats() {
		if st.Pending > 0 {
			out[host] = st.Pending
		}
	}
	return out
}

// ActiveByHost returns in-flight request counts keyed by host.
func (q *Queuer) ActiveByHost() map[string]int {
	out := make(map[string]int)
	for host, st := range q.stats() {
		if st.Active > 0 {
			out[host] = st.Active
		}
	}
	return out
}

func (q *Queuer) stats() map[string]hostStats {
	ch := make(chan map[string]hostStats, 1)
	select {
	case q.statsCh <- ch:
		return <-ch
	case <-q.shutdownCh:
		return nil
	}
}

// run owns the pending/active/lastDispatch tables. It is the only writer.
func (q *Queuer) run() {
	pending := make(map[string][]*pendingRequest)
	active := make(map[string]int)
	lastDispatch := make(map[string]time.Time)

	var retry *time.Timer
	var retryCh <-chan time.Time
	armRetry := func() {
		if retry == nil {
			retry = time.NewTimer(dispatchRetryInterval)
			retryCh = retry.C
		}
	}
	disarmRetry := func() {
		if retry != nil {
			retry.Stop()
			retry = nil
			retryCh = nil
		}
	}

	totalActive := func() int {
		n := 0
		for _, c := range active {
			n += c
		}
		return n
	}

	dispatch := func() {
		for {
			dispatched := 0
			for host, reqs := range pending {
				if len(reqs) == 0 {
					// Reap the empty bucket.
					delete(pending, host)
					continue
				}
				if totalActive() >= q.maxSimultaneous {
					break
				}
				if active[host] >= q.hostMaxActive(host) {
					continue
				}
				if time.Since(lastDispatch[host]) < q.hostInterval(host) {
					continue
				}
				pr := reqs[0]
				pending[host] = reqs[1:]
				if pr.ctx.Err() != nil {
					// Caller gave up while queued; the pacing slot
					// stays available for the next request.
					continue
				}
				lastDispatch[host] = time.Now()
				active[host]++
				dispatched++
				metrics.IncrCounter([]string{"spider", "requestqueuer", "dispatch"}, 1)
				go q.execute(pr)
			}
			if dispatched == 0 {
				break
			}
		}
		hasPending := false
		for _, reqs := range pending {
			if len(reqs) > 0 {
				hasPending = true
				break
			}
		}
		if hasPending {
			armRetry()
		} else {
			disarmRetry()
		}
	}

	for {
		select {
		case pr := <-q.enqueueCh:
			if pr.req.Prioritize {
				pending[pr.host] = append([]*pendingRequest{pr}, pending[pr.host]...)
			} else {
				pending[pr.host] = append(pending[pr.host], pr)
			}
			dispatch()

		case host := <-q.doneCh:
			active[host]--
			if active[host] <= 0 {
				delete(active, host)
			}
			dispatch()

		case <-retryCh:
			retry = nil
			retryCh = nil
			dispatch()

		case ch := <-q.statsCh:
			out := make(map[string]hostStats)
			for host, reqs := range pending {
				st := out[host]
				st.Pending = len(reqs)
				out[host] = st
			}
			for host, n := range active {
				st := out[host]
				st.Active = n
				out[host] = st
			}
			ch <- out

		case <-q.shutdownCh:
			disarmRetry()
			return
		}
	}
}

func (q *Queuer) execute(pr *pendingRequest) {
	defer func() {
		select {
		case q.doneCh <- pr.host:
		case <-q.shutdownCh:
		}
	}()
	resp, err := q.roundTrip(pr.ctx, pr.req)
	if err != nil {
		q.logger.Debug("request failed", "url", pr.req.URL, "error", err)
	}
	pr.resultCh <- &dispatchResult{resp: resp, err: err}
}

func (q *Queuer) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	defer metrics.MeasureSince([]string{"spider", "requestqueuer", "round_trip"}, time.Now())

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if method == http.MethodPost && len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.Agent != "" {
		httpReq.Header.Set("User-Agent", req.Agent)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	client := q.noFollow
	if req.FollowRedirect {
		client = q.follow
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		metrics.IncrCounter([]string{"spider", "requestqueuer", "transport_error"}, 1)
		return nil, err
	}
	defer httpResp.Body.Close()
	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{
		Body:    respBody,
		Header:  httpResp.Header,
		Status:  httpResp.StatusCode,
		Message: http.StatusText(httpResp.StatusCode),
	}, nil
}
