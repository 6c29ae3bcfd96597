package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wehriam/awspider/helper/testlog"
	"github.com/wehriam/awspider/spider/blob"
	"github.com/wehriam/awspider/spider/broker"
	"github.com/wehriam/awspider/spider/catalog"
	"github.com/wehriam/awspider/spider/kv"
	"github.com/wehriam/awspider/spider/structs"
)

// testAgent runs a full agent on in-memory drivers with an ephemeral port.
type testAgent struct {
	*Agent
	store  *blob.MemoryStore
	cat    *catalog.Mock
	broker *broker.Inmem
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()
	config := DefaultConfig()
	config.BindAddr = "127.0.0.1"
	config.Ports.HTTP = 0
	config.Postgres.URL = "postgres://unused"
	config.Interface.SchedulerAddr = "http://127.0.0.1:1"
	config.AWS.HTTPCacheBucket = "test-http-cache"
	config.AWS.StorageBucket = "test-storage"

	ta := &testAgent{
		store:  blob.NewMemoryStore(),
		cat:    catalog.NewMock(),
		broker: broker.NewInmem(),
	}
	deps := &Deps{
		Store:   ta.store,
		Catalog: ta.cat,
		KV:      kv.NewMemoryStore(),
		Broker:  ta.broker,
	}

	a, err := NewAgent(config, deps, testlog.HCLogger(t))
	require.NoError(t, err)
	ta.Agent = a

	require.NoError(t, a.RegisterFunction(&structs.ExposedFunction{
		Name:         "testsvc/once",
		RequiredArgs: []string{"username"},
		Exposed:      true,
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			return map[string]string{"username": inv.Args["username"]}, nil
		},
	}))
	require.NoError(t, a.RegisterFunction(&structs.ExposedFunction{
		Name:     "testsvc/poll",
		Interval: time.Minute,
		Exposed:  true,
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			return nil, nil
		},
	}))

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return ta
}

func (ta *testAgent) url(path string) string {
	return fmt.Sprintf("http://%s%s", ta.httpServer.Addr, path)
}

func httpJSON(t *testing.T, method, url string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(body) > 0 {
		require.NoError(t, json.Unmarshal(body, out), "body: %s", body)
	}
	return resp.StatusCode
}

func TestHTTP_FunctionOneShot(t *testing.T) {
	ta := newTestAgent(t)

	var result map[string]string
	code := httpJSON(t, http.MethodGet, ta.url("/v1/function/testsvc/once?username=bob"), &result)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "bob", result["username"])
}

func TestHTTP_FunctionMissingArgs(t *testing.T) {
	ta := newTestAgent(t)

	var errObj map[string]string
	code := httpJSON(t, http.MethodGet, ta.url("/v1/function/testsvc/once"), &errObj)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, errObj["error"], "username")
}

func TestHTTP_FunctionUnknown(t *testing.T) {
	ta := newTestAgent(t)

	var errObj map[string]string
	code := httpJSON(t, http.MethodGet, ta.url("/v1/function/nosuch/fn"), &errObj)
	require.Equal(t, http.StatusNotFound, code)
	require.NotEmpty(t, errObj["error"])
}

func TestHTTP_SchedulerAdd(t *testing.T) {
	ta := newTestAgent(t)

	uuid := structs.NewUUID()
	code := httpJSON(t, http.MethodGet,
		ta.url("/v1/scheduler/add?uuid="+uuid+"&type=testsvc/poll"), nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, ta.scheduler.Status().HeapSize)
}

func TestHTTP_SchedulerAddMissingParams(t *testing.T) {
	ta := newTestAgent(t)

	var errObj map[string]string
	code := httpJSON(t, http.MethodGet, ta.url("/v1/scheduler/add?uuid=abc"), &errObj)
	require.Equal(t, http.StatusBadRequest, code)
	require.NotEmpty(t, errObj["error"])
}

// Unknown types are swallowed with a 200 so reservation creation cannot
// wedge on a half-deployed plugin set.
func TestHTTP_SchedulerAddUnknownType(t *testing.T) {
	ta := newTestAgent(t)

	uuid := structs.NewUUID()
	code := httpJSON(t, http.MethodGet,
		ta.url("/v1/scheduler/add?uuid="+uuid+"&type=nosuch/fn"), nil)
	require.Equal(t, http.StatusOK, code)
	require.Zero(t, ta.scheduler.Status().HeapSize)
}

func TestHTTP_StatusEndpoints(t *testing.T) {
	ta := newTestAgent(t)

	var server map[string]interface{}
	require.Equal(t, http.StatusOK,
		httpJSON(t, http.MethodGet, ta.url("/v1/status/server"), &server))
	require.Contains(t, server, "functions")

	var sched map[string]interface{}
	require.Equal(t, http.StatusOK,
		httpJSON(t, http.MethodGet, ta.url("/v1/status/scheduler"), &sched))
	require.Contains(t, sched, "heap_size")

	var worker map[string]interface{}
	require.Equal(t, http.StatusOK,
		httpJSON(t, http.MethodGet, ta.url("/v1/status/worker"), &worker))
	require.Contains(t, worker, "completed")

	var self map[string]interface{}
	require.Equal(t, http.StatusOK,
		httpJSON(t, http.MethodGet, ta.url("/v1/agent/self"), &self))
	require.Contains(t, self, "roles")
}

func TestHTTP_CacheDelete(t *testing.T) {
	ta := newTestAgent(t)
	ctx := context.Background()
	require.NoError(t, ta.store.Put(ctx, "test-http-cache", "k",
		&blob.Object{Body: []byte("x")}, false))

	code := httpJSON(t, http.MethodDelete, ta.url("/v1/cache"), nil)
	require.Equal(t, http.StatusOK, code)
	require.Zero(t, ta.store.Len("test-http-cache"))

	// Wrong method.
	code = httpJSON(t, http.MethodGet, ta.url("/v1/cache"), nil)
	require.Equal(t, http.StatusMethodNotAllowed, code)
}
