package spider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wehriam/awspider/spider/structs"
)

// fakeScheduler records add notifications the way the scheduler endpoint
// would.
type fakeScheduler struct {
	*httptest.Server

	mu     sync.Mutex
	adds   []map[string]string
	status int
}

func newFakeScheduler() *fakeScheduler {
	f := &fakeScheduler{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/scheduler/add", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.adds = append(f.adds, map[string]string{
			"uuid": r.URL.Query().Get("uuid"),
			"type": r.URL.Query().Get("type"),
		})
		status := f.status
		f.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("/v1/status/server", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})
	f.Server = httptest.NewServer(mux)
	return f
}

func (f *fakeScheduler) addCalls() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.adds...)
}

func (f *fakeScheduler) setStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

func newTestInterface(t *testing.T, h *testHarness, sched *fakeScheduler) *InterfaceServer {
	t.Helper()
	if sched != nil {
		h.config.SchedulerAddr = sched.URL
	}
	i := NewInterfaceServer(h.config, h.base)
	t.Cleanup(i.Shutdown)
	return i
}

func TestInterfaceServer_CreateRecurringReservation(t *testing.T) {
	h := newTestHarness(t)
	sched := newFakeScheduler()
	defer sched.Close()
	require.NoError(t, h.base.RegisterFunction(echoFunction("testsvc/fetch")))
	require.NoError(t, h.base.Start(context.Background()))
	i := newTestInterface(t, h, sched)

	data, err := i.CreateReservation(context.Background(), "testsvc/fetch",
		map[string]string{"username": "bob", "unknown": "dropped"})
	require.NoError(t, err)

	// The result is keyed by the fresh reservation UUID.
	m, ok := data.(map[string]interface{})
	require.True(t, ok)
	require.Len(t, m, 1)
	var uuid string
	for k := range m {
		uuid = k
	}
	require.Len(t, uuid, 32)
	require.Equal(t, map[string]string{"username": "bob"}, m[uuid])

	// The scheduler heard about it.
	adds := sched.addCalls()
	require.Len(t, adds, 1)
	require.Equal(t, uuid, adds[0]["uuid"])
	require.Equal(t, "testsvc/fetch", adds[0]["type"])

	// The first fire's result was persisted.
	_, err = h.store.Get(context.Background(), "test-storage", uuid)
	require.NoError(t, err)
}

func TestInterfaceServer_CreateOneShot(t *testing.T) {
	h := newTestHarness(t)
	fn := echoFunction("testsvc/once")
	fn.Interval = 0
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))
	sched := newFakeScheduler()
	defer sched.Close()
	i := newTestInterface(t, h, sched)

	data, err := i.CreateReservation(context.Background(), "testsvc/once",
		map[string]string{"username": "bob"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"username": "bob"}, data)

	// One-shot invocations never reach the scheduler or storage.
	require.Empty(t, sched.addCalls())
	require.Zero(t, h.store.Len("test-storage"))
}

func TestInterfaceServer_UnknownFunction(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.base.Start(context.Background()))
	i := newTestInterface(t, h, nil)

	_, err := i.CreateReservation(context.Background(), "nosuch/fn", nil)
	require.ErrorIs(t, err, structs.ErrUnknownFunction)
}

func TestInterfaceServer_MissingRequiredArguments(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.base.RegisterFunction(echoFunction("testsvc/fetch")))
	require.NoError(t, h.base.Start(context.Background()))
	i := newTestInterface(t, h, nil)

	_, err := i.CreateReservation(context.Background(), "testsvc/fetch",
		map[string]string{"other": "x"})
	var invalid *structs.InvalidArgumentsError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, []string{"username"}, invalid.Missing)
}

func TestInterfaceServer_InvalidUTF8Sanitized(t *testing.T) {
	h := newTestHarness(t)
	got := make(chan string, 1)
	fn := &structs.ExposedFunction{
		Name:         "testsvc/once",
		RequiredArgs: []string{"username"},
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			got <- inv.Args["username"]
			return nil, nil
		},
	}
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))
	i := newTestInterface(t, h, nil)

	_, err := i.CreateReservation(context.Background(), "testsvc/once",
		map[string]string{"username": "bo\xffb"})
	require.NoError(t, err)
	require.Equal(t, "bob", <-got)
}

// A reservation whose scheduler notification fails is surfaced as an
// error; it would otherwise silently never recur.
func TestInterfaceServer_NotifyFailure(t *testing.T) {
	h := newTestHarness(t)
	sched := newFakeScheduler()
	defer sched.Close()
	sched.setStatus(http.StatusInternalServerError)
	require.NoError(t, h.base.RegisterFunction(echoFunction("testsvc/fetch")))
	require.NoError(t, h.base.Start(context.Background()))
	i := newTestInterface(t, h, sched)

	_, err := i.CreateReservation(context.Background(), "testsvc/fetch",
		map[string]string{"username": "bob"})
	require.ErrorContains(t, err, "scheduler was not notified")
}

func TestInterfaceServer_SchedulerProbe(t *testing.T) {
	h := newTestHarness(t)
	sched := newFakeScheduler()
	defer sched.Close()
	i := newTestInterface(t, h, sched)
	require.False(t, i.SchedulerReady())

	require.NoError(t, i.Start(context.Background()))
	deadline := time.Now().Add(5 * time.Second)
	for !i.SchedulerReady() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never resolved")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
