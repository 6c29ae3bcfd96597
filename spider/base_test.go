package spider

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
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

func init() {
	gob.Register(map[string]string{})
}

// testHarness bundles a base server with in-memory drivers.
type testHarness struct {
	config *Config
	base   *BaseServer
	store  *blob.MemoryStore
	cat    *catalog.Mock
	kv     *kv.MemoryStore
	broker *broker.Inmem
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:  blob.NewMemoryStore(),
		cat:    catalog.NewMock(),
		kv:     kv.NewMemoryStore(),
		broker: broker.NewInmem(),
	}
	cfg := DefaultConfig()
	cfg.Logger = testlog.HCLogger(t)
	cfg.Store = h.store
	cfg.Catalog = h.cat
	cfg.KV = h.kv
	cfg.Broker = h.broker
	cfg.HTTPCacheBucket = "test-http-cache"
	cfg.StorageBucket = "test-storage"
	h.config = cfg
	h.base = NewBaseServer(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.base.Shutdown(ctx)
	})
	return h
}

func echoFunction(name string) *structs.ExposedFunction {
	return &structs.ExposedFunction{
		Name:         name,
		Interval:     time.Minute,
		RequiredArgs: []string{"username"},
		Exposed:      true,
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			return map[string]string{"username": inv.Args["username"]}, nil
		},
	}
}

func TestBaseServer_RegisterFunction(t *testing.T) {
	h := newTestHarness(t)

	require.NoError(t, h.base.RegisterFunction(echoFunction("testsvc/fetch")))

	// Lookup is case-insensitive; names normalize to lowercase.
	require.NoError(t, h.base.RegisterFunction(echoFunction("TestSvc/Upper")))
	_, ok := h.base.Function("testsvc/upper")
	require.True(t, ok)

	// Duplicate.
	err := h.base.RegisterFunction(echoFunction("testsvc/fetch"))
	require.ErrorContains(t, err, "already callable")

	// Missing callable.
	err = h.base.RegisterFunction(&structs.ExposedFunction{Name: "testsvc/nil"})
	require.ErrorContains(t, err, "no callable")

	// Empty name.
	fn := echoFunction("   ")
	err = h.base.RegisterFunction(fn)
	require.ErrorContains(t, err, "name is required")

	// Reserved argument names.
	fn = echoFunction("testsvc/reserved")
	fn.RequiredArgs = []string{"reservation_uuid"}
	err = h.base.RegisterFunction(fn)
	require.ErrorContains(t, err, "reserved")

	fn = echoFunction("testsvc/reserved2")
	fn.OptionalArgs = []string{"reservation_fast_cache"}
	err = h.base.RegisterFunction(fn)
	require.ErrorContains(t, err, "reserved")
}

func TestBaseServer_RegisterAfterStart(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.base.Start(context.Background()))
	err := h.base.RegisterFunction(echoFunction("testsvc/late"))
	require.ErrorContains(t, err, "after start")
}

func TestBaseServer_ResolveFunctionName(t *testing.T) {
	h := newTestHarness(t)
	h.config.ServiceMapping = map[string]string{"oldsvc/fetch": "testsvc/fetch"}
	require.NoError(t, h.base.RegisterFunction(echoFunction("testsvc/fetch")))

	fn, name, ok := h.base.ResolveFunctionName("oldsvc/fetch")
	require.True(t, ok)
	require.Equal(t, "testsvc/fetch", name)
	require.Equal(t, "testsvc/fetch", fn.Name)

	fn, name, ok = h.base.ResolveFunctionName("TestSvc/Fetch")
	require.True(t, ok)
	require.Equal(t, "testsvc/fetch", name)
	require.NotNil(t, fn)

	_, _, ok = h.base.ResolveFunctionName("nosuch/fn")
	require.False(t, ok)
}

func TestBaseServer_StartCreatesBuckets(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.base.Start(context.Background()))

	err := h.store.Put(context.Background(), "test-storage", "probe", &blob.Object{Body: []byte("x")}, false)
	require.NoError(t, err)
	err = h.store.Put(context.Background(), "test-http-cache", "probe", &blob.Object{Body: []byte("x")}, false)
	require.NoError(t, err)
}

func TestBaseServer_CallPersistsResult(t *testing.T) {
	h := newTestHarness(t)
	fn := echoFunction("testsvc/fetch")
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))

	uuid := structs.NewUUID()
	data, err := h.base.CallExposedFunction(context.Background(), fn,
		map[string]string{"username": "bob"}, uuid)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"username": "bob"}, data)

	obj, err := h.store.Get(context.Background(), "test-storage", uuid)
	require.NoError(t, err)
	var decoded interface{}
	require.NoError(t, gob.NewDecoder(bytes.NewReader(obj.Body)).Decode(&decoded))
	require.Equal(t, map[string]string{"username": "bob"}, decoded)
}

func TestBaseServer_OneShotNotPersisted(t *testing.T) {
	h := newTestHarness(t)
	fn := echoFunction("testsvc/fetch")
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))

	_, err := h.base.CallExposedFunction(context.Background(), fn,
		map[string]string{"username": "bob"}, "")
	require.NoError(t, err)
	require.Zero(t, h.store.Len("test-storage"))
}

func TestBaseServer_CapabilityInjection(t *testing.T) {
	h := newTestHarness(t)
	var gotUUID string
	var gotCache []byte
	fn := &structs.ExposedFunction{
		Name:           "testsvc/caps",
		Interval:       time.Minute,
		WantsUUID:      true,
		WantsFastCache: true,
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			gotUUID = inv.ReservationUUID
			gotCache = inv.FastCache
			return nil, nil
		},
	}
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))

	uuid := structs.NewUUID()
	h.base.SetFastCache(uuid, []byte("warm"))
	_, err := h.base.CallExposedFunction(context.Background(), fn, nil, uuid)
	require.NoError(t, err)
	require.Equal(t, uuid, gotUUID)
	require.Equal(t, []byte("warm"), gotCache)
}

func TestBaseServer_NoCapabilityWithoutFlags(t *testing.T) {
	h := newTestHarness(t)
	var inv *structs.Invocation
	fn := &structs.ExposedFunction{
		Name:     "testsvc/plain",
		Interval: time.Minute,
		Func: func(ctx context.Context, i *structs.Invocation) (interface{}, error) {
			inv = i
			return nil, nil
		},
	}
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))

	uuid := structs.NewUUID()
	h.base.SetFastCache(uuid, []byte("warm"))
	_, err := h.base.CallExposedFunction(context.Background(), fn, nil, uuid)
	require.NoError(t, err)
	require.Empty(t, inv.ReservationUUID)
	require.Nil(t, inv.FastCache)
}

func TestBaseServer_DeleteReservationSignal(t *testing.T) {
	h := newTestHarness(t)
	fn := &structs.ExposedFunction{
		Name:     "testsvc/done",
		Interval: time.Minute,
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			return nil, structs.ErrDeleteReservation
		},
	}
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))

	uuid := structs.NewUUID()
	h.cat.AddService(catalog.ServiceRow{UUID: uuid, Type: "testsvc/done", AccountID: 1})
	require.NoError(t, h.kv.Set(context.Background(), uuid, []byte("{}"), 0))
	require.NoError(t, h.store.Put(context.Background(), "test-storage", uuid,
		&blob.Object{Body: []byte("old")}, false))
	h.base.SetFastCache(uuid, []byte("warm"))

	_, err := h.base.CallExposedFunction(context.Background(), fn, nil, uuid)
	require.ErrorIs(t, err, structs.ErrDeleteReservation)

	require.Empty(t, h.cat.Services())
	_, err = h.kv.Get(context.Background(), uuid)
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.Zero(t, h.store.Len("test-storage"))
	require.Nil(t, h.base.FastCache(uuid))
}

func TestBaseServer_ConcurrentDuplicateUUID(t *testing.T) {
	h := newTestHarness(t)
	release := make(chan struct{})
	started := make(chan struct{})
	fn := &structs.ExposedFunction{
		Name:     "testsvc/slow",
		Interval: time.Minute,
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		},
	}
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))

	uuid := structs.NewUUID()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.base.CallExposedFunction(context.Background(), fn, nil, uuid)
		errCh <- err
	}()
	<-started
	require.Equal(t, 1, h.base.ActiveJobs())

	_, err := h.base.CallExposedFunction(context.Background(), fn, nil, uuid)
	require.ErrorContains(t, err, "already executing")

	close(release)
	require.NoError(t, <-errCh)
	require.Zero(t, h.base.ActiveJobs())
}

func TestBaseServer_FunctionError(t *testing.T) {
	h := newTestHarness(t)
	fn := &structs.ExposedFunction{
		Name:     "testsvc/fails",
		Interval: time.Minute,
		Func: func(ctx context.Context, inv *structs.Invocation) (interface{}, error) {
			return nil, fmt.Errorf("upstream exploded")
		},
	}
	require.NoError(t, h.base.RegisterFunction(fn))
	require.NoError(t, h.base.Start(context.Background()))

	uuid := structs.NewUUID()
	_, err := h.base.CallExposedFunction(context.Background(), fn, nil, uuid)
	require.ErrorContains(t, err, "upstream exploded")

	// A failed fire leaves the reservation intact.
	require.Zero(t, h.store.Len("test-storage"))
}

func TestBaseServer_DeleteHTTPCache(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.base.Start(context.Background()))
	require.NoError(t, h.store.Put(context.Background(), "test-http-cache", "k",
		&blob.Object{Body: []byte("x")}, false))
	require.Equal(t, 1, h.store.Len("test-http-cache"))

	require.NoError(t, h.base.DeleteHTTPCache(context.Background()))
	require.Zero(t, h.store.Len("test-http-cache"))
}

func TestBaseServer_Status(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.base.RegisterFunction(echoFunction("testsvc/fetch")))
	require.NoError(t, h.base.Start(context.Background()))

	status := h.base.Status()
	require.Zero(t, status.ActiveRequests)
	require.Zero(t, status.PendingRequests)
	require.Equal(t, []string{"testsvc/fetch"}, status.Functions)
}
