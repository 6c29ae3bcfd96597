// Package pagegetter layers a conditional HTTP cache over the request
// queuer. Responses are stored in a blob-store bucket keyed by a SHA-1 of
// the request identity, together with side-channel metadata used for
// change detection, revalidation, and failure history.
package pagegetter

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/wehriam/awspider/spider/blob"
	"github.com/wehriam/awspider/spider/requestqueuer"
	"github.com/wehriam/awspider/spider/structs"
)

// CacheMode selects how the cache participates in a fetch.
type CacheMode int

const (
	// CacheBypass fetches upstream and writes through to the cache.
	CacheBypass CacheMode = -1

	// CacheRevalidate serves unexpired entries and revalidates expired
	// ones with a conditional GET.
	CacheRevalidate CacheMode = 0

	// CacheFirst serves any cached entry unconditionally.
	CacheFirst CacheMode = 1
)

// Metadata keys stored with each cache entry.
const (
	metaContentSHA1     = "content-sha1"
	metaCacheExpires    = "cache-expires"
	metaCacheETag       = "cache-etag"
	metaCacheLastMod    = "cache-last-modified"
	metaContentChanges  = "content-changes"
	metaRequestFailures = "request-failures"

	// Retention for the side-channel timestamp lists.
	maxContentChanges  = 10
	maxRequestFailures = 3

	asyncWriteTimeout = 60 * time.Second
)

// Request is a request queuer request plus cache controls.
type Request struct {
	requestqueuer.Request

	// HashURL, when set, replaces the URL in cache-key derivation so
	// equivalent URLs share an entry.
	HashURL string

	CacheMode CacheMode

	// ContentSHA1 is the body hash the caller already holds. When the
	// fetch would return the same content, GetPage fails with
	// structs.ErrStaleContent.
	ContentSHA1 string

	// ConfirmCacheWrite makes GetPage wait for the cache write instead
	// of completing as soon as the response is in hand.
	ConfirmCacheWrite bool
}

// Result is a completed fetch.
type Result struct {
	Body        []byte
	Header      http.Header
	Status      int
	Message     string
	ContentSHA1 string
	CacheHit    bool
}

// Getter is the cache. It holds no in-process shared state beyond its
// handles; concurrency control belongs to the request queuer underneath.
type Getter struct {
	store  blob.Store
	bucket string
	rq     *requestqueuer.Queuer
	logger hclog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New builds a Getter writing to the given cache bucket.
func New(store blob.Store, bucket string, rq *requestqueuer.Queuer, logger hclog.Logger) *Getter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Getter{
		store:  store,
		bucket: bucket,
		rq:     rq,
		logger: logger.Named("pagegetter"),
		now:    time.Now,
	}
}

// GetPage fetches a page according to the request's cache mode.
func (g *Getter) GetPage(ctx context.Context, req *Request) (*Result, error) {
	defer metrics.MeasureSince([]string{"spider", "pagegetter", "get_page"}, time.Now())

	switch req.CacheMode {
	case CacheBypass, CacheRevalidate, CacheFirst:
	default:
		return nil, fmt.Errorf("unknown cache mode %d", req.CacheMode)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	// Non-GET requests pass straight through; only the stale check
	// applies.
	if method != http.MethodGet {
		resp, err := g.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		sha := sha1Hex(resp.Body)
		if req.ContentSHA1 != "" && req.ContentSHA1 == sha {
			return nil, structs.ErrStaleContent
		}
		return resultFromResponse(resp, sha, false), nil
	}

	key := g.requestHash(req)
	switch req.CacheMode {
	case CacheBypass:
		return g.getBypass(ctx, req, key)
	case CacheFirst:
		return g.getCacheFirst(ctx, req, key)
	default:
		return g.getRevalidate(ctx, req, key)
	}
}

// requestHash derives the cache key: SHA-1 over the hash URL (or URL),
// headers, agent, and cookies.
func (g *Getter) requestHash(req *Request) string {
	h := sha1.New()
	if req.HashURL != "" {
		h.Write([]byte(req.HashURL))
	} else {
		h.Write([]byte(req.URL))
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vs := append([]string(nil), req.Header[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			fmt.Fprintf(h, "|h:%s=%s", strings.ToLower(k), v)
		}
	}

	fmt.Fprintf(h, "|a:%s", req.Agent)

	cookies := make([]string, 0, len(req.Cookies))
	for _, c := range req.Cookies {
		cookies = append(cookies, c.Name+"="+c.Value)
	}
	sort.Strings(cookies)
	for _, c := range cookies {
		fmt.Fprintf(h, "|c:%s", c)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (g *Getter) getBypass(ctx context.Context, req *Request, key string) (*Result, error) {
	resp, err := g.fetch(ctx, req)
	if err != nil {
		g.recordFailure(ctx, key)
		return nil, err
	}
	res, err := g.storeResult(ctx, req, key, resp)
	if err != nil {
		return nil, err
	}
	if req.ContentSHA1 != "" && req.ContentSHA1 == res.ContentSHA1 {
		return nil, structs.ErrStaleContent
	}
	return res, nil
}

func (g *Getter) getCacheFirst(ctx context.Context, req *Request, key string) (*Result, error) {
	obj, err := g.store.Get(ctx, g.bucket, key)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			g.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return g.getBypass(ctx, req, key)
	}
	// Entries without a content hash carry only failure history from
	// recordFailure; there is no body worth serving.
	if obj.Meta[metaContentSHA1] == "" {
		return g.getBypass(ctx, req, key)
	}
	if req.ContentSHA1 != "" && req.ContentSHA1 == obj.Meta[metaContentSHA1] {
		return nil, structs.ErrStaleContent
	}
	metrics.IncrCounter([]string{"spider", "pagegetter", "cache_hit"}, 1)
	return cachedResult(obj), nil
}

func (g *Getter) getRevalidate(ctx context.Context, req *Request, key string) (*Result, error) {
	meta, err := g.store.Head(ctx, g.bucket, key)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			g.logger.Warn("cache head failed", "key", key, "error", err)
		}
		return g.getBypass(ctx, req, key)
	}

	// Within the expiry window the entry is authoritative: suppress the
	// fetch entirely, either as stale content or as a cache hit.
	if expires, ok := parseHTTPTime(meta[metaCacheExpires]); ok && expires.After(g.now()) {
		if req.ContentSHA1 != "" && req.ContentSHA1 == meta[metaContentSHA1] {
			return nil, structs.ErrStaleContent
		}
		obj, err := g.store.Get(ctx, g.bucket, key)
		if err == nil {
			metrics.IncrCounter([]string{"spider", "pagegetter", "cache_hit"}, 1)
			return cachedResult(obj), nil
		}
		g.logger.Warn("cache body read failed, refetching", "key", key, "error", err)
		return g.getBypass(ctx, req, key)
	}

	// Expired or unknown freshness: revalidate with a conditional GET.
	condReq := *req
	condReq.ETag = meta[metaCacheETag]
	condReq.LastModified = meta[metaCacheLastMod]
	resp, err := g.fetchRaw(ctx, &condReq)
	if err != nil {
		g.recordFailure(ctx, key)
		return nil, err
	}

	if resp.Status == http.StatusNotModified {
		if req.ContentSHA1 != "" && req.ContentSHA1 == meta[metaContentSHA1] {
			return nil, structs.ErrStaleContent
		}
		obj, err := g.store.Get(ctx, g.bucket, key)
		if err != nil {
			return nil, fmt.Errorf("upstream returned 304 but cache read failed for %s: %w", key, err)
		}
		metrics.IncrCounter([]string{"spider", "pagegetter", "cache_hit"}, 1)
		return cachedResult(obj), nil
	}
	if resp.Status >= 400 {
		g.recordFailure(ctx, key)
		return nil, &structs.HTTPError{Status: resp.Status, Message: resp.Message}
	}

	res, err := g.storeResult(ctx, req, key, resp)
	if err != nil {
		return nil, err
	}
	if req.ContentSHA1 != "" && req.ContentSHA1 == res.ContentSHA1 {
		return nil, structs.ErrStaleContent
	}
	return res, nil
}

// fetch runs a request through the queuer and converts error statuses,
// recording nothing.
func (g *Getter) fetch(ctx context.Context, req *Request) (*requestqueuer.Response, error) {
	resp, err := g.fetchRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 400 {
		return nil, &structs.HTTPError{Status: resp.Status, Message: resp.Message}
	}
	return resp, nil
}

func (g *Getter) fetchRaw(ctx context.Context, req *Request) (*requestqueuer.Response, error) {
	rqReq := req.Request
	return g.rq.GetPage(ctx, &rqReq)
}

// storeResult writes a successful response through to the cache and
// returns the caller-facing result. A Cache-Control: no-cache response is
// returned without being written.
func (g *Getter) storeResult(ctx context.Context, req *Request, key string, resp *requestqueuer.Response) (*Result, error) {
	sha := sha1Hex(resp.Body)
	res := resultFromResponse(resp, sha, false)

	if strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "no-cache") {
		return res, nil
	}

	meta := blob.Meta{metaContentSHA1: sha}
	if v := resp.Header.Get("Expires"); v != "" {
		meta[metaCacheExpires] = v
	}
	if v := resp.Header.Get("ETag"); v != "" {
		meta[metaCacheETag] = v
	}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		meta[metaCacheLastMod] = v
	}

	// Carry history forward from the previous entry and note a content
	// change when the body hash moved.
	if prev, err := g.store.Head(ctx, g.bucket, key); err == nil {
		if failures := prev[metaRequestFailures]; failures != "" {
			meta[metaRequestFailures] = failures
		}
		changes := prev[metaContentChanges]
		if prevSHA := prev[metaContentSHA1]; prevSHA != "" && prevSHA != sha {
			changes = appendTimestamp(changes, g.now().Unix(), maxContentChanges)
		}
		if changes != "" {
			meta[metaContentChanges] = changes
		}
	} else if !errors.Is(err, blob.ErrNotFound) {
		g.logger.Warn("cache head before write failed", "key", key, "error", err)
	}

	obj := &blob.Object{
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		Meta:        meta,
	}
	if req.ConfirmCacheWrite {
		if err := g.store.Put(ctx, g.bucket, key, obj, true); err != nil {
			return nil, fmt.Errorf("failed to write cache entry %s: %w", key, err)
		}
		return res, nil
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		defer cancel()
		if err := g.store.Put(writeCtx, g.bucket, key, obj, true); err != nil {
			g.logger.Error("cache write failed", "key", key, "error", err)
		}
	}()
	return res, nil
}

// recordFailure appends a failure timestamp to the entry's side channel so
// later callers can see recent fetch trouble. Best effort.
func (g *Getter) recordFailure(ctx context.Context, key string) {
	metrics.IncrCounter([]string{"spider", "pagegetter", "request_failure"}, 1)
	meta := blob.Meta{}
	var body []byte
	if obj, err := g.store.Get(ctx, g.bucket, key); err == nil {
		meta = obj.Meta
		body = obj.Body
	}
	meta[metaRequestFailures] = appendTimestamp(meta[metaRequestFailures], g.now().Unix(), maxRequestFailures)
	obj := &blob.Object{Body: body, Meta: meta}
	if err := g.store.Put(ctx, g.bucket, key, obj, true); err != nil {
		g.logger.Warn("failed to record request failure", "key", key, "error", err)
	}
}

func cachedResult(obj *blob.Object) *Result {
	header := http.Header{}
	if obj.ContentType != "" {
		header.Set("Content-Type", obj.ContentType)
	}
	// Restore the standard header names the entry was stored under.
	if v := obj.Meta[metaCacheExpires]; v != "" {
		header.Set("Expires", v)
	}
	if v := obj.Meta[metaCacheETag]; v != "" {
		header.Set("ETag", v)
	}
	if v := obj.Meta[metaCacheLastMod]; v != "" {
		header.Set("Last-Modified", v)
	}
	sha := obj.Meta[metaContentSHA1]
	if sha == "" {
		sha = sha1Hex(obj.Body)
	}
	return &Result{
		Body:        obj.Body,
		Header:      header,
		Status:      http.StatusNotModified,
		Message:     "Not Modified",
		ContentSHA1: sha,
		CacheHit:    true,
	}
}

func resultFromResponse(resp *requestqueuer.Response, sha string, hit bool) *Result {
	return &Result{
		Body:        resp.Body,
		Header:      resp.Header,
		Status:      resp.Status,
		Message:     resp.Message,
		ContentSHA1: sha,
		CacheHit:    hit,
	}
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// appendTimestamp adds ts to a comma-separated unix timestamp list,
// retaining only the newest max entries.
func appendTimestamp(list string, ts int64, max int) string {
	var parts []string
	if list != "" {
		parts = strings.Split(list, ",")
	}
	parts = append(parts, strconv.FormatInt(ts, 10))
	if len(parts) > max {
		parts = parts[len(parts)-max:]
	}
	return strings.Join(parts, ",")
}

func parseHTTPTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{http.TimeFormat, time.RFC1123Z, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
