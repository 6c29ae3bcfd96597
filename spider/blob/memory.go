package blob

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and local development.
// It applies the same gzip behavior as the S3 driver so cache round trips
// exercise the compression path.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]*memoryObject
}

type memoryObject struct {
	body        []byte
	contentType string
	encoding    string
	meta        Meta
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]*memoryObject)}
}

func (m *MemoryStore) Head(ctx context.Context, bucket, key string) (Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, err := m.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return cloneMeta(obj.meta), nil
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) (*Object, error) {
	m.mu.Lock()
	obj, err := m.lookup(bucket, key)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	body := append([]byte(nil), obj.body...)
	contentType := obj.contentType
	encoding := obj.encoding
	meta := cloneMeta(obj.meta)
	m.mu.Unlock()

	if encoding == "gzip" {
		if body, err = gunzipBytes(body); err != nil {
			return nil, err
		}
	}
	return &Object{Body: body, ContentType: contentType, Meta: meta}, nil
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, obj *Object, compress bool) error {
	body := append([]byte(nil), obj.Body...)
	encoding := ""
	if compress {
		zipped, err := gzipBytes(body)
		if err != nil {
			return err
		}
		body = zipped
		encoding = "gzip"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return ErrNotFound
	}
	b[key] = &memoryObject{
		body:        body,
		contentType: obj.ContentType,
		encoding:    encoding,
		meta:        cloneMeta(obj.Meta),
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (m *MemoryStore) CheckAndCreateBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]*memoryObject)
	}
	return nil
}

func (m *MemoryStore) EmptyBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		return ErrNotFound
	}
	m.buckets[bucket] = make(map[string]*memoryObject)
	return nil
}

// Len reports the object count in a bucket.
func (m *MemoryStore) Len(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets[bucket])
}

func (m *MemoryStore) lookup(bucket, key string) (*memoryObject, error) {
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	obj, ok := b[key]
	if !ok {
		return nil, ErrNotFound
	}
	return obj, nil
}

func cloneMeta(m Meta) Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
