package catalog

import (
	"context"
	"sync"
)

// Mock is an in-memory Catalog for tests.
type Mock struct {
	mu       sync.Mutex
	services []ServiceRow
	accounts map[string]map[int64]map[string]string

	// StreamErr, when set, fails StreamServices immediately.
	StreamErr error
}

// NewMock returns an empty catalog.
func NewMock() *Mock {
	return &Mock{accounts: make(map[string]map[int64]map[string]string)}
}

// AddService registers a spider_service row.
func (m *Mock) AddService(row ServiceRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, row)
}

// AddAccount registers an account row for a service.
func (m *Mock) AddAccount(service string, accountID int64, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accounts[service] == nil {
		m.accounts[service] = make(map[int64]map[string]string)
	}
	m.accounts[service][accountID] = fields
}

// Services returns a copy of the current rows.
func (m *Mock) Services() []ServiceRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ServiceRow(nil), m.services...)
}

func (m *Mock) StreamServices(ctx context.Context, chunkSize int, fn func([]ServiceRow) error) error {
	if m.StreamErr != nil {
		return m.StreamErr
	}
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	rows := m.Services()
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mock) GetService(ctx context.Context, uuid string) (*ServiceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.services {
		if row.UUID == uuid {
			out := row
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Mock) GetAccount(ctx context.Context, service string, accountID int64) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields, ok := m.accounts[service][accountID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out, nil
}

func (m *Mock) DeleteService(ctx context.Context, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.services {
		if row.UUID == uuid {
			m.services = append(m.services[:i], m.services[i+1:]...)
			return nil
		}
	}
	return nil
}
