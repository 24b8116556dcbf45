package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
	"github.com/JeanGrijp/admission-controller/internal/core/ports"
)

var epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// at returns the instant offset seconds after epoch.
func at(seconds float64) time.Time {
	return epoch.Add(time.Duration(seconds * float64(time.Second)))
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type mockStore struct {
	mu      sync.Mutex
	records map[string]domain.WindowRecord
	writes  int
}

var _ ports.WindowStore = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]domain.WindowRecord)}
}

func (m *mockStore) Get(_ context.Context, key string) (domain.WindowRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	return record, ok, nil
}

func (m *mockStore) Upsert(_ context.Context, key string, record domain.WindowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.Key = key
	m.records[key] = record
	m.writes++
	return nil
}

func (m *mockStore) Update(_ context.Context, key string, fn ports.UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, found := m.records[key]
	next, persist := fn(current, found)
	if persist {
		next.Key = key
		m.records[key] = next
		m.writes++
	}
	return nil
}

func (m *mockStore) EvictIfNeeded(context.Context) (int, error) { return 0, nil }

func (m *mockStore) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

var errStoreDown = errors.New("store unavailable")

type failingStore struct{ mockStore }

func (f *failingStore) Update(context.Context, string, ports.UpdateFunc) error { return errStoreDown }

func (f *failingStore) Len(context.Context) (int, error) { return 0, errStoreDown }
