package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
)

var base = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func newTestStorage(t *testing.T, cfg StoreConfig) (*Storage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.Clock == nil {
		cfg.Clock = &fixedClock{now: base}
	}
	storage, err := NewWithClient(client, cfg)
	if err != nil {
		t.Fatalf("failed to create redis storage: %v", err)
	}
	return storage, mr
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func TestNewWithClient_Validates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	if _, err := NewWithClient(client, StoreConfig{MaxTrackedKeys: 0, Window: time.Second}); !domain.IsInvalidConfigError(err) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if _, err := NewWithClient(client, StoreConfig{MaxTrackedKeys: 1, Window: 0}); !domain.IsInvalidConfigError(err) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if _, err := NewWithClient(nil, StoreConfig{MaxTrackedKeys: 1, Window: time.Second}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}, StoreConfig{MaxTrackedKeys: 1, Window: time.Second}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestNew_ConnectsAndOwnsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	storage, err := New(Config{Addr: mr.Addr()}, StoreConfig{MaxTrackedKeys: 2, Window: time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestStorage_GetUpsert(t *testing.T) {
	storage, mr := newTestStorage(t, StoreConfig{Namespace: "ip", MaxTrackedKeys: 10, Window: time.Minute})
	ctx := context.Background()

	if _, ok, err := storage.Get(ctx, "ip:10.0.0.1"); err != nil || ok {
		t.Fatalf("expected missing record, ok=%v err=%v", ok, err)
	}

	start := base.Add(1500 * time.Millisecond)
	if err := storage.Upsert(ctx, "ip:10.0.0.1", domain.WindowRecord{Count: 2, WindowStart: start}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	record, ok, err := storage.Get(ctx, "ip:10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("expected record, ok=%v err=%v", ok, err)
	}
	if record.Key != "ip:10.0.0.1" || record.Count != 2 || !record.WindowStart.Equal(start) {
		t.Fatalf("unexpected record %+v", record)
	}

	if !mr.Exists("admission:ip:rec:ip:10.0.0.1") {
		t.Fatalf("expected namespaced record key in redis")
	}
	if ttl := mr.TTL("admission:ip:rec:ip:10.0.0.1"); ttl != time.Minute {
		t.Fatalf("expected record ttl of one window, got %s", ttl)
	}
}

func TestStorage_RecordExpiresAfterWindow(t *testing.T) {
	storage, mr := newTestStorage(t, StoreConfig{MaxTrackedKeys: 10, Window: time.Second})
	ctx := context.Background()

	_ = storage.Upsert(ctx, "k", domain.WindowRecord{Count: 1, WindowStart: base})
	mr.FastForward(2 * time.Second)

	if _, ok, _ := storage.Get(ctx, "k"); ok {
		t.Fatalf("expected record to expire with the window")
	}
}

func TestStorage_EvictsOldestWindowStart(t *testing.T) {
	storage, _ := newTestStorage(t, StoreConfig{MaxTrackedKeys: 3, Window: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := storage.Upsert(ctx, key, domain.WindowRecord{Count: 1, WindowStart: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("unexpected upsert error: %v", err)
		}
		if n, _ := storage.Len(ctx); n > 3 {
			t.Fatalf("storage holds %d keys, bound is 3", n)
		}
	}

	for _, key := range []string{"k0", "k1"} {
		if _, ok, _ := storage.Get(ctx, key); ok {
			t.Fatalf("expected %s to be evicted", key)
		}
	}
	for _, key := range []string{"k2", "k3", "k4"} {
		if _, ok, _ := storage.Get(ctx, key); !ok {
			t.Fatalf("expected %s to be retained", key)
		}
	}
}

func TestStorage_EvictIfNeededPrunesExpiredIndexEntries(t *testing.T) {
	clk := &fixedClock{now: base}
	storage, mr := newTestStorage(t, StoreConfig{MaxTrackedKeys: 10, Window: time.Second, Clock: clk})
	ctx := context.Background()

	_ = storage.Upsert(ctx, "old", domain.WindowRecord{Count: 1, WindowStart: base})
	mr.FastForward(5 * time.Second)
	clk.now = base.Add(5 * time.Second)

	if _, err := storage.EvictIfNeeded(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n, _ := storage.Len(ctx); n != 0 {
		t.Fatalf("expected stale index entry to be pruned, len=%d", n)
	}
}

func TestStorage_UpdateSkipsWriteWhenNotPersisted(t *testing.T) {
	storage, _ := newTestStorage(t, StoreConfig{MaxTrackedKeys: 10, Window: time.Minute})
	ctx := context.Background()

	err := storage.Update(ctx, "k", func(current domain.WindowRecord, found bool) (domain.WindowRecord, bool) {
		return domain.WindowRecord{Count: 5, WindowStart: base}, false
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := storage.Get(ctx, "k"); ok {
		t.Fatalf("expected nothing written")
	}
}

func TestStorage_UpdateIsAtomicUnderContention(t *testing.T) {
	storage, _ := newTestStorage(t, StoreConfig{MaxTrackedKeys: 10, Window: time.Minute, MaxRetries: 1000})
	ctx := context.Background()

	const workers, perWorker = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- storage.Update(ctx, "shared", func(current domain.WindowRecord, found bool) (domain.WindowRecord, bool) {
					if !found {
						current.WindowStart = base
					}
					current.Count++
					return current, true
				})
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected update error: %v", err)
		}
	}

	record, ok, _ := storage.Get(ctx, "shared")
	if !ok || record.Count != workers*perWorker {
		t.Fatalf("expected count %d, got %+v (found=%v)", workers*perWorker, record, ok)
	}
}

func TestStorage_LenIgnoresExpiredEntries(t *testing.T) {
	clk := &fixedClock{now: base}
	storage, mr := newTestStorage(t, StoreConfig{MaxTrackedKeys: 10, Window: time.Second, Clock: clk})
	ctx := context.Background()

	_ = storage.Upsert(ctx, "stale", domain.WindowRecord{Count: 1, WindowStart: base})
	if n, _ := storage.Len(ctx); n != 1 {
		t.Fatalf("expected one tracked key, got %d", n)
	}

	mr.FastForward(3 * time.Second)
	clk.now = base.Add(3 * time.Second)
	_ = storage.Upsert(ctx, "fresh", domain.WindowRecord{Count: 1, WindowStart: clk.now})

	if n, _ := storage.Len(ctx); n != 1 {
		t.Fatalf("expected expired key to be excluded, got %d", n)
	}
}

func TestStorage_PrunesWithInjectedClock(t *testing.T) {
	// Window starts come from a clock far behind the wall clock; the index
	// must be pruned against that same clock.
	past := time.Date(2001, time.March, 1, 0, 0, 0, 0, time.UTC)
	clk := &fixedClock{now: past}
	storage, _ := newTestStorage(t, StoreConfig{MaxTrackedKeys: 10, Window: time.Minute, Clock: clk})
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := storage.Upsert(ctx, key, domain.WindowRecord{Count: 1, WindowStart: past}); err != nil {
			t.Fatalf("unexpected upsert error: %v", err)
		}
	}
	if n, _ := storage.Len(ctx); n != 3 {
		t.Fatalf("expected live entries to stay indexed, got %d", n)
	}
}
