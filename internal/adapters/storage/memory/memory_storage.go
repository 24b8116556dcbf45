// Package memory disponibiliza um WindowStore em memória, limitado e particionado por hash da chave.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"hash/maphash"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
	"github.com/JeanGrijp/admission-controller/internal/core/ports"
)

const DefaultShards = 32

// Config define o limite de chaves e o número de shards (DefaultShards se zero).
type Config struct {
	MaxTrackedKeys int
	Shards         int
}

// Store mantém no máximo MaxTrackedKeys registros no total. Cada shard tem seu
// próprio lock; a contagem de chaves é global. Uma chave nova só provoca remoção
// quando o store inteiro já está no limite, e então sai o registro com o
// WindowStart mais antigo entre as cabeças de todos os shards.
type Store struct {
	seed           maphash.Seed
	shards         []*shard
	maxTrackedKeys int64
	tracked        atomic.Int64
}

var _ ports.WindowStore = (*Store)(nil)

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	byStart startHeap
}

type entry struct {
	record domain.WindowRecord
	index  int
}

// New cria um store vazio.
func New(cfg Config) (*Store, error) {
	if cfg.MaxTrackedKeys <= 0 {
		return nil, fmt.Errorf("%w: max tracked keys must be positive, got %d", domain.ErrInvalidConfig, cfg.MaxTrackedKeys)
	}
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}

	s := &Store{
		seed:           maphash.MakeSeed(),
		shards:         make([]*shard, n),
		maxTrackedKeys: int64(cfg.MaxTrackedKeys),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s, nil
}

func (s *Store) shardFor(key string) *shard {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	return s.shards[maphash.String(s.seed, key)%uint64(len(s.shards))]
}

func (s *Store) Get(_ context.Context, key string) (domain.WindowRecord, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return domain.WindowRecord{}, false, nil
	}
	return e.record, true, nil
}

func (s *Store) Upsert(ctx context.Context, key string, record domain.WindowRecord) error {
	return s.Update(ctx, key, func(domain.WindowRecord, bool) (domain.WindowRecord, bool) {
		return record, true
	})
}

// Update mantém o lock do shard entre a leitura, fn e a escrita. Se a chave é
// nova e o store está cheio, o lock é liberado, o registro mais antigo é
// removido e fn roda de novo sobre o estado atualizado.
func (s *Store) Update(_ context.Context, key string, fn ports.UpdateFunc) error {
	sh := s.shardFor(key)
	for {
		sh.mu.Lock()
		var current domain.WindowRecord
		e, found := sh.entries[key]
		if found {
			current = e.record
		}

		next, persist := fn(current, found)
		next.Key = key
		switch {
		case !persist:
			sh.mu.Unlock()
			return nil
		case found:
			e.record = next
			heap.Fix(&sh.byStart, e.index)
			sh.mu.Unlock()
			return nil
		case s.reserve():
			e = &entry{record: next}
			sh.entries[key] = e
			heap.Push(&sh.byStart, e)
			sh.mu.Unlock()
			return nil
		}

		sh.mu.Unlock()
		s.evictOldest()
	}
}

// reserve ocupa uma vaga na contagem global, se houver.
func (s *Store) reserve() bool {
	for {
		n := s.tracked.Load()
		if n >= s.maxTrackedKeys {
			return false
		}
		if s.tracked.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// evictOldest remove o registro de WindowStart mais antigo entre as cabeças dos
// shards. Os shards são travados um de cada vez, nunca dois ao mesmo tempo.
func (s *Store) evictOldest() bool {
	var victim *shard
	var oldest domain.WindowRecord
	for _, sh := range s.shards {
		sh.mu.Lock()
		if sh.byStart.Len() > 0 {
			head := sh.byStart[0].record
			if victim == nil || olderThan(head, oldest) {
				victim, oldest = sh, head
			}
		}
		sh.mu.Unlock()
	}
	if victim == nil {
		// As vagas pertencem a escritores que ainda não inseriram.
		runtime.Gosched()
		return false
	}

	victim.mu.Lock()
	defer victim.mu.Unlock()
	if victim.byStart.Len() == 0 {
		return false
	}
	e := heap.Pop(&victim.byStart).(*entry)
	delete(victim.entries, e.record.Key)
	s.tracked.Add(-1)
	return true
}

// EvictIfNeeded remove os registros mais antigos enquanto o total passar de MaxTrackedKeys.
func (s *Store) EvictIfNeeded(_ context.Context) (int, error) {
	evicted := 0
	for s.tracked.Load() > s.maxTrackedKeys {
		if !s.evictOldest() {
			break
		}
		evicted++
	}
	return evicted, nil
}

func (s *Store) Len(_ context.Context) (int, error) {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total, nil
}

// Snapshot copia os registros shard a shard. Cada shard é consistente
// isoladamente; o conjunto não é uma fotografia atômica do store.
func (s *Store) Snapshot() []domain.WindowRecord {
	out := make([]domain.WindowRecord, 0)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			out = append(out, e.record)
		}
		sh.mu.Unlock()
	}
	return out
}

func olderThan(a, b domain.WindowRecord) bool {
	if a.WindowStart.Equal(b.WindowStart) {
		return a.Key < b.Key
	}
	return a.WindowStart.Before(b.WindowStart)
}

// startHeap ordena as entradas por WindowStart, da mais antiga para a mais nova.
type startHeap []*entry

func (h startHeap) Len() int { return len(h) }

func (h startHeap) Less(i, j int) bool { return olderThan(h[i].record, h[j].record) }

func (h startHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *startHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *startHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
