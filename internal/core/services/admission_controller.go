package services

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
	"github.com/JeanGrijp/admission-controller/internal/core/ports"
)

// AdmissionController decide, por chave, se um evento pode ser admitido usando
// janelas fixas. Numa fronteira de janela podem passar até 2×MaxEvents eventos
// em um intervalo menor que Window; essa imprecisão é própria do algoritmo.
type AdmissionController struct {
	store ports.WindowStore
	clock ports.Clock
	rule  domain.Rule

	admitted atomic.Int64
	denied   atomic.Int64
}

// ControllerStats é uma fotografia, eventualmente consistente, do controlador.
type ControllerStats struct {
	MaxEvents      int           `json:"max_events"`
	Window         time.Duration `json:"window"`
	MaxTrackedKeys int           `json:"max_tracked_keys"`
	TrackedKeys    int           `json:"tracked_keys"`
	Admitted       int64         `json:"admitted"`
	Denied         int64         `json:"denied"`
}

// NewAdmissionController cria um controlador; a regra é imutável após a construção.
func NewAdmissionController(store ports.WindowStore, clock ports.Clock, rule domain.Rule) (*AdmissionController, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrInvalidConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock is required", domain.ErrInvalidConfig)
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &AdmissionController{store: store, clock: clock, rule: rule}, nil
}

// Rule devolve a regra aplicada pelo controlador.
func (c *AdmissionController) Rule() domain.Rule {
	return c.rule
}

// Admit avalia key no instante atual do relógio injetado.
func (c *AdmissionController) Admit(ctx context.Context, key string) (domain.Decision, error) {
	return c.TryAdmit(ctx, key, c.clock.Now())
}

// TryAdmit avalia key no instante now. O erro só é possível com stores remotos.
func (c *AdmissionController) TryAdmit(ctx context.Context, key string, now time.Time) (domain.Decision, error) {
	key = normalizeKey(key)

	var decision domain.Decision
	err := c.store.Update(ctx, key, func(current domain.WindowRecord, found bool) (domain.WindowRecord, bool) {
		var persist bool
		decision, current, persist = c.decide(key, current, found, now)
		return current, persist
	})
	if err != nil {
		return domain.Decision{}, fmt.Errorf("admission for %q: %w", key, err)
	}

	if decision.Allowed {
		c.admitted.Add(1)
	} else {
		c.denied.Add(1)
	}
	return decision, nil
}

// decide é a parte pura de TryAdmit e não pode bloquear.
func (c *AdmissionController) decide(key string, record domain.WindowRecord, found bool, now time.Time) (domain.Decision, domain.WindowRecord, bool) {
	if !found {
		record = domain.WindowRecord{Key: key, WindowStart: now}
	}

	// Relógio que voltou no tempo estende a janela atual em vez de reiniciá-la.
	effectiveNow := now
	if effectiveNow.Before(record.WindowStart) {
		effectiveNow = record.WindowStart
	}

	if !effectiveNow.Before(record.End(c.rule.Window)) {
		record = domain.WindowRecord{Key: key, WindowStart: now}
		effectiveNow = now
	}

	resetAt := record.End(c.rule.Window)
	if record.Count >= c.rule.MaxEvents {
		return domain.Decision{
			Allowed:    false,
			Key:        key,
			Limit:      c.rule.MaxEvents,
			Count:      record.Count,
			RetryAfter: resetAt.Sub(effectiveNow),
			ResetAt:    resetAt,
		}, record, false
	}

	record.Count++
	return domain.Decision{
		Allowed:   true,
		Key:       key,
		Limit:     c.rule.MaxEvents,
		Count:     record.Count,
		Remaining: c.rule.MaxEvents - record.Count,
		ResetAt:   resetAt,
	}, record, true
}

// Stats lê o tamanho do store com a mesma disciplina de sincronização dos escritores.
func (c *AdmissionController) Stats(ctx context.Context) (ControllerStats, error) {
	tracked, err := c.store.Len(ctx)
	if err != nil {
		return ControllerStats{}, err
	}
	return ControllerStats{
		MaxEvents:      c.rule.MaxEvents,
		Window:         c.rule.Window,
		MaxTrackedKeys: c.rule.MaxTrackedKeys,
		TrackedKeys:    tracked,
		Admitted:       c.admitted.Load(),
		Denied:         c.denied.Load(),
	}, nil
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.UnknownKey
	}
	return key
}
