// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
)

// UpdateFunc recebe o registro atual (found=false se ausente) e devolve o próximo.
// O registro só é gravado quando persist for true.
type UpdateFunc func(current domain.WindowRecord, found bool) (next domain.WindowRecord, persist bool)

// WindowStore é o dono exclusivo dos WindowRecords.
type WindowStore interface {
	Get(ctx context.Context, key string) (domain.WindowRecord, bool, error)
	Upsert(ctx context.Context, key string, record domain.WindowRecord) error
	// Update executa leitura, fn e escrita da chave como uma unidade atômica.
	// fn pode ser chamada mais de uma vez e deve ser pura.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	EvictIfNeeded(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
}
