package ports

import (
	"context"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
)

// Admitter é o contrato consumido pela camada HTTP.
type Admitter interface {
	Allow(ctx context.Context, req domain.AdmissionRequest) (domain.Decision, error)
}
