package domain

import "errors"

var (
	// ErrRateLimited acompanha uma decisão negada.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidConfig indica uma configuração rejeitada na construção.
	ErrInvalidConfig = errors.New("invalid admission config")
)

// IsRateLimitedError informa se err é (ou embrulha) ErrRateLimited.
func IsRateLimitedError(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsInvalidConfigError informa se err é (ou embrulha) ErrInvalidConfig.
func IsInvalidConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
