// Package domain concentra entidades e estruturas centrais do controle de admissão.
package domain

import (
	"fmt"
	"time"
)

// UnknownKey é usada quando o chamador não fornece uma chave.
const UnknownKey = "unknown"

// Rule descreve os limites de uma janela fixa.
type Rule struct {
	MaxEvents      int
	Window         time.Duration
	MaxTrackedKeys int
}

// Validate rejeita regras cujo comportamento seria indefinido.
func (r Rule) Validate() error {
	if r.MaxEvents < 0 {
		return fmt.Errorf("%w: max events must not be negative, got %d", ErrInvalidConfig, r.MaxEvents)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, r.Window)
	}
	if r.MaxTrackedKeys <= 0 {
		return fmt.Errorf("%w: max tracked keys must be positive, got %d", ErrInvalidConfig, r.MaxTrackedKeys)
	}
	return nil
}

// WindowRecord guarda a contagem de uma chave na janela corrente.
type WindowRecord struct {
	Key         string
	Count       int
	WindowStart time.Time
}

// End devolve o instante em que a janela termina.
func (w WindowRecord) End(window time.Duration) time.Time {
	return w.WindowStart.Add(window)
}

// AdmissionRequest carrega as identidades extraídas da requisição pela camada HTTP.
type AdmissionRequest struct {
	IP    string
	Token string
}

// Decision é o resultado de uma tentativa de admissão.
// Remaining só tem significado quando Allowed; RetryAfter só quando negado.
type Decision struct {
	Allowed    bool
	Key        string
	Limit      int
	Count      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}
