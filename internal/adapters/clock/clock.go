// Package clock disponibiliza implementações de ports.Clock.
package clock

import (
	"time"

	"github.com/JeanGrijp/admission-controller/internal/core/ports"
)

// System usa o relógio do sistema.
type System struct{}

var _ ports.Clock = System{}

func (System) Now() time.Time {
	return time.Now()
}
