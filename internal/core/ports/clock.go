package ports

import "time"

// Clock abstrai o instante atual.
type Clock interface {
	Now() time.Time
}
