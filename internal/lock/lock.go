// Package lock serializes analysis passes per doctor.
package lock

import (
	"context"
	"errors"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Release frees a held lock. Calling it more than once is a no-op.
type Release func()

type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}
