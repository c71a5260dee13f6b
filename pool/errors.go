package pool

import (
	"errors"
	"fmt"
	"time"
)

// ErrShutdown is returned for acquisitions against a pool that is draining
// or closed. Recoverable only by recreating the pool.
var ErrShutdown = errors.New("pool is shut down")

// AcquireTimeoutError is returned when no compatible lease became available
// within the caller's deadline.
type AcquireTimeoutError struct {
	Mode Mode
	Wait time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("no %s lease available after %s", e.Mode, e.Wait)
}
