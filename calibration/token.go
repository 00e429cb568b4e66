package calibration

import (
	"sync"

	"go.uber.org/atomic"
)

// CancellationToken is set once by whoever drives a run and observed by every unit of it. It
// cannot be unset.
type CancellationToken struct {
	once      sync.Once
	cancelled atomic.Bool
	done      chan struct{}
}

// NewCancellationToken returns a token that is not set.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{done: make(chan struct{})}
}

// Cancel sets the token. Calling it again does nothing.
func (t *CancellationToken) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
	})
}

// IsCancelled reports whether Cancel was called.
func (t *CancellationToken) IsCancelled() bool {
	return t.cancelled.Load()
}

// Done is closed by Cancel.
func (t *CancellationToken) Done() <-chan struct{} {
	return t.done
}
