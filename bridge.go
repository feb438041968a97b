package voxcapture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultOperationTimeout bounds every Initialize, Start and Stop.
const DefaultOperationTimeout = 3 * time.Second

const (
	completionPending = iota
	completionDone
	completionAbandoned
)

// completion turns a callback-delivered result into something the caller
// can wait on. One is created per operation and used once.
type completion struct {
	mu     sync.Mutex
	status int
	result chan error
}

func newCompletion() *completion {
	return &completion{result: make(chan error, 1)}
}

// complete publishes the result. It returns false if the waiter has
// already given up, in which case the completer owns any cleanup.
func (c *completion) complete(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != completionPending {
		return false
	}
	c.status = completionDone
	c.result <- err
	return true
}

// wait blocks until the result arrives, the timeout elapses or ctx ends.
// On timeout it returns ErrTimeout and does not retry.
func (c *completion) wait(ctx context.Context, timeout time.Duration, op string) error {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-c.result:
		return err
	case <-ctx.Done():
	}

	c.mu.Lock()
	if c.status == completionDone {
		c.mu.Unlock()
		return <-c.result
	}
	c.status = completionAbandoned
	c.mu.Unlock()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, ctx.Err())
}
