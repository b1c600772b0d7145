package actor

import (
	"context"
)

// Ask sends a request carrying a single-use reply callback and waits for the
// answer or for ctx to end. Replies arriving after ctx ends are dropped.
func Ask[T any](ctx context.Context, send func(reply func(T)) bool) (T, error) {
	var zero T

	ch := make(chan T, 1)
	reply := func(v T) {
		select {
		case ch <- v:
		default:
		}
	}

	if !send(reply) {
		return zero, ErrStopped
	}

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
