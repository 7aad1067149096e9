package live

import "context"

// Result is one evaluation of a live query.
type Result[T any] struct {
	Value T
	Err   error
}

// QueryFunc reads the current state.
type QueryFunc[T any] func(ctx context.Context) (T, error)

// Watch evaluates query once and again after every change on topics, sending
// each result on the returned channel. A failed evaluation is delivered as a
// Result with Err set and the stream keeps running. The channel is closed when
// ctx is done; calling Watch again restarts the stream from a fresh read.
func Watch[T any](ctx context.Context, hub *Hub, query QueryFunc[T], topics ...Topic) <-chan Result[T] {
	out := make(chan Result[T])
	// Subscribe before the first read so a change racing it is not lost.
	signals, cancel := hub.Subscribe(topics...)

	go func() {
		defer close(out)
		defer cancel()

		for {
			value, err := query(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Result[T]{Value: value, Err: err}:
			case <-ctx.Done():
				return
			}

			select {
			case <-signals:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
