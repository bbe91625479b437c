package risk

import "context"

type callResult[T any] struct {
	val T
	err error
	rec any
}

// callWithin runs fn on its own goroutine and returns when fn does or ctx
// ends, whichever comes first. A call still running when ctx ends is
// abandoned and its result dropped, so a collaborator that ignores ctx
// cannot hold the caller. A panic in fn is re-raised on the caller's
// goroutine.
func callWithin[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		var r callResult[T]
		defer func() {
			r.rec = recover()
			done <- r
		}()
		r.val, r.err = fn(ctx)
	}()

	select {
	case r := <-done:
		if r.rec != nil {
			panic(r.rec)
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
