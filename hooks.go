/*
Package lounge – middleware chains.

Pre-chains run in registration order before an operation; any error aborts
the operation before side effects. Post-chains run after; their errors never
reverse the operation.
*/
package lounge

import "context"

// Hook is a synchronous pre-hook. Returning an error aborts the operation.
type Hook func(ctx context.Context, d *Document) error

// AsyncHook is a two-signal pre-hook: the chain advances only after the
// function returns and a single error (or nil) is sent on done. An error sent
// on done, or cancellation of ctx, short-circuits the chain.
type AsyncHook func(ctx context.Context, d *Document, done chan<- error)

// PostHook runs after an operation completes. A returned error is emitted as
// an "error" event when emitErrors is enabled; it does not reverse anything.
type PostHook func(d *Document) error

type preHook struct {
	fn    Hook
	async AsyncHook
}

// Pre registers a synchronous pre-hook for the given event ("save",
// "remove", "toObject", "toJSON" or a custom name). Save and Remove run the
// "save" and "remove" chains; chains under any other name, "toObject" and
// "toJSON" included, run only through Document.RunHook.
func (s *Schema) Pre(event string, h Hook) *Schema {
	s.pres[event] = append(s.pres[event], preHook{fn: h})
	return s
}

// PreAsync registers a two-signal pre-hook.
func (s *Schema) PreAsync(event string, h AsyncHook) *Schema {
	s.pres[event] = append(s.pres[event], preHook{async: h})
	return s
}

// Post registers a post-hook.
func (s *Schema) Post(event string, h PostHook) *Schema {
	s.posts[event] = append(s.posts[event], h)
	return s
}

// runPre executes the pre-chain for event. The first error wraps as a
// MiddlewareError and stops the chain.
func (s *Schema) runPre(ctx context.Context, event string, d *Document) error {
	for _, h := range s.pres[event] {
		var err error
		if h.fn != nil {
			err = h.fn(ctx, d)
		} else {
			done := make(chan error, 1)
			h.async(ctx, d, done)
			select {
			case err = <-done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		if err != nil {
			return NewError(`pre "`+event+`" hook failed`, WithCode(ErrMiddleware), WithCause(err))
		}
	}
	return nil
}

// runPost executes the post-chain for event. Errors surface only through the
// document's "error" event when emitErrors is on.
func (s *Schema) runPost(event string, d *Document, emitErrors bool) {
	for _, h := range s.posts[event] {
		if err := h(d); err != nil {
			if emitErrors {
				d.emit("error", err)
			}
		}
	}
}
