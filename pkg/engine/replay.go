package engine

import "context"

// Capture is an ordered log of the events an engine reduced.
type Capture struct {
	Events []Event `json:"events"`
}

// WithRecorder calls fn with every event the loop takes, in order, before it
// is reduced. fn runs on the engine goroutine.
func WithRecorder(fn func(Event)) Option { return func(e *Engine) { e.record = fn } }

// Replay folds a capture through the reducer from the engine's initial state.
// It returns the final state and every intent emitted along the way; effects
// are not run. Replaying a capture taken with WithRecorder reproduces the
// recording engine's state.
func Replay(ctx context.Context, c Capture) (State, []Intent, error) {
	var (
		r   Reducer
		s   = initialState()
		all []Intent
	)
	for _, ev := range c.Events {
		if err := ctx.Err(); err != nil {
			return s, all, err
		}
		// the loop skips events the reducer rejects, so replay does too
		next, its, err := r.Reduce(ctx, s, ev)
		if err != nil {
			continue
		}
		s = next
		all = append(all, its...)
	}
	return s, all, nil
}
