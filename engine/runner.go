package engine

import (
	"context"
	"time"

	"github.com/martinemde/stride/wire"
)

// Consumer drains a run's wire on its own goroutine and renders the
// events. It must return once Receive reports the wire closed. Approval
// decisions go back through the engine's gate, never through the wire.
type Consumer func(*wire.Wire)

// consumerDrainTimeout bounds how long shutdown waits for the consumer
// to finish draining.
const consumerDrainTimeout = 2 * time.Second

// Coordinate executes one run end to end: it creates a wire, binds its
// send handle into the engine's context, starts the consumer and the
// engine concurrently, and on completion shuts the wire down so the
// consumer's receive loop exits. Cancellation of ctx interrupts the
// engine; the wire is shut down either way.
func Coordinate(ctx context.Context, e *Engine, userInput string, consume Consumer) (*RunResult, error) {
	w := wire.New()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consume(w)
	}()

	type outcome struct {
		res *RunResult
		err error
	}
	engineDone := make(chan outcome, 1)
	go func() {
		res, err := e.Run(wire.With(ctx, w), userInput)
		engineDone <- outcome{res, err}
	}()

	// The engine observes cancellation itself and returns interrupted, so
	// waiting here covers both the normal and the cancelled path.
	out := <-engineDone

	w.Shutdown()
	select {
	case <-consumerDone:
	case <-time.After(consumerDrainTimeout):
		e.logger.Warn("consumer did not exit after wire shutdown; abandoning it")
	}

	return out.res, out.err
}
