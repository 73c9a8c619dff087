package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/floegence/agentloop/internal/sanitize"
)

// StartDistillation hands the full history to the configured
// DistillationRunner on its own goroutine. Idle-only; the outcome is
// observed through PollDistillation and never blocks the driver.
func (e *Engine) StartDistillation(ctx context.Context) error {
	switch e.state.(type) {
	case idleState:
	case *recoveryBlockedState:
		return ErrBlocked
	default:
		return ErrBusy
	}
	if e.distiller == nil {
		return errors.New("no distiller configured")
	}

	msgs, err := e.history.Messages(ctx, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(msgs) == 0 {
		return errors.New("nothing to distill")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan distillOutcome, 1)
	distiller := e.distiller
	go func() {
		summary, derr := distiller.Distill(runCtx, msgs)
		done <- distillOutcome{summary: summary, err: derr}
	}()
	e.transitionTo(&distillingState{cancel: cancel, done: done})
	return nil
}

// PollDistillation observes a finished distillation without blocking.
func (e *Engine) PollDistillation(ctx context.Context) {
	st, ok := e.state.(*distillingState)
	if !ok {
		return
	}
	select {
	case out := <-st.done:
		st.cancel()
		e.transitionTo(idleState{})
		if out.err != nil {
			e.notify("Distillation failed: " + sanitize.StreamError(out.err.Error()))
			return
		}
		if e.onDistilled != nil {
			e.onDistilled(sanitize.Text(out.summary))
		}
		e.notify("Distillation complete")
	default:
	}
}
