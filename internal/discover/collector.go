package discover

import (
	"context"

	"github.com/postalsys/stunwire/internal/stack"
)

// Outcome is the terminal event of one client transaction. Exactly one
// of Response or Failure is set.
type Outcome struct {
	Response *stack.ResponseEvent
	Failure  *stack.FailureEvent
}

// Collector adapts the engine's callback delivery to a channel so a
// caller can wait for one transaction with a context. The channel is
// buffered for the single terminal event, so an abandoned wait never
// blocks an engine goroutine.
type Collector struct {
	ch chan Outcome
}

// NewCollector returns a collector for a single transaction.
func NewCollector() *Collector {
	return &Collector{ch: make(chan Outcome, 1)}
}

// OnResponse implements stack.ResponseCollector.
func (c *Collector) OnResponse(ev *stack.ResponseEvent) { c.ch <- Outcome{Response: ev} }

// OnTimeout implements stack.ResponseCollector.
func (c *Collector) OnTimeout(ev *stack.FailureEvent) { c.ch <- Outcome{Failure: ev} }

// OnUnreachable implements stack.ResponseCollector.
func (c *Collector) OnUnreachable(ev *stack.FailureEvent) { c.ch <- Outcome{Failure: ev} }

// Wait blocks until the transaction reaches a terminal outcome or ctx
// is done. After a ctx error the transaction keeps running in the
// engine until its own schedule ends; its event lands in the buffer.
func (c *Collector) Wait(ctx context.Context) (Outcome, error) {
	select {
	case out := <-c.ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
