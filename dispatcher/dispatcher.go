// Package dispatcher implements the Event Dispatcher (C9): it consumes
// DomainEvent values handed to it by the storage engine, wraps each into a
// Message, and forwards it to a user-supplied sink, retrying indefinitely
// with exponential backoff until the sink acknowledges or the call is
// cancelled.
//
// The backoff arithmetic (double the delay, clamp to a configured max) is
// grounded on the teacher stack's generic retry helper, adapted from a
// bounded max-attempts loop to the specification's unbounded retry-until-
// acknowledged contract.
package dispatcher

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/pkg/metrics"
)

// ErrDisposed is returned to any in-flight or new Dispatch call once the
// dispatcher has been disposed.
var ErrDisposed = errors.New("dispatcher: disposed")

// Config configures backoff bounds. Both fields are required and must be
// >= 0.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter is the fractional +/- randomization applied to each wait, in
	// [0,1). Zero disables jitter.
	Jitter float64
}

// Dispatcher forwards events to a sink with exponential retry.
type Dispatcher struct {
	sink     event.Sink
	cfg      Config
	disposed chan struct{}
}

// New builds a Dispatcher that forwards to sink.
func New(sink event.Sink, cfg Config) *Dispatcher {
	return &Dispatcher{sink: sink, cfg: cfg, disposed: make(chan struct{})}
}

// Dispose marks the dispatcher disposed; any pending or future Dispatch
// call returns ErrDisposed.
func (d *Dispatcher) Dispose() {
	select {
	case <-d.disposed:
	default:
		close(d.disposed)
	}
}

// Dispatch delivers msg to the sink, retrying with exponential backoff
// bounded by cfg.MaxDelay until the sink reports success, ctx is
// cancelled, or the dispatcher is disposed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg event.Message) error {
	select {
	case <-d.disposed:
		return ErrDisposed
	default:
	}

	delay := d.cfg.InitialDelay
	attempt := 0
	for {
		ok, err := d.sink.Dispatch(ctx, msg)
		attempt++
		if err == nil && ok {
			metrics.IncDispatchOutcome("success")
			return nil
		}
		metrics.IncDispatchOutcome("retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.disposed:
			return ErrDisposed
		case <-time.After(addJitter(delay, d.cfg.Jitter)):
		}
		delay = nextDelay(delay, d.cfg.MaxDelay)
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if (current > 0 && next <= 0) || next > max {
		return max
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
