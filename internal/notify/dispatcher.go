// Package notify delivers trade settlement notifications after the unit that
// produced them has committed. Settlement only appends to the dispatcher's
// queue; a consumer goroutine fans payloads out to the configured sinks, so
// a slow or failing subscriber can never hold up or roll back a trade.
package notify

import (
	"context"
	"log/slog"

	"github.com/atmx/spot-exchange/internal/metrics"
	"github.com/atmx/spot-exchange/internal/model"
)

// Sink receives settled-trade payloads.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, p model.TradeSettled) error
}

// Dispatcher is a bounded outbox in front of a set of sinks.
type Dispatcher struct {
	queue chan model.TradeSettled
	sinks []Sink
}

// NewDispatcher creates a dispatcher whose queue holds up to size payloads.
func NewDispatcher(size int, sinks ...Sink) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		queue: make(chan model.TradeSettled, size),
		sinks: sinks,
	}
}

// Publish enqueues payloads without blocking. When the queue is full the
// payload is dropped and counted.
func (d *Dispatcher) Publish(payloads ...model.TradeSettled) {
	for _, p := range payloads {
		select {
		case d.queue <- p:
		default:
			metrics.NotificationsDropped.WithLabelValues("queue_full").Inc()
			slog.Warn("notification queue full, dropping", "trade_id", p.Trade.ID)
		}
	}
}

// Run delivers queued payloads until ctx is cancelled. Must be called in a
// goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-d.queue:
			d.deliver(ctx, p)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, p model.TradeSettled) {
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, p); err != nil {
			metrics.NotificationsDropped.WithLabelValues("sink_error").Inc()
			slog.Error("notification delivery failed", "sink", s.Name(), "trade_id", p.Trade.ID, "err", err)
			continue
		}
		metrics.NotificationsDelivered.WithLabelValues(s.Name()).Inc()
	}
}
