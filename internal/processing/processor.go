// Package processing delivers notifications on a fixed pool of goroutines so
// uploads never wait on remote sinks.
package processing

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/metrics"
	"github.com/dharsanguruparan/ihacdn/internal/notify"
)

// Sender is the synchronous delivery step, usually *notify.Notifier.
type Sender interface {
	Notify(ctx context.Context, ev notify.Event) error
}

// Pool consumes events from a buffered channel.
type Pool struct {
	sender  Sender
	queue   chan notify.Event
	workers int
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// New builds a Pool with queue capacity tied to worker count.
func New(sender Sender, workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		sender:  sender,
		queue:   make(chan notify.Event, workers*16),
		workers: workers,
		log:     logger.With().Str("component", "processing").Logger(),
	}
}

// Start launches worker goroutines. Once ctx is cancelled they deliver what is
// still buffered and exit.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until every worker has drained the buffer and exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch queues ev. When the buffer is full the event is dropped.
func (p *Pool) Dispatch(_ context.Context, ev notify.Event) {
	select {
	case p.queue <- ev:
	default:
		metrics.NotificationsTotal.WithLabelValues("pool", "dropped").Inc()
		p.log.Warn().Str("url", ev.URL).Msg("notification queue full, dropping event")
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain(ctx)
			return
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		}
	}
}

func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (p *Pool) deliver(ctx context.Context, ev notify.Event) {
	// Detached from the request that produced the event.
	if err := p.sender.Notify(context.WithoutCancel(ctx), ev); err != nil {
		p.log.Warn().Err(err).Str("url", ev.URL).Msg("notification delivery failed")
	}
}
