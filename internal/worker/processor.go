package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/notify"
	"github.com/dharsanguruparan/ihacdn/internal/purge"
	"github.com/dharsanguruparan/ihacdn/internal/queue"
)

// Sender delivers one notification.
type Sender interface {
	Notify(ctx context.Context, ev notify.Event) error
}

// Sweeper runs one purge sweep.
type Sweeper interface {
	Run(ctx context.Context) (*purge.Result, error)
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	sender  Sender
	sweeper Sweeper
	log     zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(sender Sender, sweeper Sweeper, logger zerolog.Logger) *Processor {
	return &Processor{sender: sender, sweeper: sweeper, log: logger.With().Str("component", "worker").Logger()}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.NotifyTask, p.handleNotify)
	mux.HandleFunc(queue.PurgeTask, p.handlePurge)
	return mux
}

func (p *Processor) handleNotify(ctx context.Context, task *asynq.Task) error {
	var ev notify.Event
	if err := json.Unmarshal(task.Payload(), &ev); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := p.sender.Notify(ctx, ev); err != nil {
		p.log.Warn().Err(err).Str("url", ev.URL).Msg("notify failed, will retry")
		return err
	}
	return nil
}

func (p *Processor) handlePurge(ctx context.Context, _ *asynq.Task) error {
	res, err := p.sweeper.Run(ctx)
	if errors.Is(err, purge.ErrSweepRunning) {
		p.log.Info().Msg("purge already running, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("purge sweep: %w", err)
	}
	p.log.Info().Int("scanned", res.Scanned).Int64("deleted", res.Deleted).Msg("scheduled purge done")
	return nil
}
