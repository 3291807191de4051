// Package queue defines the asynq tasks used when notification delivery and
// the purge schedule run in a separate worker process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/metrics"
	"github.com/dharsanguruparan/ihacdn/internal/notify"
)

const (
	// NotifyTask carries one notify.Event.
	NotifyTask = "notify:upload"
	// PurgeTask runs one purge sweep.
	PurgeTask = "purge:sweep"
)

const (
	notifyRetries = 5
	enqueueWait   = 2 * time.Second
	// purgeUnique keeps a second sweep from being queued while one is pending.
	purgeUnique = time.Hour
)

// ErrPurgeQueued is returned by EnqueuePurge when a sweep is already pending.
var ErrPurgeQueued = errors.New("purge already queued")

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Registrar is satisfied by *asynq.Scheduler.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RedisOpt converts a redis:// URL into asynq connection options.
func RedisOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opt, nil
}

// NewNotifyTask serializes ev into a task.
func NewNotifyTask(ev notify.Event) (*asynq.Task, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(NotifyTask, data, asynq.MaxRetry(notifyRetries)), nil
}

// NewPurgeTask returns a sweep task. It is never retried; the next scheduled
// run picks up whatever was missed.
func NewPurgeTask() *asynq.Task {
	return asynq.NewTask(PurgeTask, nil, asynq.MaxRetry(0), asynq.Unique(purgeUnique))
}

// EnqueuePurge queues one sweep now.
func EnqueuePurge(ctx context.Context, client Enqueuer) error {
	if _, err := client.EnqueueContext(ctx, NewPurgeTask()); err != nil {
		if errors.Is(err, asynq.ErrDuplicateTask) {
			return ErrPurgeQueued
		}
		return fmt.Errorf("enqueue purge task: %w", err)
	}
	return nil
}

// RegisterPurge schedules the sweep on cronspec, e.g. "@daily".
func RegisterPurge(s Registrar, cronspec string) (string, error) {
	id, err := s.Register(cronspec, NewPurgeTask())
	if err != nil {
		return "", fmt.Errorf("register purge schedule %q: %w", cronspec, err)
	}
	return id, nil
}

// Dispatcher hands notification events to the worker through asynq.
type Dispatcher struct {
	client Enqueuer
	log    zerolog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher wraps client.
func NewDispatcher(client Enqueuer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{client: client, log: logger.With().Str("component", "queue").Logger()}
}

// Dispatch enqueues ev in the background and returns immediately. Failures are
// logged and the event is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev notify.Event) {
	task, err := NewNotifyTask(ev)
	if err != nil {
		d.log.Error().Err(err).Str("url", ev.URL).Msg("build notify task")
		return
	}
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.enqueue(ctx, task, ev)
	}()
}

// Wait blocks until every pending enqueue has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task, ev notify.Event) {
	ctx, cancel := context.WithTimeout(ctx, enqueueWait)
	defer cancel()
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		metrics.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		d.log.Error().Err(err).Str("url", ev.URL).Msg("enqueue notify task")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("queue", "queued").Inc()
}
