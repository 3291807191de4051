package purge

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Schedule runs s on cronspec (standard cron syntax or descriptors such as
// "@daily") until ctx is cancelled. It is used when no asynq worker is
// deployed. The returned channel closes once the scheduler has stopped.
func Schedule(ctx context.Context, s *Sweeper, cronspec string) (<-chan struct{}, error) {
	c := cron.New()
	_, err := c.AddFunc(cronspec, func() {
		if _, err := s.Run(ctx); err != nil && !errors.Is(err, ErrSweepRunning) {
			s.log.Error().Err(err).Msg("scheduled purge failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", cronspec, err)
	}
	c.Start()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		close(done)
	}()
	return done, nil
}
