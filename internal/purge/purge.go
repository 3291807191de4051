// Package purge removes expired uploads. A sweep scans every record under the
// key prefix, asks the retention policy which ones have expired, deletes their
// files and then their keys.
package purge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/ihacdn/internal/metrics"
	"github.com/dharsanguruparan/ihacdn/internal/model"
	"github.com/dharsanguruparan/ihacdn/internal/retention"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
)

// ErrSweepRunning is returned when Run is called while another sweep is active.
var ErrSweepRunning = errors.New("purge sweep already running")

// batchSize bounds the keys passed to a single MGet or Delete.
const batchSize = 500

// Result summarizes one sweep. Failed maps identifiers to the reason they were
// skipped; those records are left untouched.
type Result struct {
	Scanned  int
	Expired  int
	Deleted  int64
	Failed   map[string]error
	Duration time.Duration
}

// Sweeper runs purge sweeps. At most one sweep is active at a time.
type Sweeper struct {
	store  storage.Store
	prefix string
	policy *retention.Policy
	log    zerolog.Logger
	now    func() time.Time
	remove func(string) error

	mu sync.Mutex
}

// New constructs a Sweeper.
func New(store storage.Store, prefix string, policy *retention.Policy, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		prefix: prefix,
		policy: policy,
		log:    logger.With().Str("component", "purge").Logger(),
		now:    time.Now,
		remove: os.Remove,
	}
}

// Run performs one sweep. The returned error is non-nil only when the store
// could not be enumerated or the bulk delete failed; per-record problems are
// reported in Result.Failed.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	if !s.mu.TryLock() {
		metrics.PurgeRunsTotal.WithLabelValues("skipped").Inc()
		return nil, ErrSweepRunning
	}
	defer s.mu.Unlock()

	start := time.Now()
	res := &Result{Failed: make(map[string]error)}
	if !s.policy.Enabled {
		s.log.Debug().Msg("retention disabled, nothing to purge")
		metrics.PurgeRunsTotal.WithLabelValues("disabled").Inc()
		return res, nil
	}

	err := s.sweep(ctx, res)
	res.Duration = time.Since(start)
	metrics.PurgeDuration.Observe(res.Duration.Seconds())
	metrics.PurgeDeletedTotal.Add(float64(res.Deleted))
	metrics.PurgeFailedTotal.Add(float64(len(res.Failed)))
	for id, ferr := range res.Failed {
		s.log.Warn().Err(ferr).Str("id", id).Msg("purge skipped record")
	}
	if err != nil {
		metrics.PurgeRunsTotal.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Int("scanned", res.Scanned).Msg("purge sweep failed")
		return res, err
	}
	metrics.PurgeRunsTotal.WithLabelValues("ok").Inc()
	s.log.Info().
		Int("scanned", res.Scanned).
		Int("expired", res.Expired).
		Int64("deleted", res.Deleted).
		Int("failed", len(res.Failed)).
		Dur("duration", res.Duration).
		Msg("purge sweep finished")
	return res, nil
}

func (s *Sweeper) sweep(ctx context.Context, res *Result) error {
	keys, err := s.store.Keys(ctx, s.prefix+"*")
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	res.Scanned = len(keys)
	if len(keys) == 0 {
		return nil
	}

	now := s.now()
	var doomed []string
	for start := 0; start < len(keys); start += batchSize {
		batch := keys[start:min(start+batchSize, len(keys))]
		values, err := s.store.MGet(ctx, batch...)
		if err != nil {
			return fmt.Errorf("load records: %w", err)
		}
		for i, data := range values {
			// Deleted between scan and load.
			if data == nil {
				continue
			}
			if key, ok := s.evaluate(batch[i], data, now, res); ok {
				doomed = append(doomed, key)
			}
		}
	}

	for start := 0; start < len(doomed); start += batchSize {
		batch := doomed[start:min(start+batchSize, len(doomed))]
		n, err := s.store.Delete(ctx, batch...)
		res.Deleted += n
		if err != nil {
			return fmt.Errorf("delete %d keys: %w", len(batch), err)
		}
	}
	return nil
}

// evaluate decides one record and removes its file when expired. It reports
// the key to delete only after the file is gone.
func (s *Sweeper) evaluate(key string, data []byte, now time.Time, res *Result) (string, bool) {
	id := strings.TrimPrefix(key, s.prefix)
	rec, err := model.Decode(data)
	if errors.Is(err, model.ErrReserved) {
		return "", false
	}
	if err != nil {
		res.Failed[id] = err
		return "", false
	}
	expired, err := s.policy.IsExpired(rec, now)
	if err != nil {
		res.Failed[id] = err
		return "", false
	}
	if !expired {
		return "", false
	}
	res.Expired++
	if blob, ok := model.BlobOf(rec); ok {
		if err := s.remove(blob.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			res.Failed[id] = fmt.Errorf("remove %s: %w", blob.Path, err)
			return "", false
		}
	}
	s.log.Debug().Str("id", id).Str("kind", string(rec.Kind())).Msg("expired")
	return key, true
}
