// Package retention decides how long a non-admin upload is kept. Larger files
// live shorter: the maximum age falls from MaxAge for empty files to MinAge for
// files at the size limit along a cubic curve.
package retention

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"time"

	"github.com/dharsanguruparan/ihacdn/internal/config"
	"github.com/dharsanguruparan/ihacdn/internal/model"
)

const day = 24 * time.Hour

// Policy holds the retention settings. A nil limit disables retention for that
// audience.
type Policy struct {
	Enabled     bool
	MinAge      time.Duration
	MaxAge      time.Duration
	PublicLimit *int64
	AdminLimit  *int64

	stat func(string) (fs.FileInfo, error)
}

// FromConfig builds a Policy from the file_retention and storage sections.
func FromConfig(cfg *config.Config) *Policy {
	return &Policy{
		Enabled:     cfg.Retention.Enable,
		MinAge:      time.Duration(cfg.Retention.MinAge) * day,
		MaxAge:      time.Duration(cfg.Retention.MaxAge) * day,
		PublicLimit: cfg.Limit(false),
		AdminLimit:  cfg.Limit(true),
	}
}

// MaxAgeFor returns the retention period for a file of size bytes against
// limit. The result always lies in [MinAge, MaxAge].
func (p *Policy) MaxAgeFor(size, limit int64) time.Duration {
	ratio := 1.0
	if limit > 0 {
		ratio = math.Min(math.Max(float64(size)/float64(limit), 0), 1)
	}
	lo, hi := float64(p.MinAge), float64(p.MaxAge)
	age := lo + (lo-hi)*math.Pow(ratio-1, 3)
	return time.Duration(math.Max(age, lo))
}

// Limit returns the byte limit for the audience.
func (p *Policy) Limit(isAdmin bool) *int64 {
	if isAdmin {
		return p.AdminLimit
	}
	return p.PublicLimit
}

// IsExpired reports whether rec should be purged at now. Short links and admin
// uploads never expire. A record whose backing file is gone is expired.
func (p *Policy) IsExpired(rec model.Record, now time.Time) (bool, error) {
	var blob model.Blob
	switch r := rec.(type) {
	case model.Short:
		return false, nil
	case model.File:
		blob = r.Blob
	case model.Code:
		blob = r.Blob
	default:
		return false, fmt.Errorf("unknown record %T", rec)
	}
	if blob.Admin {
		return false, nil
	}
	limit := p.Limit(blob.Admin)
	if limit == nil {
		return false, nil
	}
	stat := p.stat
	if stat == nil {
		stat = os.Stat
	}
	info, err := stat(blob.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("stat %s: %w", blob.Path, err)
	}
	age := now.Sub(blob.Added())
	if age < 0 {
		age = 0
	}
	return age > p.MaxAgeFor(info.Size(), *limit), nil
}
