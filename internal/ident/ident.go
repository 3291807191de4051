// Package ident allocates short random identifiers. Each candidate is claimed in
// the metadata store with a set-if-absent write, so two concurrent uploads can
// never be handed the same identifier.
package ident

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/dharsanguruparan/ihacdn/internal/cdnerr"
	"github.com/dharsanguruparan/ihacdn/internal/model"
	"github.com/dharsanguruparan/ihacdn/internal/storage"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz"

	// MinLength is the shortest identifier the allocator hands out.
	MinLength = 5

	DefaultMaxAttempts    = 32
	DefaultReservationTTL = 10 * time.Minute
)

// Allocator claims identifiers under a key prefix.
type Allocator struct {
	store       storage.Store
	prefix      string
	MaxAttempts int
	// ReservationTTL bounds how long an abandoned claim blocks its identifier.
	ReservationTTL time.Duration
}

// New builds an Allocator with default limits.
func New(store storage.Store, prefix string) *Allocator {
	return &Allocator{
		store:          store,
		prefix:         prefix,
		MaxAttempts:    DefaultMaxAttempts,
		ReservationTTL: DefaultReservationTTL,
	}
}

// Allocate returns a fresh identifier of the given length, already reserved in
// the store. The caller must either overwrite the reservation with the real
// record or Release it.
func (a *Allocator) Allocate(ctx context.Context, length int) (string, error) {
	if length < MinLength {
		return "", fmt.Errorf("%w: length %d below minimum %d", cdnerr.ErrAllocation, length, MinLength)
	}
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	for i := 0; i < attempts; i++ {
		id, err := Generate(length)
		if err != nil {
			return "", fmt.Errorf("%w: %v", cdnerr.ErrAllocation, err)
		}
		ok, err := a.store.SetNX(ctx, storage.Key(a.prefix, id), model.ReservedMarker, a.ReservationTTL)
		if err != nil {
			return "", fmt.Errorf("%w: %w", cdnerr.ErrAllocation, err)
		}
		if ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no free identifier after %d attempts", cdnerr.ErrAllocation, attempts)
}

// Release drops a reservation made by Allocate. Committed records are left alone.
func (a *Allocator) Release(ctx context.Context, id string) error {
	key := storage.Key(a.prefix, id)
	val, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if string(val) != string(model.ReservedMarker) {
		return nil
	}
	_, err = a.store.Delete(ctx, key)
	return err
}

// Exists reports whether id is taken, either committed or reserved.
func (a *Allocator) Exists(ctx context.Context, id string) (bool, error) {
	return a.store.Exists(ctx, storage.Key(a.prefix, id))
}

// Generate draws length characters uniformly from a-z.
func Generate(length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
