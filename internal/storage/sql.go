package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-directory-sync/internal/repo"
)

// purgeEvery is the number of writes between opportunistic purges of
// expired rows.
const purgeEvery = 256

// SQL is a Store backed by the kv_entries table. Pointing several processes
// at the same database gives them a shared nonce and timestamp space.
type SQL struct {
	db     *gorm.DB
	writes atomic.Uint64

	// Now is the clock used for TTL decisions. Defaults to time.Now.
	Now func() time.Time
}

// NewSQL returns a Store over db. The kv_entries table must already be
// migrated (see repo.AutoMigrate).
func NewSQL(db *gorm.DB) *SQL {
	return &SQL{db: db, Now: time.Now}
}

// Get implements Store.
func (s *SQL) Get(ctx context.Context, key string) (string, error) {
	v, err := repo.GetKV(ctx, s.db, key, s.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

// Set implements Store.
func (s *SQL) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.Now().UTC()
	if err := repo.SetKV(ctx, s.db, key, value, ttl, now); err != nil {
		return err
	}
	if s.writes.Add(1)%purgeEvery == 0 {
		if n, err := repo.PurgeExpiredKV(ctx, s.db, now); err != nil {
			log.Warn().Err(err).Msg("storage: purge expired entries failed")
		} else if n > 0 {
			log.Debug().Int64("purged", n).Msg("storage: purged expired entries")
		}
	}
	return nil
}

// Delete implements Store.
func (s *SQL) Delete(ctx context.Context, key string) error {
	return repo.DeleteKV(ctx, s.db, key)
}

// Compile-time checks that both backends satisfy Store.
var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQL)(nil)
)
