package syncauth

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/go-directory-sync/internal/storage"
)

// DefaultNonceTTL is how long a consumed nonce is remembered.
const DefaultNonceTTL = 5 * time.Minute

// ErrNonceUsed is returned when a nonce has already been consumed.
var ErrNonceUsed = errors.New("syncauth: nonce already used")

// NonceGuard records consumed nonces in a TTL store. Back it with a shared
// store when more than one process accepts signed writes.
type NonceGuard struct {
	Store storage.Store
	TTL   time.Duration
}

// Used reports whether nonce has been consumed.
func (g NonceGuard) Used(ctx context.Context, nonce string) (bool, error) {
	_, err := g.Store.Get(ctx, storage.NonceKey(nonce))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// MarkUsed records nonce as consumed. Call it only after the guarded
// mutation has committed.
func (g NonceGuard) MarkUsed(ctx context.Context, nonce string) error {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return g.Store.Set(ctx, storage.NonceKey(nonce), "1", ttl)
}

// Consume checks and marks nonce in one call. It returns ErrNonceUsed the
// second time.
func (g NonceGuard) Consume(ctx context.Context, nonce string) error {
	used, err := g.Used(ctx, nonce)
	if err != nil {
		return err
	}
	if used {
		return ErrNonceUsed
	}
	return g.MarkUsed(ctx, nonce)
}
