// Package storage defines the secondary storage contract: a small TTL
// key-value store used for nonce tracking and cross-process coordination
// timestamps. Two backends are provided, an in-process Memory store and a
// GORM-backed SQL store that can be shared between processes.
package storage

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("storage: key not found")

// Store is a TTL key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A ttl <= 0 means the entry never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// NonceKey is the key marking a signature nonce as consumed.
func NonceKey(nonce string) string { return "nonce:" + nonce }

// TimestampKey is the key holding a service's last readiness/sync time.
func TimestampKey(service string) string { return "timestamp:" + service }

// GetTimestamp reads a unix-millis coordination timestamp. The boolean is
// false when no timestamp was recorded or the stored value is unparsable.
func GetTimestamp(ctx context.Context, s Store, service string) (time.Time, bool, error) {
	v, err := s.Get(ctx, TimestampKey(service))
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// SetTimestamp records t as the service's coordination timestamp. It never
// expires.
func SetTimestamp(ctx context.Context, s Store, service string, t time.Time) error {
	return s.Set(ctx, TimestampKey(service), strconv.FormatInt(t.UnixMilli(), 10), 0)
}
