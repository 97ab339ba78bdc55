// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for KVEntry, the
// TTL key-value table behind the SQL secondary storage.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-directory-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// GetKV returns the value stored under key, or ErrNotFound when the key is
// missing or its entry expired at or before now.
func GetKV(ctx context.Context, db *gorm.DB, key string, now time.Time) (string, error) {
	var rec domain.KVEntry
	err := db.WithContext(ctx).
		Where("key = ? AND (expires_at IS NULL OR expires_at > ?)", key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return rec.Value, nil
}

// SetKV inserts or replaces the entry for key. A ttl <= 0 stores the entry
// without expiry.
func SetKV(ctx context.Context, db *gorm.DB, key, value string, ttl time.Duration, now time.Time) error {
	rec := domain.KVEntry{Key: key, Value: value, UpdatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		rec.ExpiresAt = &exp
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).
		Create(&rec).Error
}

// DeleteKV removes key. Deleting a missing key is not an error.
func DeleteKV(ctx context.Context, db *gorm.DB, key string) error {
	return db.WithContext(ctx).Where("key = ?", key).Delete(&domain.KVEntry{}).Error
}

// PurgeExpiredKV deletes every entry that expired at or before now and
// reports how many rows were removed.
func PurgeExpiredKV(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&domain.KVEntry{})
	return res.RowsAffected, res.Error
}
