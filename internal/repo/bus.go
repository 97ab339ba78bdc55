// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the append-only bus_events log used by
// the SQL event bus. Rows are read by ascending ID so every subscriber sees
// announcements in insertion order.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-directory-sync/internal/domain"
)

// InsertBusEvent appends an announcement for service and returns its row ID.
func InsertBusEvent(ctx context.Context, db *gorm.DB, service string, timestampMS int64, now time.Time) (int64, error) {
	ev := &domain.BusEvent{Service: service, TimestampMS: timestampMS, CreatedAt: now}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		return 0, err
	}
	return ev.ID, nil
}

// MaxBusEventID returns the highest event ID, or 0 when the log is empty.
func MaxBusEventID(ctx context.Context, db *gorm.DB) (int64, error) {
	var row struct{ ID int64 }
	err := db.WithContext(ctx).
		Model(&domain.BusEvent{}).
		Select("id").
		Order("id DESC").
		Limit(1).
		Scan(&row).Error
	return row.ID, err
}

// ListBusEventsSince returns up to limit events with ID > sinceID for the
// given services, oldest first.
func ListBusEventsSince(ctx context.Context, db *gorm.DB, sinceID int64, services []string, limit int) ([]domain.BusEvent, error) {
	var out []domain.BusEvent
	if len(services) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).
		Where("id > ? AND service IN ?", sinceID, services).
		Order("id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// PruneBusEvents deletes events created before cutoff.
func PruneBusEvents(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.BusEvent{})
	return res.RowsAffected, res.Error
}
