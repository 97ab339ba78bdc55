package domain

import "time"

// KVEntry is a single secondary-storage entry. A nil ExpiresAt means the
// entry never expires; otherwise reads treat it as absent once ExpiresAt
// has passed, and a background purge eventually deletes the row.
type KVEntry struct {
	Key       string     `gorm:"type:varchar(255);primaryKey"`
	Value     string     `gorm:"type:text;not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName implements the GORM tabler interface.
func (KVEntry) TableName() string { return "kv_entries" }

// BusEvent is one readiness announcement on the SQL event bus. Rows are
// append-only; subscribers track the highest ID they have seen.
type BusEvent struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Service     string    `gorm:"type:varchar(128);not null;index:idx_bus_service"`
	TimestampMS int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (BusEvent) TableName() string { return "bus_events" }
