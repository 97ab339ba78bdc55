// Package domain defines the user snapshots exchanged between the identity
// directory and the record store, plus the GORM models backing the record
// store, the secondary storage table, and the SQL event bus.
package domain

import "time"

// User is a snapshot of an identity-service user. ID, Email and Name are
// always present; anything else the identity service attaches travels in
// Extra so the record store can mirror it without a schema change.
type User struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	Name      string         `json:"name"`
	Extra     map[string]any `json:"extra,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// Account is credential metadata linked to a user (e.g. an OAuth provider
// binding). Secrets never leave the identity service; only identifiers do.
type Account struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Provider  string `json:"provider"`
	AccountID string `json:"accountId"`
	Scope     string `json:"scope,omitempty"`
}

// Record is the record store's mirror of a User, keyed by the identity
// service's stable user id.
//
// Fields:
//   - SubjectID: identity-service user id (primary key).
//   - Email / Name: mirrored required attributes.
//   - Extra: mirrored extension map, stored as JSON.
//   - SyncedAt: time of the last accepted sync-agent write.
//   - CreatedAt / UpdatedAt: managed by GORM.
type Record struct {
	SubjectID string         `json:"subjectId"  gorm:"type:varchar(128);primaryKey"`
	Email     string         `json:"email"      gorm:"type:varchar(320);not null;index"`
	Name      string         `json:"name"       gorm:"type:varchar(255);not null;default:''"`
	Extra     map[string]any `json:"extra,omitempty" gorm:"serializer:json;type:text"`
	SyncedAt  time.Time      `json:"syncedAt"   gorm:"not null"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`

	Accounts []RecordAccount `json:"accounts,omitempty" gorm:"foreignKey:SubjectID;references:SubjectID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Record.
func (Record) TableName() string { return "records" }

// RecordAccount mirrors an Account under its owning Record. Rows are
// replaced wholesale on every upsert of the parent record.
type RecordAccount struct {
	ID        string    `json:"id"        gorm:"type:varchar(128);primaryKey"`
	SubjectID string    `json:"subjectId" gorm:"type:varchar(128);not null;index:idx_record_accounts_subject"`
	Provider  string    `json:"provider"  gorm:"type:varchar(64);not null"`
	AccountID string    `json:"accountId" gorm:"type:varchar(255);not null"`
	Scope     string    `json:"scope,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName returns the database table name for RecordAccount.
func (RecordAccount) TableName() string { return "record_accounts" }

// ToUser converts a mirrored record back into a User snapshot.
func (r Record) ToUser() User {
	return User{ID: r.SubjectID, Email: r.Email, Name: r.Name, Extra: r.Extra}
}
