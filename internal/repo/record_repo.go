// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the mirrored
// Record model and its RecordAccount children.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no signature checks or business rules, only persistence.
//
// Functions:
//
//   - UpsertRecord(ctx, db, rec, accounts) -> (created bool, err)
//     Inserts or updates a Record and replaces its accounts.
//
//   - DeleteRecord(ctx, db, subjectID) -> (deleted bool, err)
//     Removes a Record and its accounts; a missing record is not an error.
//
//   - GetRecord(ctx, db, subjectID) -> *domain.Record, error
//
//   - CountRecords / ListRecordsPage
//     Stable, subject-id ordered pagination for reconciliation scans.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-directory-sync/internal/domain"
)

// UpsertRecord writes rec and replaces its accounts with the given set. It
// reports whether the record was newly created. Call it inside a
// transaction so the record and its accounts change atomically.
func UpsertRecord(ctx context.Context, db *gorm.DB, rec *domain.Record, accounts []domain.RecordAccount) (bool, error) {
	tx := db.WithContext(ctx)

	var existing int64
	if err := tx.Model(&domain.Record{}).Where("subject_id = ?", rec.SubjectID).Count(&existing).Error; err != nil {
		return false, err
	}

	err := tx.Omit("Accounts").
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "name", "extra", "synced_at", "updated_at"}),
		}).
		Create(rec).Error
	if err != nil {
		return false, err
	}

	if err := tx.Where("subject_id = ?", rec.SubjectID).Delete(&domain.RecordAccount{}).Error; err != nil {
		return false, err
	}
	if len(accounts) > 0 {
		for i := range accounts {
			accounts[i].SubjectID = rec.SubjectID
		}
		if err := tx.Create(&accounts).Error; err != nil {
			return false, err
		}
	}
	return existing == 0, nil
}

// DeleteRecord removes the record for subjectID together with its accounts.
// It reports whether a record existed; deleting a missing record succeeds.
func DeleteRecord(ctx context.Context, db *gorm.DB, subjectID string) (bool, error) {
	tx := db.WithContext(ctx)
	if err := tx.Where("subject_id = ?", subjectID).Delete(&domain.RecordAccount{}).Error; err != nil {
		return false, err
	}
	res := tx.Where("subject_id = ?", subjectID).Delete(&domain.Record{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetRecord fetches a record and its accounts by subject id, or ErrNotFound.
func GetRecord(ctx context.Context, db *gorm.DB, subjectID string) (*domain.Record, error) {
	var rec domain.Record
	err := db.WithContext(ctx).
		Preload("Accounts").
		Where("subject_id = ?", subjectID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountRecords returns the total number of mirrored records.
func CountRecords(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Record{}).Count(&total).Error
	return total, err
}

// ListRecordsPage returns a page of records ordered by subject id. Records
// are returned without their accounts.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListRecordsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Record, error) {
	var out []domain.Record
	err := db.WithContext(ctx).
		Order("subject_id asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
