// Package records is the record store: the mirrored copy of the identity
// directory and the signature gate in front of it.
//
// Every mutation re-derives its canonical body from the arguments it is
// about to apply and verifies the caller's signature against that body, so
// a signature issued for one operation cannot be replayed for another. A
// nonce is marked used only after the mutation commits.
//
// LocalWriter and Client are the sync agent's side: they sign bodies and
// call the Service in-process or over HTTP.
package records

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-directory-sync/internal/domain"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
	"github.com/tbourn/go-directory-sync/internal/repo"
	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

var (
	// ErrUnauthorized means the signature is missing, malformed, stale or
	// does not match the mutation.
	ErrUnauthorized = errors.New("invalid sync signature")

	// ErrReplay means the signature's nonce was already consumed.
	ErrReplay = errors.New("sync signature already used")

	// ErrInvalidUser means the user snapshot lacks an id.
	ErrInvalidUser = errors.New("user id is required")
)

const (
	// DefaultListLimit is the page size used when none is given.
	DefaultListLimit = 100
	// MaxListLimit caps a single listing page.
	MaxListLimit = 1000
)

// UpsertBody is the canonical body signed for an upsert.
func UpsertBody(user domain.User, accounts []domain.Account) map[string]any {
	if accounts == nil {
		accounts = []domain.Account{}
	}
	return map[string]any{"op": "upsert", "userId": user.ID, "user": user, "accounts": accounts}
}

// DeleteBody is the canonical body signed for a delete.
func DeleteBody(subjectID string) map[string]any {
	return map[string]any{"op": "delete", "userId": subjectID}
}

// ListBody is the canonical body signed for a listing.
func ListBody(limit, page int) map[string]any {
	return map[string]any{"op": "list", "limit": limit, "page": page}
}

// Service applies signed mutations to the record tables.
type Service struct {
	DB       *gorm.DB
	Verifier syncauth.Verifier
	Nonces   syncauth.NonceGuard
	// Now defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService wires a Service.
func NewService(db *gorm.DB, v syncauth.Verifier, nonces syncauth.NonceGuard) *Service {
	return &Service{DB: db, Verifier: v, Nonces: nonces}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// claim reserves nonce for this process. A second concurrent presentation
// of the same nonce fails until the first is released.
func (s *Service) claim(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == nil {
		s.inflight = make(map[string]struct{})
	}
	if _, busy := s.inflight[nonce]; busy {
		return false
	}
	s.inflight[nonce] = struct{}{}
	return true
}

func (s *Service) release(nonce string) {
	s.mu.Lock()
	delete(s.inflight, nonce)
	s.mu.Unlock()
}

// guarded verifies sig against body, checks the nonce, runs fn and marks the
// nonce used once fn has succeeded.
func (s *Service) guarded(ctx context.Context, body any, sig syncauth.Signature, fn func() error) error {
	if !s.Verifier.Verify(body, sig) {
		return ErrUnauthorized
	}
	if !s.claim(sig.Nonce) {
		return ErrReplay
	}
	defer s.release(sig.Nonce)

	used, err := s.Nonces.Used(ctx, sig.Nonce)
	if err != nil {
		return err
	}
	if used {
		return ErrReplay
	}

	if err := fn(); err != nil {
		return err
	}

	if err := s.Nonces.MarkUsed(ctx, sig.Nonce); err != nil {
		log.Error().Err(err).Str("nonce", sig.Nonce).Msg("records: mark nonce used failed after commit")
	}
	return nil
}

// Upsert creates or replaces the record for user and its accounts. It
// reports whether the record was created.
func (s *Service) Upsert(ctx context.Context, user domain.User, accounts []domain.Account, sig syncauth.Signature) (bool, error) {
	if user.ID == "" {
		return false, ErrInvalidUser
	}
	var created bool
	err := s.guarded(ctx, UpsertBody(user, accounts), sig, func() error {
		rec := &domain.Record{
			SubjectID: user.ID,
			Email:     user.Email,
			Name:      user.Name,
			Extra:     user.Extra,
			SyncedAt:  s.now().UTC(),
		}
		rows := make([]domain.RecordAccount, 0, len(accounts))
		for _, a := range accounts {
			id := a.ID
			if id == "" {
				id = uuid.NewString()
			}
			rows = append(rows, domain.RecordAccount{
				ID:        id,
				Provider:  a.Provider,
				AccountID: a.AccountID,
				Scope:     a.Scope,
			})
		}
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			created, err = repo.UpsertRecord(ctx, tx, rec, rows)
			return err
		})
	})
	return created, err
}

// Delete removes the record for subjectID. It reports whether a record
// existed; deleting a missing record succeeds.
func (s *Service) Delete(ctx context.Context, subjectID string, sig syncauth.Signature) (bool, error) {
	if subjectID == "" {
		return false, ErrInvalidUser
	}
	var deleted bool
	err := s.guarded(ctx, DeleteBody(subjectID), sig, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			deleted, err = repo.DeleteRecord(ctx, tx, subjectID)
			return err
		})
	})
	return deleted, err
}

// List returns the 1-based page of records ordered by subject id. limit and
// page are normalized with NormalizePage before the signature is checked, so
// the caller must sign the normalized values.
func (s *Service) List(ctx context.Context, limit, page int, sig syncauth.Signature) (reconcile.RecordPage, error) {
	limit, page = NormalizePage(limit, page)
	var out reconcile.RecordPage
	err := s.guarded(ctx, ListBody(limit, page), sig, func() error {
		total, err := repo.CountRecords(ctx, s.DB)
		if err != nil {
			return err
		}
		recs, err := repo.ListRecordsPage(ctx, s.DB, (page-1)*limit, limit)
		if err != nil {
			return err
		}
		out = reconcile.RecordPage{
			Records:     recs,
			Total:       total,
			HasNextPage: int64(page*limit) < total,
		}
		return nil
	})
	return out, err
}

// Get returns the mirrored record for subjectID with its accounts.
func (s *Service) Get(ctx context.Context, subjectID string) (*domain.Record, error) {
	return repo.GetRecord(ctx, s.DB, subjectID)
}

// NormalizePage applies the listing defaults and bounds.
func NormalizePage(limit, page int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if page <= 0 {
		page = 1
	}
	return limit, page
}
