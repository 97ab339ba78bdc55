package records

import (
	"context"

	"github.com/tbourn/go-directory-sync/internal/domain"
	"github.com/tbourn/go-directory-sync/internal/reconcile"
	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

// LocalWriter is the sync agent's record-store client when both roles share
// one process and database. It still signs every call so the Service's gate
// is exercised exactly as over HTTP.
type LocalWriter struct {
	Service *Service
	Signer  syncauth.Signer
}

// UpsertBySubjectID implements reconcile.RecordStore.
func (w LocalWriter) UpsertBySubjectID(ctx context.Context, user domain.User, accounts []domain.Account) error {
	sig, err := w.Signer.Sign(UpsertBody(user, accounts))
	if err != nil {
		return err
	}
	_, err = w.Service.Upsert(ctx, user, accounts, sig)
	return err
}

// DeleteBySubjectID implements reconcile.RecordStore.
func (w LocalWriter) DeleteBySubjectID(ctx context.Context, subjectID string) error {
	sig, err := w.Signer.Sign(DeleteBody(subjectID))
	if err != nil {
		return err
	}
	_, err = w.Service.Delete(ctx, subjectID, sig)
	return err
}

// ListRecordsPage implements reconcile.RecordStore.
func (w LocalWriter) ListRecordsPage(ctx context.Context, limit, page int) (reconcile.RecordPage, error) {
	limit, page = NormalizePage(limit, page)
	sig, err := w.Signer.Sign(ListBody(limit, page))
	if err != nil {
		return reconcile.RecordPage{}, err
	}
	return w.Service.List(ctx, limit, page, sig)
}

var _ reconcile.RecordStore = LocalWriter{}
