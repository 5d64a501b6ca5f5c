package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/TheHypedge/riviso-sub001/internal/errs"
	"github.com/TheHypedge/riviso-sub001/internal/model"
)

// CredStore implements repository.CredentialStore using PostgreSQL.
type CredStore struct{ db *DB }

// NewCredStore constructs a credential store.
func NewCredStore(db *DB) *CredStore { return &CredStore{db: db} }

// UpsertAccount returns the row for (subject, identity), inserting it if absent.
// The no-op update on conflict makes RETURNING yield the existing row.
func (r *CredStore) UpsertAccount(ctx context.Context, subjectID uuid.UUID, identity string) (*model.LinkedAccount, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO linked_accounts (id, subject_id, provider_identity)
VALUES ($1, $2, $3)
ON CONFLICT (subject_id, provider_identity)
DO UPDATE SET provider_identity = EXCLUDED.provider_identity
RETURNING id, subject_id, provider_identity, created_at`
	row := r.db.Pool.QueryRow(ctx, q, id, subjectID, identity)
	var acc model.LinkedAccount
	if err := row.Scan(&acc.ID, &acc.SubjectID, &acc.ProviderIdentity, &acc.CreatedAt); err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccount selects one account by ID.
func (r *CredStore) GetAccount(ctx context.Context, id uuid.UUID) (*model.LinkedAccount, error) {
	const q = `
SELECT id, subject_id, provider_identity, created_at
FROM linked_accounts WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	var acc model.LinkedAccount
	if err := row.Scan(&acc.ID, &acc.SubjectID, &acc.ProviderIdentity, &acc.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// SaveTokenRecord upserts the single active token row for an account.
func (r *CredStore) SaveTokenRecord(ctx context.Context, rec *model.TokenRecord) error {
	const q = `
INSERT INTO token_records (account_id, access_token_enc, refresh_token_enc, expires_at, scope, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (account_id) DO UPDATE SET
  access_token_enc  = EXCLUDED.access_token_enc,
  refresh_token_enc = EXCLUDED.refresh_token_enc,
  expires_at        = EXCLUDED.expires_at,
  scope             = EXCLUDED.scope,
  updated_at        = now()`
	_, err := r.db.Pool.Exec(ctx, q,
		rec.AccountID, rec.AccessTokenEnc, rec.RefreshTokenEnc, rec.ExpiresAt, rec.Scope)
	return err
}

// GetTokenRecord loads the token row for an account.
func (r *CredStore) GetTokenRecord(ctx context.Context, accountID uuid.UUID) (*model.TokenRecord, error) {
	const q = `
SELECT account_id, access_token_enc, refresh_token_enc, expires_at, scope, updated_at
FROM token_records WHERE account_id=$1`
	row := r.db.Pool.QueryRow(ctx, q, accountID)
	var rec model.TokenRecord
	if err := row.Scan(&rec.AccountID, &rec.AccessTokenEnc, &rec.RefreshTokenEnc,
		&rec.ExpiresAt, &rec.Scope, &rec.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// AccountsExpiringBefore lists accounts whose access token expires before t.
func (r *CredStore) AccountsExpiringBefore(ctx context.Context, t time.Time) ([]uuid.UUID, error) {
	const q = `SELECT account_id FROM token_records WHERE expires_at < $1 ORDER BY expires_at`
	rows, err := r.db.Pool.Query(ctx, q, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteBySubject removes token rows and accounts for a subject in one
// transaction. Zero affected rows is not an error.
func (r *CredStore) DeleteBySubject(ctx context.Context, subjectID uuid.UUID) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	const delTokens = `
DELETE FROM token_records
WHERE account_id IN (SELECT id FROM linked_accounts WHERE subject_id=$1)`
	if _, err = tx.Exec(ctx, delTokens, subjectID); err != nil {
		return err
	}
	const delAccounts = `DELETE FROM linked_accounts WHERE subject_id=$1`
	_, err = tx.Exec(ctx, delAccounts, subjectID)
	return err
}

// MergeAccounts repoints fromID's token record onto toID and deletes fromID.
// Both accounts must belong to the same subject.
func (r *CredStore) MergeAccounts(ctx context.Context, fromID, toID uuid.UUID) (err error) {
	if fromID == toID {
		return nil
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	const sameSubject = `
SELECT count(*) FROM linked_accounts
WHERE id IN ($1, $2) AND subject_id = (SELECT subject_id FROM linked_accounts WHERE id=$2)`
	var n int
	if err = tx.QueryRow(ctx, sameSubject, fromID, toID).Scan(&n); err != nil {
		return err
	}
	if n != 2 {
		return errs.ErrNotFound
	}

	// Keep the target's token record when one exists; move otherwise.
	const move = `
UPDATE token_records SET account_id=$2
WHERE account_id=$1
  AND NOT EXISTS (SELECT 1 FROM token_records WHERE account_id=$2)`
	if _, err = tx.Exec(ctx, move, fromID, toID); err != nil {
		return err
	}
	const dropLeftover = `DELETE FROM token_records WHERE account_id=$1`
	if _, err = tx.Exec(ctx, dropLeftover, fromID); err != nil {
		return err
	}
	const dropAccount = `DELETE FROM linked_accounts WHERE id=$1`
	_, err = tx.Exec(ctx, dropAccount, fromID)
	return err
}
