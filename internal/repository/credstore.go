// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/TheHypedge/riviso-sub001/internal/model"
)

// CredentialStore is the single source of truth for linked accounts and
// their encrypted token records.
type CredentialStore interface {
	// UpsertAccount returns the account for (subject, identity), creating it
	// if absent. Matching is by subject+identity so one subject may link
	// several provider accounts.
	UpsertAccount(ctx context.Context, subjectID uuid.UUID, identity string) (*model.LinkedAccount, error)
	// GetAccount loads one account by ID.
	GetAccount(ctx context.Context, id uuid.UUID) (*model.LinkedAccount, error)
	// SaveTokenRecord upserts the single active token row for an account.
	SaveTokenRecord(ctx context.Context, rec *model.TokenRecord) error
	// GetTokenRecord loads the token row for an account; errs.ErrNotFound if absent.
	GetTokenRecord(ctx context.Context, accountID uuid.UUID) (*model.TokenRecord, error)
	// AccountsExpiringBefore lists account IDs whose access token expires before t.
	AccountsExpiringBefore(ctx context.Context, t time.Time) ([]uuid.UUID, error)
	// DeleteBySubject removes all accounts and token rows for a subject. Idempotent.
	DeleteBySubject(ctx context.Context, subjectID uuid.UUID) error
	// MergeAccounts moves fromID's token record onto toID and removes fromID.
	// An explicit administrative operation: reads never rewrite identity keys.
	// When toID already holds a token record it is kept and fromID's dropped.
	MergeAccounts(ctx context.Context, fromID, toID uuid.UUID) error
}
