package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/TheHypedge/riviso-sub001/internal/errs"
	"github.com/TheHypedge/riviso-sub001/internal/model"
)

// WebsiteRepo implements repository.PropertyDirectory using PostgreSQL.
type WebsiteRepo struct{ db *DB }

// NewWebsiteRepo constructs a website repository.
func NewWebsiteRepo(db *DB) *WebsiteRepo { return &WebsiteRepo{db: db} }

// GetWebsite selects a registered website by ID.
func (r *WebsiteRepo) GetWebsite(ctx context.Context, id uuid.UUID) (*model.Website, error) {
	const q = `
SELECT id, subject_id, url, COALESCE(property_id, '')
FROM websites WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	var w model.Website
	if err := row.Scan(&w.ID, &w.SubjectID, &w.URL, &w.PropertyID); err != nil {
		if isNoRows(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

// SetProperty records the matched Search Console property for a website.
func (r *WebsiteRepo) SetProperty(ctx context.Context, id uuid.UUID, propertyID string) error {
	const q = `UPDATE websites SET property_id=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, propertyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
