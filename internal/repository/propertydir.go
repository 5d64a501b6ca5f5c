package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/TheHypedge/riviso-sub001/internal/model"
)

// PropertyDirectory resolves dashboard websites and records which external
// property a completed link matched.
type PropertyDirectory interface {
	// GetWebsite loads a registered website; errs.ErrNotFound if absent.
	GetWebsite(ctx context.Context, id uuid.UUID) (*model.Website, error)
	// SetProperty records the matched Search Console property for a website.
	SetProperty(ctx context.Context, id uuid.UUID, propertyID string) error
}
