// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// LinkedAccount binds a subject (dashboard user) to one authorized provider
// identity. A subject may link several Google accounts.
type LinkedAccount struct {
	ID               uuid.UUID // PK
	SubjectID        uuid.UUID // owning user
	ProviderIdentity string    // e-mail reported by the provider; may be empty
	CreatedAt        time.Time
}

// TokenRecord is the single active credential row for a linked account.
// Token material is stored encrypted only; refresh overwrites in place.
type TokenRecord struct {
	AccountID       uuid.UUID
	AccessTokenEnc  string    // CredentialCipher blob
	RefreshTokenEnc string    // CredentialCipher blob
	ExpiresAt       time.Time // access token expiry; refresh-token lifetime is unknown
	Scope           string
	UpdatedAt       time.Time
}

// Website is a subject-owned site registered in the dashboard.
type Website struct {
	ID         uuid.UUID
	SubjectID  uuid.UUID
	URL        string
	PropertyID string // matched Search Console property, empty until linked
}

// ExternalProperty is a Search Console property the provider reports for the
// authorized account. Identifier is either domain-scoped ("sc-domain:host")
// or a URL-prefix ("https://host/path").
type ExternalProperty struct {
	Identifier      string
	PermissionLevel string
}

// Domain reports whether the property is domain-scoped and, if so, its host.
func (p ExternalProperty) Domain() (string, bool) {
	const prefix = "sc-domain:"
	if len(p.Identifier) > len(prefix) && p.Identifier[:len(prefix)] == prefix {
		return p.Identifier[len(prefix):], true
	}
	return "", false
}

// MatchResult is the outcome of matching a website URL against the
// account's external properties.
type MatchResult struct {
	Match      *ExternalProperty // nil when nothing matched
	Candidates []ExternalProperty
}

// Token is a plaintext provider token pair. It exists only transiently in
// memory during exchange, refresh and decryption.
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the provider withheld one
	ExpiresAt    time.Time
	Scope        string
}

// LinkResult reports a completed authorization to the caller.
type LinkResult struct {
	SubjectID        uuid.UUID
	WebsiteID        uuid.UUID
	AccountID        uuid.UUID
	ProviderIdentity string
	Property         *ExternalProperty
	Candidates       []ExternalProperty
}
