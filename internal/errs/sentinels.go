// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the subject has no usable credential on file.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConfiguration indicates a missing or invalid startup setting (fatal at boot, never per-request).
	ErrConfiguration = errors.New("configuration")
)

// Link flow sentinels.
var (
	// ErrCSRF indicates the redirect state failed verification (forged, tampered or expired).
	ErrCSRF = errors.New("invalid oauth state")

	// ErrAccessDenied indicates the user declined consent; the flow may be retried.
	ErrAccessDenied = errors.New("access denied")

	// ErrExchange indicates the authorization code exchange failed for any other reason.
	ErrExchange = errors.New("code exchange failed")

	// ErrNoProperties indicates the provider returned zero resources with sufficient permission.
	ErrNoProperties = errors.New("no eligible properties")

	// ErrAmbiguousMatch indicates multiple plausible property candidates and no
	// domain-scoped winner; callers must prompt for disambiguation.
	ErrAmbiguousMatch = errors.New("ambiguous property match")
)

// Token lifecycle sentinels.
var (
	// ErrIntegrity indicates ciphertext tampering or corruption. Must surface loudly,
	// never be treated as an absent token.
	ErrIntegrity = errors.New("ciphertext integrity")

	// ErrRefreshPermanent indicates the provider rejected the refresh token
	// (invalid_grant). The stored record is preserved; an explicit re-link is required.
	ErrRefreshPermanent = errors.New("refresh token revoked")

	// ErrRefreshTransient indicates a network or provider outage during refresh.
	// Nothing is mutated; retry later.
	ErrRefreshTransient = errors.New("refresh temporarily unavailable")
)
