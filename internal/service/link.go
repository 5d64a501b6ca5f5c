// Package service contains application services for the Search Console
// credential lifecycle: linking, token refresh and disconnect.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	pkgcrypto "github.com/TheHypedge/riviso-sub001/internal/crypto"
	"github.com/TheHypedge/riviso-sub001/internal/errs"
	"github.com/TheHypedge/riviso-sub001/internal/match"
	"github.com/TheHypedge/riviso-sub001/internal/model"
	"github.com/TheHypedge/riviso-sub001/internal/provider"
	"github.com/TheHypedge/riviso-sub001/internal/repository"
)

// refreshBuffer is how long before expiry a cached access token stops being
// served and a refresh is attempted instead.
const refreshBuffer = 5 * time.Minute

// LinkService drives the Search Console link lifecycle.
type LinkService interface {
	// BeginLink returns the provider authorization URL carrying signed state.
	BeginLink(ctx context.Context, subjectID, websiteID uuid.UUID) (string, error)
	// CompleteLink verifies state, exchanges the code, persists encrypted
	// tokens and matches the website to an external property.
	CompleteLink(ctx context.Context, code, state string) (*model.LinkResult, error)
	// GetValidAccessToken returns a usable plaintext access token,
	// transparently refreshing an expiring one.
	GetValidAccessToken(ctx context.Context, accountID uuid.UUID) (string, error)
	// RefreshIfExpiring refreshes the account's token when it expires within
	// the given window. Used by the background sweep.
	RefreshIfExpiring(ctx context.Context, accountID uuid.UUID, window time.Duration) error
	// Disconnect removes the subject's accounts and token records. Idempotent.
	Disconnect(ctx context.Context, subjectID uuid.UUID) error
}

type LinkServiceImpl struct {
	store      repository.CredentialStore
	sites      repository.PropertyDirectory
	google     provider.API
	passphrase string
	stateKey   []byte
	log        *zap.Logger

	// now is injected so expiry behavior is testable.
	now func() time.Time

	// refresh serializes refresh attempts per account: providers rotate
	// refresh tokens, and two racing refreshes can permanently corrupt a link.
	refresh singleflight.Group
}

var _ LinkService = (*LinkServiceImpl)(nil)

// NewLinkService constructs LinkService with required dependencies.
func NewLinkService(
	store repository.CredentialStore,
	sites repository.PropertyDirectory,
	google provider.API,
	passphrase string,
	stateKey []byte,
	log *zap.Logger,
) *LinkServiceImpl {
	return &LinkServiceImpl{
		store:      store,
		sites:      sites,
		google:     google,
		passphrase: passphrase,
		stateKey:   stateKey,
		log:        log,
		now:        time.Now,
	}
}

// BeginLink validates ownership and builds the authorization URL. The signed
// state binds the redirect back to this subject and website.
func (s *LinkServiceImpl) BeginLink(ctx context.Context, subjectID, websiteID uuid.UUID) (string, error) {
	if subjectID == uuid.Nil || websiteID == uuid.Nil {
		return "", errors.New("validation: empty subjectID/websiteID")
	}
	web, err := s.sites.GetWebsite(ctx, websiteID)
	if err != nil {
		return "", err
	}
	if web.SubjectID != subjectID {
		return "", errs.ErrUnauthorized
	}
	state := pkgcrypto.SignState(subjectID.String(), websiteID.String(), s.stateKey, s.now())
	return s.google.AuthCodeURL(state), nil
}

// CompleteLink finishes the redirect leg of the flow.
func (s *LinkServiceImpl) CompleteLink(ctx context.Context, code, state string) (*model.LinkResult, error) {
	st, ok := pkgcrypto.VerifyState(state, s.stateKey, s.now())
	if !ok {
		return nil, errs.ErrCSRF
	}
	subjectID, err := uuid.FromString(st.SubjectID)
	if err != nil {
		return nil, errs.ErrCSRF
	}
	websiteID, err := uuid.FromString(st.ContextRef)
	if err != nil {
		return nil, errs.ErrCSRF
	}

	tok, err := s.google.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	// Identity is optional metadata; a userinfo failure must not abort the link.
	identity, err := s.google.Identity(ctx, tok.AccessToken)
	if err != nil {
		s.log.Debug("identity fetch failed", zap.Error(err))
		identity = ""
	}

	accessEnc, err := pkgcrypto.Encrypt(tok.AccessToken, s.passphrase)
	if err != nil {
		return nil, err
	}
	refreshPlain := tok.RefreshToken
	if refreshPlain == "" {
		// Degraded record: without a refresh token the row cannot self-refresh
		// and will surface ErrRefreshPermanent once the access token expires.
		s.log.Warn("provider omitted refresh token",
			zap.String("subject", subjectID.String()),
		)
		refreshPlain = tok.AccessToken
	}
	refreshEnc, err := pkgcrypto.Encrypt(refreshPlain, s.passphrase)
	if err != nil {
		return nil, err
	}

	acc, err := s.store.UpsertAccount(ctx, subjectID, identity)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveTokenRecord(ctx, &model.TokenRecord{
		AccountID:       acc.ID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       tok.ExpiresAt,
		Scope:           tok.Scope,
	}); err != nil {
		return nil, err
	}

	props, err := s.google.ListProperties(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	eligible := match.Eligible(props)
	if len(eligible) == 0 {
		return nil, errs.ErrNoProperties
	}

	web, err := s.sites.GetWebsite(ctx, websiteID)
	if err != nil {
		return nil, err
	}
	res := match.Match(web.URL, eligible)

	result := &model.LinkResult{
		SubjectID:        subjectID,
		WebsiteID:        websiteID,
		AccountID:        acc.ID,
		ProviderIdentity: identity,
		Property:         res.Match,
		Candidates:       res.Candidates,
	}

	if len(res.Candidates) > 1 && !isDomainScoped(res.Match) {
		// The result carries the candidates so the caller can prompt for
		// disambiguation instead of silently picking one.
		return result, errs.ErrAmbiguousMatch
	}
	if res.Match != nil {
		if err := s.sites.SetProperty(ctx, websiteID, res.Match.Identifier); err != nil {
			return nil, err
		}
	}

	s.log.Info("search console linked",
		zap.String("subject", subjectID.String()),
		zap.String("account", acc.ID.String()),
		zap.Int("properties", len(eligible)),
	)
	return result, nil
}

// GetValidAccessToken serves the cached token while it has more than
// refreshBuffer of life left, otherwise refreshes.
func (s *LinkServiceImpl) GetValidAccessToken(ctx context.Context, accountID uuid.UUID) (string, error) {
	return s.validToken(ctx, accountID, refreshBuffer)
}

// RefreshIfExpiring is GetValidAccessToken with a caller-chosen look-ahead.
func (s *LinkServiceImpl) RefreshIfExpiring(ctx context.Context, accountID uuid.UUID, window time.Duration) error {
	_, err := s.validToken(ctx, accountID, window)
	return err
}

func (s *LinkServiceImpl) validToken(ctx context.Context, accountID uuid.UUID, window time.Duration) (string, error) {
	rec, err := s.store.GetTokenRecord(ctx, accountID)
	if errors.Is(err, errs.ErrNotFound) {
		return "", errs.ErrUnauthorized
	}
	if err != nil {
		return "", err
	}
	if s.now().Add(window).Before(rec.ExpiresAt) {
		return pkgcrypto.Decrypt(rec.AccessTokenEnc, s.passphrase)
	}

	// Single flight per account: concurrent callers share one provider call.
	v, err, _ := s.refresh.Do(accountID.String(), func() (any, error) {
		return s.doRefresh(ctx, accountID, window)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// doRefresh runs inside the per-account flight. It re-reads the record so a
// refresh that completed while this caller queued is observed instead of
// redone with the already-rotated-away refresh token.
func (s *LinkServiceImpl) doRefresh(ctx context.Context, accountID uuid.UUID, window time.Duration) (string, error) {
	rec, err := s.store.GetTokenRecord(ctx, accountID)
	if errors.Is(err, errs.ErrNotFound) {
		return "", errs.ErrUnauthorized
	}
	if err != nil {
		return "", err
	}
	if s.now().Add(window).Before(rec.ExpiresAt) {
		return pkgcrypto.Decrypt(rec.AccessTokenEnc, s.passphrase)
	}

	refreshPlain, err := pkgcrypto.Decrypt(rec.RefreshTokenEnc, s.passphrase)
	if err != nil {
		return "", err // ErrIntegrity: surface loudly, never mask as missing
	}

	tok, err := s.google.Refresh(ctx, refreshPlain)
	if err != nil {
		if errors.Is(err, errs.ErrRefreshPermanent) {
			// Keep the record for audit; the caller must re-link explicitly.
			s.log.Warn("refresh token revoked",
				zap.String("account", accountID.String()),
			)
		}
		return "", err
	}

	accessEnc, err := pkgcrypto.Encrypt(tok.AccessToken, s.passphrase)
	if err != nil {
		return "", err
	}
	rec.AccessTokenEnc = accessEnc
	if tok.RefreshToken != "" {
		// Rotation: losing the new refresh token would break every future refresh.
		refreshEnc, err := pkgcrypto.Encrypt(tok.RefreshToken, s.passphrase)
		if err != nil {
			return "", err
		}
		rec.RefreshTokenEnc = refreshEnc
	}
	rec.ExpiresAt = tok.ExpiresAt
	if tok.Scope != "" {
		rec.Scope = tok.Scope
	}
	if err := s.store.SaveTokenRecord(ctx, rec); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Disconnect removes everything stored for the subject. Disconnecting an
// already-unlinked subject is a no-op.
func (s *LinkServiceImpl) Disconnect(ctx context.Context, subjectID uuid.UUID) error {
	if subjectID == uuid.Nil {
		return errors.New("validation: empty subjectID")
	}
	return s.store.DeleteBySubject(ctx, subjectID)
}

func isDomainScoped(p *model.ExternalProperty) bool {
	if p == nil {
		return false
	}
	_, ok := p.Domain()
	return ok
}
