package service

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	pkgcrypto "github.com/TheHypedge/riviso-sub001/internal/crypto"
	"github.com/TheHypedge/riviso-sub001/internal/errs"
	"github.com/TheHypedge/riviso-sub001/internal/model"
	"github.com/TheHypedge/riviso-sub001/internal/provider"
	"github.com/TheHypedge/riviso-sub001/internal/repository"
)

const testPassphrase = "test-passphrase"

var testStateKey = []byte("test-state-key")

type fakeStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*model.LinkedAccount
	records  map[uuid.UUID]*model.TokenRecord

	saveErr error
}

var _ repository.CredentialStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[uuid.UUID]*model.LinkedAccount{},
		records:  map[uuid.UUID]*model.TokenRecord{},
	}
}

func (f *fakeStore) UpsertAccount(_ context.Context, subjectID uuid.UUID, identity string) (*model.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.SubjectID == subjectID && a.ProviderIdentity == identity {
			c := *a
			return &c, nil
		}
	}
	a := &model.LinkedAccount{
		ID:               uuid.Must(uuid.NewV4()),
		SubjectID:        subjectID,
		ProviderIdentity: identity,
		CreatedAt:        time.Now(),
	}
	f.accounts[a.ID] = a
	c := *a
	return &c, nil
}

func (f *fakeStore) GetAccount(_ context.Context, id uuid.UUID) (*model.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (f *fakeStore) SaveTokenRecord(_ context.Context, rec *model.TokenRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	c := *rec
	c.UpdatedAt = time.Now()
	f.records[rec.AccountID] = &c
	return nil
}

func (f *fakeStore) GetTokenRecord(_ context.Context, accountID uuid.UUID) (*model.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[accountID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (f *fakeStore) AccountsExpiringBefore(_ context.Context, t time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uuid.UUID
	for id, r := range f.records {
		if r.ExpiresAt.Before(t) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) MergeAccounts(_ context.Context, fromID, toID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fromID == toID {
		return nil
	}
	if _, ok := f.accounts[fromID]; !ok {
		return errs.ErrNotFound
	}
	if _, ok := f.accounts[toID]; !ok {
		return errs.ErrNotFound
	}
	if _, taken := f.records[toID]; !taken {
		if rec, ok := f.records[fromID]; ok {
			c := *rec
			c.AccountID = toID
			f.records[toID] = &c
		}
	}
	delete(f.records, fromID)
	delete(f.accounts, fromID)
	return nil
}

func (f *fakeStore) DeleteBySubject(_ context.Context, subjectID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, a := range f.accounts {
		if a.SubjectID == subjectID {
			delete(f.accounts, id)
			delete(f.records, id)
		}
	}
	return nil
}

type fakeSites struct {
	mu       sync.Mutex
	websites map[uuid.UUID]*model.Website
}

var _ repository.PropertyDirectory = (*fakeSites)(nil)

func (f *fakeSites) GetWebsite(_ context.Context, id uuid.UUID) (*model.Website, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.websites[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (f *fakeSites) SetProperty(_ context.Context, id uuid.UUID, propertyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.websites[id]
	if !ok {
		return errs.ErrNotFound
	}
	w.PropertyID = propertyID
	return nil
}

type fakeGoogle struct {
	mu sync.Mutex

	exchangeTok *model.Token
	exchangeErr error

	identity    string
	identityErr error

	props    []model.ExternalProperty
	propsErr error

	refreshTok   *model.Token
	refreshErr   error
	refreshDelay time.Duration
	refreshCalls int
}

var _ provider.API = (*fakeGoogle)(nil)

func (f *fakeGoogle) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (f *fakeGoogle) Exchange(context.Context, string) (*model.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	c := *f.exchangeTok
	return &c, nil
}

func (f *fakeGoogle) Refresh(context.Context, string) (*model.Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	f.mu.Unlock()
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	c := *f.refreshTok
	return &c, nil
}

func (f *fakeGoogle) Identity(context.Context, string) (string, error) {
	return f.identity, f.identityErr
}

func (f *fakeGoogle) ListProperties(context.Context, string) ([]model.ExternalProperty, error) {
	return f.props, f.propsErr
}

func (f *fakeGoogle) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

type env struct {
	svc       *LinkServiceImpl
	store     *fakeStore
	sites     *fakeSites
	google    *fakeGoogle
	subjectID uuid.UUID
	websiteID uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	subject := uuid.Must(uuid.NewV4())
	website := uuid.Must(uuid.NewV4())
	store := newFakeStore()
	sites := &fakeSites{websites: map[uuid.UUID]*model.Website{
		website: {ID: website, SubjectID: subject, URL: "https://www.shop.com"},
	}}
	google := &fakeGoogle{
		exchangeTok: &model.Token{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
			Scope:        "webmasters.readonly",
		},
		identity: "owner@example.com",
		props: []model.ExternalProperty{
			{Identifier: "sc-domain:shop.com", PermissionLevel: "siteOwner"},
			{Identifier: "https://shop.com/", PermissionLevel: "siteFullUser"},
		},
	}
	svc := NewLinkService(store, sites, google, testPassphrase, testStateKey, zap.NewNop())
	return &env{svc: svc, store: store, sites: sites, google: google, subjectID: subject, websiteID: website}
}

func stateFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	return u.Query().Get("state")
}

func TestBeginLink(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	authURL, err := e.svc.BeginLink(ctx, e.subjectID, e.websiteID)
	if err != nil {
		t.Fatalf("BeginLink: %v", err)
	}
	st, ok := pkgcrypto.VerifyState(stateFromURL(t, authURL), testStateKey, time.Now())
	if !ok {
		t.Fatalf("state in auth URL does not verify")
	}
	if st.SubjectID != e.subjectID.String() || st.ContextRef != e.websiteID.String() {
		t.Fatalf("state context mismatch: %+v", st)
	}
}

func TestBeginLink_WrongOwner(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	other := uuid.Must(uuid.NewV4())
	if _, err := e.svc.BeginLink(context.Background(), other, e.websiteID); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestCompleteLink_Success(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	authURL, err := e.svc.BeginLink(ctx, e.subjectID, e.websiteID)
	if err != nil {
		t.Fatalf("BeginLink: %v", err)
	}
	res, err := e.svc.CompleteLink(ctx, "the-code", stateFromURL(t, authURL))
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}
	if res.ProviderIdentity != "owner@example.com" {
		t.Fatalf("identity=%q", res.ProviderIdentity)
	}
	if res.Property == nil || res.Property.Identifier != "sc-domain:shop.com" {
		t.Fatalf("domain-scoped property must win: %+v", res.Property)
	}

	rec, err := e.store.GetTokenRecord(ctx, res.AccountID)
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if access, _ := pkgcrypto.Decrypt(rec.AccessTokenEnc, testPassphrase); access != "access-1" {
		t.Fatalf("stored access token does not decrypt: %q", access)
	}
	if refresh, _ := pkgcrypto.Decrypt(rec.RefreshTokenEnc, testPassphrase); refresh != "refresh-1" {
		t.Fatalf("stored refresh token does not decrypt: %q", refresh)
	}

	w, _ := e.sites.GetWebsite(ctx, e.websiteID)
	if w.PropertyID != "sc-domain:shop.com" {
		t.Fatalf("website property not recorded: %q", w.PropertyID)
	}
}

func TestCompleteLink_BadState(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	for _, state := range []string{
		"",
		"garbage",
		pkgcrypto.SignState(e.subjectID.String(), e.websiteID.String(), []byte("other-key"), time.Now()),
		pkgcrypto.SignState("not-a-uuid", e.websiteID.String(), testStateKey, time.Now()),
	} {
		if _, err := e.svc.CompleteLink(context.Background(), "c", state); !errors.Is(err, errs.ErrCSRF) {
			t.Fatalf("state %q: got %v, want ErrCSRF", state, err)
		}
	}
}

func TestCompleteLink_ExpiredState(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	stale := pkgcrypto.SignState(e.subjectID.String(), e.websiteID.String(), testStateKey, time.Now().Add(-11*time.Minute))
	if _, err := e.svc.CompleteLink(context.Background(), "c", stale); !errors.Is(err, errs.ErrCSRF) {
		t.Fatalf("got %v, want ErrCSRF", err)
	}
}

func TestCompleteLink_IdentityFailureTolerated(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.google.identityErr = errors.New("userinfo timeout")
	ctx := context.Background()

	authURL, _ := e.svc.BeginLink(ctx, e.subjectID, e.websiteID)
	res, err := e.svc.CompleteLink(ctx, "c", stateFromURL(t, authURL))
	if err != nil {
		t.Fatalf("identity failure must not abort the link: %v", err)
	}
	if res.ProviderIdentity != "" {
		t.Fatalf("identity=%q, want empty", res.ProviderIdentity)
	}
}

func TestCompleteLink_AccessDenied(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.google.exchangeErr = errs.ErrAccessDenied
	ctx := context.Background()

	authURL, _ := e.svc.BeginLink(ctx, e.subjectID, e.websiteID)
	if _, err := e.svc.CompleteLink(ctx, "c", stateFromURL(t, authURL)); !errors.Is(err, errs.ErrAccessDenied) {
		t.Fatalf("got %v, want ErrAccessDenied", err)
	}
}

func TestCompleteLink_NoEligibleProperties(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.google.props = []model.ExternalProperty{
		{Identifier: "sc-domain:shop.com", PermissionLevel: "siteUnverifiedUser"},
	}
	ctx := context.Background()

	authURL, _ := e.svc.BeginLink(ctx, e.subjectID, e.websiteID)
	if _, err := e.svc.CompleteLink(ctx, "c", stateFromURL(t, authURL)); !errors.Is(err, errs.ErrNoProperties) {
		t.Fatalf("got %v, want ErrNoProperties", err)
	}
}

func TestCompleteLink_Ambiguous(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.google.props = []model.ExternalProperty{
		{Identifier: "https://shop.com/", PermissionLevel: "siteOwner"},
		{Identifier: "https://shop.com/blog/", PermissionLevel: "siteOwner"},
	}
	ctx := context.Background()

	authURL, _ := e.svc.BeginLink(ctx, e.subjectID, e.websiteID)
	res, err := e.svc.CompleteLink(ctx, "c", stateFromURL(t, authURL))
	if !errors.Is(err, errs.ErrAmbiguousMatch) {
		t.Fatalf("got %v, want ErrAmbiguousMatch", err)
	}
	if res == nil || len(res.Candidates) != 2 {
		t.Fatalf("candidates must accompany the ambiguity: %+v", res)
	}

	w, _ := e.sites.GetWebsite(ctx, e.websiteID)
	if w.PropertyID != "" {
		t.Fatalf("ambiguous match must not silently pick a property: %q", w.PropertyID)
	}
}

func TestCompleteLink_DegradedWithoutRefreshToken(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.google.exchangeTok.RefreshToken = ""
	ctx := context.Background()

	authURL, _ := e.svc.BeginLink(ctx, e.subjectID, e.websiteID)
	res, err := e.svc.CompleteLink(ctx, "c", stateFromURL(t, authURL))
	if err != nil {
		t.Fatalf("CompleteLink: %v", err)
	}
	rec, _ := e.store.GetTokenRecord(ctx, res.AccountID)
	// The access-token ciphertext is reused so the record stays well-formed;
	// such a record cannot self-refresh.
	if refresh, _ := pkgcrypto.Decrypt(rec.RefreshTokenEnc, testPassphrase); refresh != "access-1" {
		t.Fatalf("degraded record refresh field=%q, want access token plaintext", refresh)
	}
}

func seedRecord(t *testing.T, e *env, expiresAt time.Time) uuid.UUID {
	t.Helper()
	acc, err := e.store.UpsertAccount(context.Background(), e.subjectID, "owner@example.com")
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	accessEnc, err := pkgcrypto.Encrypt("stored-access", testPassphrase)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	refreshEnc, err := pkgcrypto.Encrypt("stored-refresh", testPassphrase)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	err = e.store.SaveTokenRecord(context.Background(), &model.TokenRecord{
		AccountID:       acc.ID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       expiresAt,
		Scope:           "webmasters.readonly",
	})
	if err != nil {
		t.Fatalf("SaveTokenRecord: %v", err)
	}
	return acc.ID
}

func TestGetValidAccessToken_ServesCachedWhileFresh(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	accountID := seedRecord(t, e, time.Now().Add(time.Hour))

	tok, err := e.svc.GetValidAccessToken(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if tok != "stored-access" {
		t.Fatalf("token=%q", tok)
	}
	if e.google.calls() != 0 {
		t.Fatalf("fresh token must not hit the provider")
	}
}

func TestGetValidAccessToken_RefreshSuccess(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	accountID := seedRecord(t, e, time.Now().Add(-time.Minute))
	e.google.refreshTok = &model.Token{
		AccessToken:  "fresh-access",
		RefreshToken: "rotated-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	ctx := context.Background()

	tok, err := e.svc.GetValidAccessToken(ctx, accountID)
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if tok != "fresh-access" {
		t.Fatalf("token=%q", tok)
	}

	rec, _ := e.store.GetTokenRecord(ctx, accountID)
	if !rec.ExpiresAt.After(time.Now().Add(50 * time.Minute)) {
		t.Fatalf("expiresAt did not advance: %v", rec.ExpiresAt)
	}
	if rotated, _ := pkgcrypto.Decrypt(rec.RefreshTokenEnc, testPassphrase); rotated != "rotated-refresh" {
		t.Fatalf("rotated refresh token not persisted: %q", rotated)
	}
}

func TestGetValidAccessToken_PermanentFailurePreservesRecord(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	accountID := seedRecord(t, e, time.Now().Add(-time.Minute))
	e.google.refreshErr = errs.ErrRefreshPermanent
	ctx := context.Background()

	before, _ := e.store.GetTokenRecord(ctx, accountID)
	if _, err := e.svc.GetValidAccessToken(ctx, accountID); !errors.Is(err, errs.ErrRefreshPermanent) {
		t.Fatalf("got %v, want ErrRefreshPermanent", err)
	}
	after, _ := e.store.GetTokenRecord(ctx, accountID)
	if after.AccessTokenEnc != before.AccessTokenEnc || after.RefreshTokenEnc != before.RefreshTokenEnc {
		t.Fatalf("permanent failure must not mutate the record")
	}

	// Without a re-link the same error repeats.
	if _, err := e.svc.GetValidAccessToken(ctx, accountID); !errors.Is(err, errs.ErrRefreshPermanent) {
		t.Fatalf("second call must fail identically")
	}
}

func TestGetValidAccessToken_TransientFailureMutatesNothing(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	accountID := seedRecord(t, e, time.Now().Add(-time.Minute))
	e.google.refreshErr = errs.ErrRefreshTransient
	ctx := context.Background()

	before, _ := e.store.GetTokenRecord(ctx, accountID)
	if _, err := e.svc.GetValidAccessToken(ctx, accountID); !errors.Is(err, errs.ErrRefreshTransient) {
		t.Fatalf("got %v, want ErrRefreshTransient", err)
	}
	after, _ := e.store.GetTokenRecord(ctx, accountID)
	if after.AccessTokenEnc != before.AccessTokenEnc || !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Fatalf("transient failure must not mutate the record")
	}
}

func TestGetValidAccessToken_MissingRecord(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	if _, err := e.svc.GetValidAccessToken(context.Background(), uuid.Must(uuid.NewV4())); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestGetValidAccessToken_TamperedCiphertextSurfaces(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	accountID := seedRecord(t, e, time.Now().Add(time.Hour))

	rec, _ := e.store.GetTokenRecord(context.Background(), accountID)
	rec.AccessTokenEnc = rec.AccessTokenEnc[:len(rec.AccessTokenEnc)-8] + "AAAAAAA="
	if err := e.store.SaveTokenRecord(context.Background(), rec); err != nil {
		t.Fatalf("SaveTokenRecord: %v", err)
	}

	if _, err := e.svc.GetValidAccessToken(context.Background(), accountID); !errors.Is(err, errs.ErrIntegrity) {
		t.Fatalf("got %v, want ErrIntegrity (never silent)", err)
	}
}

func TestGetValidAccessToken_ConcurrentRefreshSingleFlight(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	accountID := seedRecord(t, e, time.Now().Add(-time.Minute))
	e.google.refreshTok = &model.Token{
		AccessToken: "fresh-access",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	e.google.refreshDelay = 100 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errsOut := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errsOut[i] = e.svc.GetValidAccessToken(context.Background(), accountID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errsOut[i] != nil {
			t.Fatalf("call %d: %v", i, errsOut[i])
		}
		if tokens[i] != "fresh-access" {
			t.Fatalf("call %d token=%q", i, tokens[i])
		}
	}
	if got := e.google.calls(); got != 1 {
		t.Fatalf("provider refresh calls=%d, want exactly 1", got)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	accountID := seedRecord(t, e, time.Now().Add(time.Hour))
	ctx := context.Background()

	if err := e.svc.Disconnect(ctx, e.subjectID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := e.store.GetTokenRecord(ctx, accountID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("record must be gone, got %v", err)
	}
	if err := e.svc.Disconnect(ctx, e.subjectID); err != nil {
		t.Fatalf("second Disconnect must be a no-op: %v", err)
	}
}
