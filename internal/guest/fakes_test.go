package guest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"hotspot/portal/internal/controller"
	"hotspot/portal/internal/ephemeral"
	"hotspot/portal/internal/mail"
	"hotspot/portal/internal/model"
	"hotspot/portal/internal/oidc"
	"hotspot/portal/internal/ratelimit"
	"hotspot/portal/internal/secrets"
	"hotspot/portal/internal/session"
)

// memoryRepo backs both the session manager and the service. Voucher claims
// take the lock, which stands in for the conditional UPDATE.
type memoryRepo struct {
	mu          sync.Mutex
	sites       map[string]model.Site
	oidc        map[string]model.SiteOIDCSettings
	vouchers    map[string]*model.Voucher
	redemptions map[string]model.VoucherRedemption
	identities  map[string]model.GuestIdentity
	sessions    map[string]model.PortalSession
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		sites:       map[string]model.Site{},
		oidc:        map[string]model.SiteOIDCSettings{},
		vouchers:    map[string]*model.Voucher{},
		redemptions: map[string]model.VoucherRedemption{},
		identities:  map[string]model.GuestIdentity{},
		sessions:    map[string]model.PortalSession{},
	}
}

func (r *memoryRepo) addSite(site model.Site) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[site.TenantSlug+"/"+site.Slug] = site
}

func (r *memoryRepo) addVoucher(siteID string, v model.Voucher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := v
	r.vouchers[siteID+"|"+v.Code] = &copied
}

func (r *memoryRepo) voucherUses(siteID, code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vouchers[siteID+"|"+code].Uses
}

func (r *memoryRepo) redemptionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.redemptions)
}

func (r *memoryRepo) sessionStatus(id string) model.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Status
}

func (r *memoryRepo) GetSiteBySlugs(_ context.Context, tenantSlug, siteSlug string) (model.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	site, ok := r.sites[tenantSlug+"/"+siteSlug]
	if !ok {
		return model.Site{}, pgx.ErrNoRows
	}
	return site, nil
}

func (r *memoryRepo) GetSiteOIDC(_ context.Context, siteID string) (model.SiteOIDCSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	settings, ok := r.oidc[siteID]
	if !ok {
		return model.SiteOIDCSettings{}, pgx.ErrNoRows
	}
	return settings, nil
}

func (r *memoryRepo) FindVoucher(_ context.Context, siteID, code string) (model.Voucher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vouchers[siteID+"|"+code]
	if !ok {
		return model.Voucher{}, pgx.ErrNoRows
	}
	return *v, nil
}

func (r *memoryRepo) ClaimVoucherUse(_ context.Context, redemption model.VoucherRedemption) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.vouchers {
		if v.ID != redemption.VoucherID {
			continue
		}
		if v.Disabled || v.Uses >= v.MaxUses {
			return false, nil
		}
		v.Uses++
		r.redemptions[redemption.ID] = redemption
		return true, nil
	}
	return false, nil
}

func (r *memoryRepo) ReleaseVoucherUse(_ context.Context, voucherID, redemptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.redemptions[redemptionID]; !ok {
		return nil
	}
	delete(r.redemptions, redemptionID)
	for _, v := range r.vouchers {
		if v.ID == voucherID && v.Uses > 0 {
			v.Uses--
		}
	}
	return nil
}

func (r *memoryRepo) UpsertGuestByEmail(_ context.Context, tenantID, email string) (model.GuestIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantID + "|email|" + email
	identity, ok := r.identities[key]
	if !ok {
		identity = model.GuestIdentity{ID: uuid.NewString(), TenantID: tenantID, Email: &email}
	}
	r.identities[key] = identity
	return identity, nil
}

func (r *memoryRepo) UpsertGuestBySubject(_ context.Context, tenantID, issuer, subject string, email, displayName *string) (model.GuestIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := tenantID + "|sub|" + issuer + "|" + subject
	identity, ok := r.identities[key]
	if !ok {
		identity = model.GuestIdentity{ID: uuid.NewString(), TenantID: tenantID, OIDCIssuer: &issuer, OIDCSubject: &subject}
	}
	identity.Email = email
	identity.DisplayName = displayName
	r.identities[key] = identity
	return identity, nil
}

func (r *memoryRepo) CreatePortalSession(_ context.Context, s model.PortalSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return nil
}

func (r *memoryRepo) GetPortalSession(_ context.Context, siteID, id string) (model.PortalSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.SiteID != siteID {
		return model.PortalSession{}, pgx.ErrNoRows
	}
	return s, nil
}

func (r *memoryRepo) UpdatePortalSessionStatus(_ context.Context, siteID, id string, status model.SessionStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.SiteID != siteID {
		return pgx.ErrNoRows
	}
	s.Status = status
	s.UpdatedAt = at
	r.sessions[id] = s
	return nil
}

type fakeAuthorizer struct {
	mu    sync.Mutex
	calls []string
	err   error
	delay time.Duration
}

func (f *fakeAuthorizer) Authorize(_ context.Context, target controller.Target, mac string, _ model.Policy) (controller.Result, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mac)
	if f.err != nil {
		return controller.Result{}, f.err
	}
	return controller.Result{ClientID: "client-" + mac, Verified: true}, nil
}

func (f *fakeAuthorizer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAuthorizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memoryEvents struct {
	mu     sync.Mutex
	events []model.AuthEvent
}

func (m *memoryEvents) Record(_ context.Context, event model.AuthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memoryEvents) all() []model.AuthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuthEvent(nil), m.events...)
}

func (m *memoryEvents) last() model.AuthEvent {
	all := m.all()
	return all[len(all)-1]
}

type memoryMail struct {
	mu   sync.Mutex
	jobs []mail.Job
	err  error
}

func (m *memoryMail) Enqueue(_ context.Context, job mail.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memoryMail) lastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[len(m.jobs)-1].Code
}

type fakeProvider struct {
	mu        sync.Mutex
	claims    oidc.Claims
	verifyErr error
	exchanges []oidc.ExchangeRequest
}

func (p *fakeProvider) Discover(_ context.Context, issuer string) (oidc.Metadata, error) {
	return oidc.Metadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
		JWKSURI:               issuer + "/jwks",
	}, nil
}

func (p *fakeProvider) Exchange(_ context.Context, _ oidc.Metadata, req oidc.ExchangeRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges = append(p.exchanges, req)
	if req.Code == "bad-code" {
		return "", oidc.ErrTokenExchange
	}
	return "id-token-for-" + req.Code, nil
}

func (p *fakeProvider) VerifyIDToken(_ context.Context, _ oidc.Metadata, _ string, _ string, nonce string) (oidc.Claims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verifyErr != nil {
		return oidc.Claims{}, p.verifyErr
	}
	claims := p.claims
	claims.Nonce = nonce
	return claims, nil
}

func (p *fakeProvider) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.exchanges)
}

const (
	acmeTenantID = "8a0c2b3e-7c61-4a3f-b2d5-5b9f4c1e6a22"
	labSiteID    = "3f1c5a44-2d9b-4e53-9a55-0a6f2f0c7d11"
	testIssuer   = "https://idp.example.com"
)

func labSite() model.Site {
	return model.Site{
		ID:                labSiteID,
		TenantID:          acmeTenantID,
		TenantSlug:        "acme",
		TenantStatus:      model.TenantActive,
		Slug:              "lab",
		DisplayName:       "Acme Lab",
		Enabled:           true,
		ControllerBaseURL: "https://controller.example.com",
		ControllerSiteID:  "default",
		Policy:            model.Policy{TimeLimitMinutes: 60},
	}
}

type harness struct {
	mr     *miniredis.Miniredis
	repo   *memoryRepo
	ctrl   *fakeAuthorizer
	events *memoryEvents
	mail   *memoryMail
	idp    *fakeProvider
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := ephemeral.NewRedisStore(client)

	repo := newMemoryRepo()
	repo.addSite(labSite())
	t.Setenv("ACME_OIDC_SECRET", "client-secret")

	h := &harness{
		mr:     mr,
		repo:   repo,
		ctrl:   &fakeAuthorizer{},
		events: &memoryEvents{},
		mail:   &memoryMail{},
		idp:    &fakeProvider{claims: oidc.Claims{Email: "Guest@Example.com", Name: "Guest User"}},
	}
	h.idp.claims.Subject = "subject-1"

	logger := zap.NewNop()
	h.svc = NewService(Config{
		BaseURL:        "https://portal.example.com/",
		SecretKey:      "test-secret",
		OTPTTL:         10 * time.Minute,
		OTPMaxAttempts: 5,
		OIDCStateTTL:   10 * time.Minute,
		VoucherRate:    Rate{Window: time.Minute, Max: 100},
		OTPStartRate:   Rate{Window: 10 * time.Minute, Max: 100},
		OTPVerifyRate:  Rate{Window: time.Minute, Max: 100},
	}, Deps{
		Repo:       repo,
		Sessions:   session.NewManager(store, repo, 30*time.Minute, logger),
		Store:      store,
		Limiter:    ratelimit.New(store),
		Controller: h.ctrl,
		Events:     h.events,
		Mail:       h.mail,
		OIDC:       h.idp,
		Secrets:    secrets.NewEnvResolver(),
		Logger:     logger,
	})
	return h
}

func (h *harness) enableOIDC(allowed ...string) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	h.repo.oidc[labSiteID] = model.SiteOIDCSettings{
		SiteID: labSiteID,
		Provider: model.OIDCProvider{
			ID:              "provider-1",
			TenantID:        acmeTenantID,
			Issuer:          testIssuer,
			ClientID:        "portal",
			ClientSecretRef: "env:ACME_OIDC_SECRET",
			Scopes:          []string{"openid", "email"},
		},
		Enabled:        true,
		AllowedDomains: allowed,
	}
}

func (h *harness) open(t *testing.T, mac string) session.Handle {
	t.Helper()
	res, err := h.svc.OpenSession(context.Background(), "acme", "lab", session.OpenRequest{DeviceMAC: mac, ClientIP: "10.0.0.10"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return res.Handle
}

func errCode(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ""
}
