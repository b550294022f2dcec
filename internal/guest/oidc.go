package guest

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"hotspot/portal/internal/crypto"
	"hotspot/portal/internal/ephemeral"
	"hotspot/portal/internal/model"
	"hotspot/portal/internal/oidc"
	"hotspot/portal/internal/session"
)

// stateRecord is everything the callback needs; nothing else is kept between
// the redirect to the provider and its return.
type stateRecord struct {
	SessionID    string    `json:"portal_session_id"`
	SiteID       string    `json:"site_id"`
	ProviderID   string    `json:"provider_id"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// stateGrace keeps an expired state readable long enough to report it as
// expired rather than unknown.
const stateGrace = 5 * time.Minute

// StateKey stores only a hash of the state so a leaked key cannot be replayed.
func StateKey(state string) string {
	return "oidc-state:" + crypto.HashToken(state)
}

// StartOIDC returns the provider URL the guest should be sent to, or the
// continuation URL when the session is already authorized.
func (s *Service) StartOIDC(ctx context.Context, tenantSlug, siteSlug, sessionID string) (string, error) {
	site, err := s.Site(ctx, tenantSlug, siteSlug)
	if err != nil {
		return "", err
	}
	handle, err := s.resolve(ctx, site, sessionID)
	if err != nil {
		return "", err
	}
	if handle.Status == model.SessionAuthorized {
		return s.ContinueURL(site, handle), nil
	}
	settings, err := s.oidcSettings(ctx, site)
	if err != nil {
		return "", err
	}
	meta, err := s.deps.OIDC.Discover(ctx, settings.Provider.Issuer)
	if err != nil {
		return "", transient("oidc_unavailable", err)
	}

	random, err := crypto.NewToken(24)
	if err != nil {
		return "", transient("internal_error", err)
	}
	nonce, err := crypto.NewToken(24)
	if err != nil {
		return "", transient("internal_error", err)
	}
	verifier, err := crypto.NewToken(48)
	if err != nil {
		return "", transient("internal_error", err)
	}
	state := handle.ID + "." + random
	record := stateRecord{
		SessionID:    handle.ID,
		SiteID:       site.ID,
		ProviderID:   settings.Provider.ID,
		Nonce:        nonce,
		CodeVerifier: verifier,
		ExpiresAt:    s.now().UTC().Add(s.cfg.OIDCStateTTL),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", transient("internal_error", err)
	}
	if err := s.deps.Store.Set(ctx, StateKey(state), string(payload), s.cfg.OIDCStateTTL+stateGrace); err != nil {
		return "", transient("ephemeral_unavailable", err)
	}

	return oidc.AuthCodeURL(meta, oidc.AuthRequest{
		ClientID:     settings.Provider.ClientID,
		RedirectURI:  s.CallbackURL(site),
		Scopes:       settings.Provider.Scopes,
		State:        state,
		Nonce:        nonce,
		CodeVerifier: verifier,
	})
}

func (s *Service) CallbackURL(site model.Site) string {
	return s.cfg.BaseURL + "/api/oidc/callback/" + url.PathEscape(site.TenantSlug) + "/" + url.PathEscape(site.Slug)
}

// CallbackOIDC finishes the login started by StartOIDC. The state entry is
// consumed before anything else so a replayed callback always fails.
func (s *Service) CallbackOIDC(ctx context.Context, tenantSlug, siteSlug, state, code, providerError string) (Completion, error) {
	site, err := s.Site(ctx, tenantSlug, siteSlug)
	if err != nil {
		return Completion{}, err
	}
	record, err := s.takeState(ctx, site, state)
	if err != nil {
		return Completion{}, err
	}

	handle, err := s.resolve(ctx, site, record.SessionID)
	if err != nil {
		return Completion{SessionID: record.SessionID}, err
	}
	if providerError != "" {
		s.logger.Warn("oidc provider returned error", zap.String("portal_session_id", handle.ID), zap.String("provider_error", providerError))
		s.record(ctx, site, handle, model.MethodOIDC, model.ResultFail, "oidc_error", nil, nil)
		return Completion{SessionID: handle.ID}, proof("oidc_error")
	}
	if !s.now().Before(record.ExpiresAt) {
		s.record(ctx, site, handle, model.MethodOIDC, model.ResultFail, "state_expired", nil, nil)
		return Completion{SessionID: handle.ID}, security("state_expired")
	}
	return s.attempt(ctx, site, handle, Proof{Method: model.MethodOIDC, Code: code, state: &record})
}

func (s *Service) takeState(ctx context.Context, site model.Site, state string) (stateRecord, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return stateRecord{}, security("state_mismatch")
	}
	raw, err := s.deps.Store.GetDelete(ctx, StateKey(state))
	if errors.Is(err, ephemeral.ErrNotFound) {
		s.logger.Warn("oidc callback with unknown state", zap.String("site_id", site.ID))
		return stateRecord{}, security("state_mismatch")
	}
	if err != nil {
		return stateRecord{}, transient("ephemeral_unavailable", err)
	}
	var record stateRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil || record.SessionID == "" {
		return stateRecord{}, security("state_mismatch")
	}
	if record.SiteID != site.ID || !strings.HasPrefix(state, record.SessionID+".") {
		return stateRecord{}, security("state_mismatch")
	}
	return record, nil
}

func (s *Service) oidcSettings(ctx context.Context, site model.Site) (model.SiteOIDCSettings, error) {
	settings, err := s.deps.Repo.GetSiteOIDC(ctx, site.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.SiteOIDCSettings{}, validation("oidc_disabled")
		}
		return model.SiteOIDCSettings{}, transient("database_unavailable", err)
	}
	if !settings.Enabled || settings.Provider.Issuer == "" {
		return model.SiteOIDCSettings{}, validation("oidc_disabled")
	}
	return settings, nil
}

type oidcVerifier struct {
	s *Service
}

func (v *oidcVerifier) Method() model.AuthMethod { return model.MethodOIDC }

func (v *oidcVerifier) Verify(ctx context.Context, site model.Site, handle session.Handle, p Proof) (Verification, error) {
	record := p.state
	if record == nil || record.SessionID != handle.ID {
		return Verification{}, security("state_mismatch")
	}
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return Verification{}, proof("oidc_error")
	}
	settings, err := v.s.oidcSettings(ctx, site)
	if err != nil {
		return Verification{}, err
	}
	if settings.Provider.ID != record.ProviderID {
		return Verification{}, security("state_mismatch")
	}
	provider := settings.Provider

	meta, err := v.s.deps.OIDC.Discover(ctx, provider.Issuer)
	if err != nil {
		return Verification{}, transient("oidc_unavailable", err)
	}
	secret, err := v.s.deps.Secrets.Resolve(ctx, provider.ClientSecretRef)
	if err != nil {
		return Verification{}, transient("oidc_unavailable", err)
	}
	rawToken, err := v.s.deps.OIDC.Exchange(ctx, meta, oidc.ExchangeRequest{
		ClientID:     provider.ClientID,
		ClientSecret: secret,
		RedirectURI:  v.s.CallbackURL(site),
		Code:         code,
		CodeVerifier: record.CodeVerifier,
	})
	if err != nil {
		return Verification{}, newError(KindProof, "token_exchange_failed", err)
	}
	claims, err := v.s.deps.OIDC.VerifyIDToken(ctx, meta, provider.ClientID, rawToken, record.Nonce)
	switch {
	case errors.Is(err, oidc.ErrNonceMismatch):
		return Verification{}, newError(KindSecurity, "nonce_mismatch", err)
	case errors.Is(err, oidc.ErrJWKS):
		return Verification{}, transient("oidc_unavailable", err)
	case err != nil:
		return Verification{}, newError(KindSecurity, "id_token_invalid", err)
	}
	if claims.Subject == "" {
		return Verification{}, security("id_token_invalid")
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	if !domainAllowed(email, settings.AllowedDomains) {
		return Verification{}, security("domain_not_allowed")
	}
	identity, err := v.s.deps.Repo.UpsertGuestBySubject(ctx, site.TenantID, meta.Issuer, claims.Subject, optional(email), optional(claims.DisplayName()))
	if err != nil {
		return Verification{}, transient("database_unavailable", err)
	}
	return Verification{Identity: &identity}, nil
}

// domainAllowed accepts anything when no domains are configured. Otherwise
// the email must be present and its domain listed.
func domainAllowed(email string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, candidate := range allowed {
		if strings.EqualFold(strings.TrimSpace(candidate), domain) {
			return true
		}
	}
	return false
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
