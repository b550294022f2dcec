// Package guest turns a captive-portal redirect into an authorized device.
// Each proof method is a Verifier; the Service owns the shared glue around
// them: site and session resolution, the already-authorized short-circuit,
// the controller call, status updates and the audit event.
package guest

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"hotspot/portal/internal/controller"
	"hotspot/portal/internal/ephemeral"
	"hotspot/portal/internal/mail"
	"hotspot/portal/internal/metrics"
	"hotspot/portal/internal/model"
	"hotspot/portal/internal/oidc"
	"hotspot/portal/internal/secrets"
	"hotspot/portal/internal/session"
)

type Repository interface {
	GetSiteBySlugs(ctx context.Context, tenantSlug, siteSlug string) (model.Site, error)
	GetSiteOIDC(ctx context.Context, siteID string) (model.SiteOIDCSettings, error)
	FindVoucher(ctx context.Context, siteID, code string) (model.Voucher, error)
	ClaimVoucherUse(ctx context.Context, redemption model.VoucherRedemption) (bool, error)
	ReleaseVoucherUse(ctx context.Context, voucherID, redemptionID string) error
	UpsertGuestByEmail(ctx context.Context, tenantID, email string) (model.GuestIdentity, error)
	UpsertGuestBySubject(ctx context.Context, tenantID, issuer, subject string, email, displayName *string) (model.GuestIdentity, error)
}

type Sessions interface {
	Open(ctx context.Context, site model.Site, req session.OpenRequest) (session.Handle, bool, error)
	Resolve(ctx context.Context, site model.Site, sessionID string) (session.Handle, error)
	MarkStatus(ctx context.Context, handle session.Handle, status model.SessionStatus) (session.Handle, error)
}

type Limiter interface {
	Allow(ctx context.Context, scope, key string, window time.Duration, max int) (bool, error)
}

type Authorizer interface {
	Authorize(ctx context.Context, target controller.Target, mac string, policy model.Policy) (controller.Result, error)
}

type Recorder interface {
	Record(ctx context.Context, event model.AuthEvent) error
}

type MailQueue interface {
	Enqueue(ctx context.Context, job mail.Job) error
}

type Provider interface {
	Discover(ctx context.Context, issuer string) (oidc.Metadata, error)
	Exchange(ctx context.Context, meta oidc.Metadata, req oidc.ExchangeRequest) (string, error)
	VerifyIDToken(ctx context.Context, meta oidc.Metadata, clientID, rawToken, nonce string) (oidc.Claims, error)
}

type Rate struct {
	Window time.Duration
	Max    int
}

type Config struct {
	BaseURL        string
	SecretKey      string
	OTPTTL         time.Duration
	OTPMaxAttempts int
	OIDCStateTTL   time.Duration
	VoucherRate    Rate
	OTPStartRate   Rate
	OTPVerifyRate  Rate
}

type Deps struct {
	Repo       Repository
	Sessions   Sessions
	Store      ephemeral.Store
	Limiter    Limiter
	Controller Authorizer
	Events     Recorder
	Mail       MailQueue
	OIDC       Provider
	Secrets    secrets.Resolver
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Proof is the guest-supplied evidence for one method.
type Proof struct {
	Method model.AuthMethod
	Code   string
	Email  string
	state  *stateRecord
}

// Verification is the uniform outcome of a successful proof check. Commit
// runs after the controller authorized the device, Rollback after it failed.
type Verification struct {
	Identity *model.GuestIdentity
	Commit   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

type Verifier interface {
	Method() model.AuthMethod
	Verify(ctx context.Context, site model.Site, handle session.Handle, proof Proof) (Verification, error)
}

type Completion struct {
	SessionID   string
	ContinueURL string
	// AlreadyAuthorized is set when no controller call was made.
	AlreadyAuthorized bool
}

type SiteConfig struct {
	Site    model.Site
	Methods []model.AuthMethod
}

type OpenResult struct {
	Handle  session.Handle
	Created bool
	Methods []model.AuthMethod
}

type Service struct {
	cfg       Config
	deps      Deps
	logger    *zap.Logger
	verifiers map[model.AuthMethod]Verifier
	now       func() time.Time
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	if cfg.OTPMaxAttempts <= 0 {
		cfg.OTPMaxAttempts = 5
	}
	if cfg.OIDCStateTTL <= 0 {
		cfg.OIDCStateTTL = 10 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{cfg: cfg, deps: deps, logger: logger, now: time.Now}
	s.verifiers = map[model.AuthMethod]Verifier{}
	for _, v := range []Verifier{
		&voucherVerifier{s: s},
		&otpVerifier{s: s},
		&oidcVerifier{s: s},
		&tosVerifier{s: s},
	} {
		s.verifiers[v.Method()] = v
	}
	return s
}

// Site loads an active site by its tenant and site slugs.
func (s *Service) Site(ctx context.Context, tenantSlug, siteSlug string) (model.Site, error) {
	site, err := s.deps.Repo.GetSiteBySlugs(ctx, tenantSlug, siteSlug)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Site{}, validation("site_not_found")
		}
		return model.Site{}, transient("database_unavailable", err)
	}
	if !site.Active() {
		return model.Site{}, validation("site_disabled")
	}
	return site, nil
}

func (s *Service) Config(ctx context.Context, tenantSlug, siteSlug string) (SiteConfig, error) {
	site, err := s.Site(ctx, tenantSlug, siteSlug)
	if err != nil {
		return SiteConfig{}, err
	}
	return SiteConfig{Site: site, Methods: s.Methods(ctx, site)}, nil
}

// Methods lists the proof methods the site offers. Voucher and email OTP are
// always on; OIDC needs an enabled provider.
func (s *Service) Methods(ctx context.Context, site model.Site) []model.AuthMethod {
	methods := []model.AuthMethod{model.MethodVoucher, model.MethodEmailOTP}
	if _, err := s.oidcSettings(ctx, site); err == nil {
		methods = append(methods, model.MethodOIDC)
	}
	if site.EnableTOSOnly {
		methods = append(methods, model.MethodTOSOnly)
	}
	return methods
}

func (s *Service) OpenSession(ctx context.Context, tenantSlug, siteSlug string, req session.OpenRequest) (OpenResult, error) {
	site, err := s.Site(ctx, tenantSlug, siteSlug)
	if err != nil {
		return OpenResult{}, err
	}
	handle, created, err := s.deps.Sessions.Open(ctx, site, req)
	if err != nil {
		return OpenResult{}, sessionError(err)
	}
	return OpenResult{Handle: handle, Created: created, Methods: s.Methods(ctx, site)}, nil
}

func (s *Service) RedeemVoucher(ctx context.Context, tenantSlug, siteSlug, sessionID, code string) (Completion, error) {
	return s.authenticate(ctx, tenantSlug, siteSlug, sessionID, Proof{Method: model.MethodVoucher, Code: code})
}

func (s *Service) VerifyOTP(ctx context.Context, tenantSlug, siteSlug, sessionID, email, code string) (Completion, error) {
	return s.authenticate(ctx, tenantSlug, siteSlug, sessionID, Proof{Method: model.MethodEmailOTP, Email: email, Code: code})
}

func (s *Service) AcceptTOS(ctx context.Context, tenantSlug, siteSlug, sessionID string) (Completion, error) {
	return s.authenticate(ctx, tenantSlug, siteSlug, sessionID, Proof{Method: model.MethodTOSOnly})
}

// ContinueURL is where the guest goes once authorized.
func (s *Service) ContinueURL(site model.Site, handle session.Handle) string {
	if site.SuccessURL != nil && strings.TrimSpace(*site.SuccessURL) != "" {
		return *site.SuccessURL
	}
	if handle.OrigURL != nil && *handle.OrigURL != "" {
		return *handle.OrigURL
	}
	return s.PortalURL(site, "success")
}

// PortalURL builds a link into the guest UI for the site.
func (s *Service) PortalURL(site model.Site, suffix string) string {
	return s.cfg.BaseURL + "/guest/s/" + url.PathEscape(site.TenantSlug) + "/" + url.PathEscape(site.Slug) + "/" + suffix
}

func (s *Service) authenticate(ctx context.Context, tenantSlug, siteSlug, sessionID string, proof Proof) (Completion, error) {
	site, err := s.Site(ctx, tenantSlug, siteSlug)
	if err != nil {
		return Completion{}, err
	}
	handle, err := s.resolve(ctx, site, sessionID)
	if err != nil {
		return Completion{SessionID: sessionID}, err
	}
	return s.attempt(ctx, site, handle, proof)
}

func (s *Service) resolve(ctx context.Context, site model.Site, sessionID string) (session.Handle, error) {
	handle, err := s.deps.Sessions.Resolve(ctx, site, strings.TrimSpace(sessionID))
	if err != nil {
		return session.Handle{}, sessionError(err)
	}
	return handle, nil
}

// attempt runs one verifier and, when the proof holds, the controller step.
// Every outcome past input validation leaves exactly one auth event.
func (s *Service) attempt(ctx context.Context, site model.Site, handle session.Handle, proof Proof) (Completion, error) {
	if handle.Status == model.SessionAuthorized {
		return Completion{SessionID: handle.ID, ContinueURL: s.ContinueURL(site, handle), AlreadyAuthorized: true}, nil
	}
	verifier, ok := s.verifiers[proof.Method]
	if !ok {
		return Completion{SessionID: handle.ID}, validation("method_disabled")
	}
	verification, err := verifier.Verify(ctx, site, handle, proof)
	if err != nil {
		gerr := AsError(err)
		if gerr.Kind != KindValidation {
			s.record(ctx, site, handle, proof.Method, model.ResultFail, gerr.Code, nil, nil)
		}
		if gerr.Kind == KindTransient {
			s.logger.Error("guest verification failed", zap.String("portal_session_id", handle.ID), zap.String("code", gerr.Code), zap.Error(gerr.Err))
		}
		return Completion{SessionID: handle.ID}, gerr
	}
	return s.complete(ctx, site, handle, proof.Method, verification)
}

func (s *Service) complete(ctx context.Context, site model.Site, handle session.Handle, method model.AuthMethod, v Verification) (Completion, error) {
	logger := s.logger.With(
		zap.String("portal_session_id", handle.ID),
		zap.String("site_id", site.ID),
		zap.String("mac", handle.DeviceMAC),
		zap.String("method", string(method)),
	)
	var identityID *string
	if v.Identity != nil {
		identityID = &v.Identity.ID
	}

	result, err := s.authorizeDevice(ctx, site, handle)
	// Post-controller bookkeeping must survive the guest abandoning the request.
	detached := context.WithoutCancel(ctx)
	if err != nil {
		code := controller.Code(err)
		logger.Warn("controller authorization failed", zap.String("reason", code), zap.Error(err))
		if v.Rollback != nil {
			if rbErr := v.Rollback(detached); rbErr != nil {
				logger.Error("rollback after controller failure failed", zap.Error(rbErr))
			}
		}
		if _, markErr := s.deps.Sessions.MarkStatus(detached, handle, model.SessionFailed); markErr != nil {
			logger.Error("mark session failed", zap.Error(markErr))
		}
		s.record(detached, site, handle, method, model.ResultFail, code, identityID, nil)
		return Completion{SessionID: handle.ID}, controllerError(code, err)
	}

	if v.Commit != nil {
		if commitErr := v.Commit(detached); commitErr != nil {
			logger.Warn("commit after authorization failed", zap.Error(commitErr))
		}
	}
	handle, markErr := s.deps.Sessions.MarkStatus(detached, handle, model.SessionAuthorized)
	if markErr != nil {
		logger.Error("mark session authorized failed", zap.Error(markErr))
	}
	var clientID *string
	if result.ClientID != "" {
		clientID = &result.ClientID
	}
	s.record(detached, site, handle, method, model.ResultSuccess, "", identityID, clientID)
	logger.Info("guest authorized", zap.Bool("verified", result.Verified))
	return Completion{SessionID: handle.ID, ContinueURL: s.ContinueURL(site, handle)}, nil
}

func (s *Service) authorizeDevice(ctx context.Context, site model.Site, handle session.Handle) (controller.Result, error) {
	target := controller.Target{BaseURL: site.ControllerBaseURL, SiteID: site.ControllerSiteID}
	if site.ControllerAPIKeyRef != "" {
		key, err := s.deps.Secrets.Resolve(ctx, site.ControllerAPIKeyRef)
		if err != nil {
			return controller.Result{}, errors.Join(controller.ErrControllerUnavailable, err)
		}
		target.APIKey = key
	}
	return s.deps.Controller.Authorize(ctx, target, handle.DeviceMAC, site.Policy)
}

func (s *Service) record(ctx context.Context, site model.Site, handle session.Handle, method model.AuthMethod, result model.AuthResult, reason string, identityID, clientID *string) {
	event := model.AuthEvent{
		TenantID:           site.TenantID,
		SiteID:             site.ID,
		PortalSessionID:    handle.ID,
		Method:             method,
		Result:             result,
		GuestIdentityID:    identityID,
		ControllerClientID: clientID,
	}
	if reason != "" {
		event.Reason = &reason
	}
	// The recorder logs its own failures; the guest outcome stands regardless.
	_ = s.deps.Events.Record(ctx, event)
}

func (s *Service) allow(ctx context.Context, scope, key string, rate Rate) error {
	if rate.Max <= 0 || rate.Window <= 0 {
		return nil
	}
	ok, err := s.deps.Limiter.Allow(ctx, scope, key, rate.Window, rate.Max)
	if err != nil {
		return transient("ephemeral_unavailable", err)
	}
	if !ok {
		s.deps.Metrics.RateLimited(scope)
		return contention("rate_limited")
	}
	return nil
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidAddress):
		return validation("invalid_address")
	case errors.Is(err, session.ErrSiteDisabled):
		return validation("site_disabled")
	case errors.Is(err, session.ErrNotFound):
		return validation("session_not_found")
	case errors.Is(err, session.ErrExpired):
		return validation("session_expired")
	default:
		return transient("session_unavailable", err)
	}
}

func controllerError(code string, err error) *Error {
	switch code {
	case "authorization_rejected":
		return newError(KindProof, code, err)
	default:
		return transient(code, err)
	}
}
