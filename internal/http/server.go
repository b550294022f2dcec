package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hotspot/portal/internal/guest"
	"hotspot/portal/internal/model"
	"hotspot/portal/internal/session"
)

type GuestService interface {
	Config(ctx context.Context, tenantSlug, siteSlug string) (guest.SiteConfig, error)
	OpenSession(ctx context.Context, tenantSlug, siteSlug string, req session.OpenRequest) (guest.OpenResult, error)
	RedeemVoucher(ctx context.Context, tenantSlug, siteSlug, sessionID, code string) (guest.Completion, error)
	StartOTP(ctx context.Context, tenantSlug, siteSlug, sessionID, email, clientIP string) error
	VerifyOTP(ctx context.Context, tenantSlug, siteSlug, sessionID, email, code string) (guest.Completion, error)
	AcceptTOS(ctx context.Context, tenantSlug, siteSlug, sessionID string) (guest.Completion, error)
	StartOIDC(ctx context.Context, tenantSlug, siteSlug, sessionID string) (string, error)
	CallbackOIDC(ctx context.Context, tenantSlug, siteSlug, state, code, providerError string) (guest.Completion, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	guest   GuestService
	baseURL string
	logger  *zap.Logger
	checks  map[string]Pinger
}

func NewServer(svc GuestService, baseURL string, logger *zap.Logger, checks map[string]Pinger) *Server {
	return &Server{
		guest:   svc,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		checks:  checks,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/guest/{tenant}/{site}", func(r chi.Router) {
		r.Get("/config", s.handleGetConfig)
		r.Post("/session", s.handleOpenSession)
		r.Post("/voucher", s.handleRedeemVoucher)
		r.Post("/otp/start", s.handleStartOTP)
		r.Post("/otp/verify", s.handleVerifyOTP)
		r.Post("/tos/accept", s.handleAcceptTOS)
	})
	r.Get("/api/oidc/{tenant}/{site}/start", s.handleStartOIDC)
	r.Get("/api/oidc/callback/{tenant}/{site}", s.handleOIDCCallback)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "dependency": name})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Guest API

type policyResponse struct {
	TimeLimitMinutes int  `json:"time_limit_minutes"`
	DataLimitMB      *int `json:"data_limit_mb,omitempty"`
	RxKbps           *int `json:"rx_kbps,omitempty"`
	TxKbps           *int `json:"tx_kbps,omitempty"`
}

type configResponse struct {
	DisplayName    string             `json:"display_name"`
	LogoURL        *string            `json:"logo_url"`
	PrimaryColor   *string            `json:"primary_color"`
	TermsHTML      *string            `json:"terms_html"`
	SupportContact *string            `json:"support_contact"`
	Methods        []model.AuthMethod `json:"methods"`
	Policy         policyResponse     `json:"policy"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.guest.Config(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "site"))
	if err != nil {
		s.writeGuestError(w, err)
		return
	}
	site := cfg.Site
	writeJSON(w, http.StatusOK, configResponse{
		DisplayName:    site.DisplayName,
		LogoURL:        site.Branding.LogoURL,
		PrimaryColor:   site.Branding.PrimaryColor,
		TermsHTML:      site.Branding.TermsHTML,
		SupportContact: site.Branding.SupportContact,
		Methods:        cfg.Methods,
		Policy: policyResponse{
			TimeLimitMinutes: site.Policy.TimeLimitMinutes,
			DataLimitMB:      site.Policy.DataLimitMB,
			RxKbps:           site.Policy.RxKbps,
			TxKbps:           site.Policy.TxKbps,
		},
	})
}

type openSessionRequest struct {
	ClientMAC string `json:"id"`
	APMAC     string `json:"ap"`
	SSID      string `json:"ssid"`
	URL       string `json:"url"`
	T         string `json:"t"`
	UserAgent string `json:"user_agent"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	res, err := s.guest.OpenSession(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "site"), session.OpenRequest{
		DeviceMAC: req.ClientMAC,
		APMAC:     req.APMAC,
		SSID:      req.SSID,
		OrigURL:   req.URL,
		ClientIP:  clientIP(r),
		UserAgent: userAgent,
	})
	if err != nil {
		s.writeGuestError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"portal_session_id": res.Handle.ID,
		"status":            res.Handle.Status,
		"methods":           res.Methods,
	})
}

type voucherRequest struct {
	PortalSessionID string `json:"portal_session_id"`
	Code            string `json:"code"`
}

func (s *Server) handleRedeemVoucher(w http.ResponseWriter, r *http.Request) {
	var req voucherRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	done, err := s.guest.RedeemVoucher(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "site"), req.PortalSessionID, req.Code)
	s.writeCompletion(w, done, err)
}

type otpStartRequest struct {
	PortalSessionID string `json:"portal_session_id"`
	Email           string `json:"email"`
}

func (s *Server) handleStartOTP(w http.ResponseWriter, r *http.Request) {
	var req otpStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := s.guest.StartOTP(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "site"), req.PortalSessionID, req.Email, clientIP(r)); err != nil {
		s.writeGuestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type otpVerifyRequest struct {
	PortalSessionID string `json:"portal_session_id"`
	Email           string `json:"email"`
	Code            string `json:"code"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	done, err := s.guest.VerifyOTP(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "site"), req.PortalSessionID, req.Email, req.Code)
	s.writeCompletion(w, done, err)
}

type tosRequest struct {
	PortalSessionID string `json:"portal_session_id"`
}

func (s *Server) handleAcceptTOS(w http.ResponseWriter, r *http.Request) {
	var req tosRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	done, err := s.guest.AcceptTOS(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "site"), req.PortalSessionID)
	s.writeCompletion(w, done, err)
}

// OIDC

func (s *Server) handleStartOIDC(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("portal_session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	target, err := s.guest.StartOIDC(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "site"), sessionID)
	if err != nil {
		s.writeGuestError(w, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	tenant, site := chi.URLParam(r, "tenant"), chi.URLParam(r, "site")
	query := r.URL.Query()
	providerError := query.Get("error")
	if providerError != "" {
		s.logger.Info("oidc provider error", zap.String("error", providerError), zap.String("description", query.Get("error_description")))
	}
	done, err := s.guest.CallbackOIDC(r.Context(), tenant, site, query.Get("state"), query.Get("code"), providerError)
	if err != nil {
		gerr := guest.AsError(err)
		if gerr.Code == "site_not_found" || gerr.Code == "site_disabled" {
			s.writeGuestError(w, err)
			return
		}
		_, code := publicError(gerr)
		http.Redirect(w, r, s.portalRedirect(tenant, site, done.SessionID, code), http.StatusFound)
		return
	}
	http.Redirect(w, r, done.ContinueURL, http.StatusFound)
}

func (s *Server) portalRedirect(tenant, site, sessionID, errorCode string) string {
	query := url.Values{}
	if sessionID != "" {
		query.Set("portal_session_id", sessionID)
	}
	if errorCode != "" {
		query.Set("error", errorCode)
	}
	target := s.baseURL + "/guest/s/" + url.PathEscape(tenant) + "/" + url.PathEscape(site) + "/"
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

// Helpers

func (s *Server) writeCompletion(w http.ResponseWriter, done guest.Completion, err error) {
	if err != nil {
		s.writeGuestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                 true,
		"portal_session_id":  done.SessionID,
		"continue_url":       done.ContinueURL,
		"already_authorized": done.AlreadyAuthorized,
	})
}

func (s *Server) writeGuestError(w http.ResponseWriter, err error) {
	gerr := guest.AsError(err)
	status, code := publicError(gerr)
	if status >= http.StatusInternalServerError {
		s.logger.Error("guest request failed", zap.String("code", gerr.Code), zap.Error(err))
	}
	if gerr.Retryable() {
		writeJSON(w, status, map[string]interface{}{"error": code, "retryable": true})
		return
	}
	writeError(w, status, code)
}

// publicError maps a guest error to its HTTP status and the code the guest
// is allowed to see. Abuse and security failures share one generic code.
func publicError(err *guest.Error) (int, string) {
	switch err.Kind {
	case guest.KindValidation:
		switch err.Code {
		case "site_not_found", "session_not_found":
			return http.StatusNotFound, err.Code
		case "session_expired":
			return http.StatusGone, err.Code
		case "site_disabled", "method_disabled", "oidc_disabled":
			return http.StatusForbidden, err.Code
		}
		return http.StatusBadRequest, err.Code
	case guest.KindProof:
		if err.Code == "authorization_rejected" {
			return http.StatusForbidden, err.Code
		}
		return http.StatusBadRequest, err.Code
	case guest.KindContention:
		if err.Code == "rate_limited" {
			return http.StatusTooManyRequests, err.Code
		}
		return http.StatusForbidden, "access_denied"
	case guest.KindSecurity:
		return http.StatusForbidden, "access_denied"
	default:
		if err.Code == "internal_error" {
			return http.StatusInternalServerError, err.Code
		}
		return http.StatusServiceUnavailable, err.Code
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// clientIP reads the peer address. Forwarding headers are only honoured
// through middleware.RealIP, which rewrites RemoteAddr behind the proxy.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
