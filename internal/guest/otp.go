package guest

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"go.uber.org/zap"

	"hotspot/portal/internal/crypto"
	"hotspot/portal/internal/ephemeral"
	portalmail "hotspot/portal/internal/mail"
	"hotspot/portal/internal/model"
	"hotspot/portal/internal/session"
)

const otpDigits = 6

func OTPKey(siteID, mac, email string) string {
	return fmt.Sprintf("otp:%s:%s:%s", siteID, mac, crypto.HashEmail(email))
}

func otpAttemptsKey(challengeKey string) string {
	return challengeKey + ":attempts"
}

// StartOTP issues a fresh code for email and queues its delivery. Starting
// again replaces the previous challenge and its attempt count.
func (s *Service) StartOTP(ctx context.Context, tenantSlug, siteSlug, sessionID, email, clientIP string) error {
	site, err := s.Site(ctx, tenantSlug, siteSlug)
	if err != nil {
		return err
	}
	handle, err := s.resolve(ctx, site, sessionID)
	if err != nil {
		return err
	}
	if handle.Status == model.SessionAuthorized {
		return nil
	}
	if err := s.allow(ctx, "otp_start", clientIP+":"+handle.DeviceMAC, s.cfg.OTPStartRate); err != nil {
		return err
	}
	email, ok := normalizeEmail(email)
	if !ok {
		return validation("invalid_email")
	}

	code, err := crypto.NumericCode(otpDigits)
	if err != nil {
		return transient("internal_error", err)
	}
	key := OTPKey(site.ID, handle.DeviceMAC, email)
	if err := s.deps.Store.Set(ctx, key, crypto.HashCode(s.cfg.SecretKey, code), s.cfg.OTPTTL); err != nil {
		return transient("ephemeral_unavailable", err)
	}
	if err := s.deps.Store.Set(ctx, otpAttemptsKey(key), "0", s.cfg.OTPTTL); err != nil {
		return transient("ephemeral_unavailable", err)
	}

	job := portalmail.Job{To: email, Code: code, SiteName: site.DisplayName, TenantID: site.TenantID, SiteID: site.ID}
	if site.Branding.SupportContact != nil {
		job.SupportContact = *site.Branding.SupportContact
	}
	if err := s.deps.Mail.Enqueue(ctx, job); err != nil {
		if delErr := s.deps.Store.Delete(context.WithoutCancel(ctx), key, otpAttemptsKey(key)); delErr != nil {
			s.logger.Error("otp challenge cleanup failed", zap.String("portal_session_id", handle.ID), zap.Error(delErr))
		}
		return transient("delivery_unavailable", err)
	}
	s.logger.Info("otp challenge issued", zap.String("portal_session_id", handle.ID), zap.String("site_id", site.ID))
	return nil
}

type otpVerifier struct {
	s *Service
}

func (v *otpVerifier) Method() model.AuthMethod { return model.MethodEmailOTP }

// Verify counts the call against the challenge before comparing, so the cap
// holds under concurrent verifies. Once the cap is hit the code is deleted
// and the counter is left to expire, which keeps later calls failing with
// attempts_exceeded.
func (v *otpVerifier) Verify(ctx context.Context, site model.Site, handle session.Handle, p Proof) (Verification, error) {
	if err := v.s.allow(ctx, "otp_verify", handle.DeviceMAC, v.s.cfg.OTPVerifyRate); err != nil {
		return Verification{}, err
	}
	email, ok := normalizeEmail(p.Email)
	if !ok {
		return Verification{}, validation("invalid_email")
	}
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return Verification{}, validation("code_required")
	}

	store := v.s.deps.Store
	key := OTPKey(site.ID, handle.DeviceMAC, email)
	attemptsKey := otpAttemptsKey(key)
	max := int64(v.s.cfg.OTPMaxAttempts)

	attempts, exists, err := store.IncrExisting(ctx, attemptsKey)
	if err != nil {
		return Verification{}, transient("ephemeral_unavailable", err)
	}
	if !exists {
		return Verification{}, proof("challenge_not_found")
	}
	if attempts > max {
		if err := store.Delete(ctx, key); err != nil {
			return Verification{}, transient("ephemeral_unavailable", err)
		}
		return Verification{}, contention("attempts_exceeded")
	}

	expected, err := store.Get(ctx, key)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return Verification{}, proof("challenge_not_found")
	}
	if err != nil {
		return Verification{}, transient("ephemeral_unavailable", err)
	}
	if !crypto.CodeMatches(v.s.cfg.SecretKey, code, expected) {
		if attempts >= max {
			if err := store.Delete(ctx, key); err != nil {
				return Verification{}, transient("ephemeral_unavailable", err)
			}
			return Verification{}, contention("attempts_exceeded")
		}
		v.s.logger.Info("otp code mismatch",
			zap.String("portal_session_id", handle.ID),
			zap.Int64("attempt", attempts),
		)
		return Verification{}, proof("code_invalid")
	}

	// Claim the challenge so a concurrent verify with the same code cannot
	// also reach the controller.
	claimed, err := store.GetDelete(ctx, key)
	if errors.Is(err, ephemeral.ErrNotFound) {
		return Verification{}, proof("challenge_not_found")
	}
	if err != nil {
		return Verification{}, transient("ephemeral_unavailable", err)
	}
	restore := func(ctx context.Context) error {
		_, err := store.SetNX(ctx, key, claimed, v.s.cfg.OTPTTL)
		return err
	}
	if claimed != expected {
		// A new challenge replaced this one between the read and the claim.
		if err := restore(ctx); err != nil {
			return Verification{}, transient("ephemeral_unavailable", err)
		}
		return Verification{}, proof("code_invalid")
	}

	identity, err := v.s.deps.Repo.UpsertGuestByEmail(ctx, site.TenantID, email)
	if err != nil {
		if restoreErr := restore(context.WithoutCancel(ctx)); restoreErr != nil {
			v.s.logger.Error("otp challenge restore failed", zap.String("portal_session_id", handle.ID), zap.Error(restoreErr))
		}
		return Verification{}, transient("database_unavailable", err)
	}
	return Verification{
		Identity: &identity,
		Commit: func(ctx context.Context) error {
			return store.Delete(ctx, attemptsKey)
		},
		Rollback: restore,
	}, nil
}

func normalizeEmail(raw string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || len(raw) > 254 {
		return "", false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", false
	}
	at := strings.LastIndex(raw, "@")
	if at < 1 || !strings.Contains(raw[at+1:], ".") {
		return "", false
	}
	return raw, true
}
