package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hotspot/portal/internal/db"
	"hotspot/portal/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
	tx   *db.Store
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, tx: db.NewStore(pool)}
}

func (s *Store) GetSiteBySlugs(ctx context.Context, tenantSlug, siteSlug string) (model.Site, error) {
	var site model.Site
	var status string
	row := s.pool.QueryRow(ctx, `
		SELECT s.id, s.tenant_id, t.slug, t.status, s.slug, s.display_name, s.enabled,
		       s.controller_base_url, s.controller_site_id, s.controller_api_key_ref,
		       s.default_time_limit_minutes, s.default_data_limit_mb, s.default_rx_kbps, s.default_tx_kbps,
		       s.logo_url, s.primary_color, s.terms_html, s.support_contact, s.success_url, s.enable_tos_only
		FROM sites s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE t.slug = $1 AND s.slug = $2
	`, tenantSlug, siteSlug)
	err := row.Scan(
		&site.ID,
		&site.TenantID,
		&site.TenantSlug,
		&status,
		&site.Slug,
		&site.DisplayName,
		&site.Enabled,
		&site.ControllerBaseURL,
		&site.ControllerSiteID,
		&site.ControllerAPIKeyRef,
		&site.Policy.TimeLimitMinutes,
		&site.Policy.DataLimitMB,
		&site.Policy.RxKbps,
		&site.Policy.TxKbps,
		&site.Branding.LogoURL,
		&site.Branding.PrimaryColor,
		&site.Branding.TermsHTML,
		&site.Branding.SupportContact,
		&site.SuccessURL,
		&site.EnableTOSOnly,
	)
	site.TenantStatus = model.TenantStatus(status)
	return site, err
}

// GetSiteOIDC returns the site's enabled provider settings, or pgx.ErrNoRows.
func (s *Store) GetSiteOIDC(ctx context.Context, siteID string) (model.SiteOIDCSettings, error) {
	var settings model.SiteOIDCSettings
	var scopes string
	var domains *string
	row := s.pool.QueryRow(ctx, `
		SELECT o.site_id, o.enabled, o.allowed_domains,
		       p.id, p.tenant_id, p.issuer, p.client_id, p.client_secret_ref, p.scopes
		FROM site_oidc_settings o
		JOIN oidc_providers p ON p.id = o.provider_id
		WHERE o.site_id = $1 AND o.enabled = true
		ORDER BY o.id
		LIMIT 1
	`, siteID)
	err := row.Scan(
		&settings.SiteID,
		&settings.Enabled,
		&domains,
		&settings.Provider.ID,
		&settings.Provider.TenantID,
		&settings.Provider.Issuer,
		&settings.Provider.ClientID,
		&settings.Provider.ClientSecretRef,
		&scopes,
	)
	if err != nil {
		return settings, err
	}
	settings.Provider.Scopes = strings.Fields(scopes)
	if domains != nil {
		settings.AllowedDomains = splitDomains(*domains)
	}
	return settings, nil
}

func (s *Store) FindVoucher(ctx context.Context, siteID, code string) (model.Voucher, error) {
	var voucher model.Voucher
	row := s.pool.QueryRow(ctx, `
		SELECT v.id, v.batch_id, v.code, v.uses, v.disabled, b.max_uses_per_code, b.expires_at
		FROM vouchers v
		JOIN voucher_batches b ON b.id = v.batch_id
		WHERE b.site_id = $1 AND v.code = $2
	`, siteID, code)
	err := row.Scan(&voucher.ID, &voucher.BatchID, &voucher.Code, &voucher.Uses, &voucher.Disabled, &voucher.MaxUses, &voucher.BatchExpiresAt)
	return voucher, err
}

// ClaimVoucherUse takes one use and writes the redemption in one transaction.
// It reports false when the voucher is disabled, expired or used up.
func (s *Store) ClaimVoucherUse(ctx context.Context, redemption model.VoucherRedemption) (bool, error) {
	claimed := false
	err := s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE vouchers v
			SET uses = v.uses + 1, updated_at = now()
			FROM voucher_batches b
			WHERE v.id = $1
			  AND b.id = v.batch_id
			  AND v.disabled = false
			  AND v.uses < b.max_uses_per_code
			  AND (b.expires_at IS NULL OR b.expires_at > $2)
		`, redemption.VoucherID, redemption.RedeemedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO voucher_redemptions (id, tenant_id, site_id, voucher_id, portal_session_id, client_mac, redeemed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, redemption.ID, redemption.TenantID, redemption.SiteID, redemption.VoucherID, redemption.PortalSessionID, redemption.DeviceMAC, redemption.RedeemedAt)
		if err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *Store) ReleaseVoucherUse(ctx context.Context, voucherID, redemptionID string) error {
	return s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM voucher_redemptions WHERE id = $1 AND voucher_id = $2`, redemptionID, voucherID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE vouchers
			SET uses = uses - 1, updated_at = now()
			WHERE id = $1 AND uses > 0
		`, voucherID)
		return err
	})
}

func (s *Store) CountRedemptions(ctx context.Context, voucherID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM voucher_redemptions WHERE voucher_id = $1`, voucherID).Scan(&count)
	return count, err
}

const identityColumns = `id, tenant_id, email, oidc_issuer, oidc_sub, display_name, created_at, updated_at`

func scanIdentity(row pgx.Row) (model.GuestIdentity, error) {
	var identity model.GuestIdentity
	err := row.Scan(
		&identity.ID,
		&identity.TenantID,
		&identity.Email,
		&identity.OIDCIssuer,
		&identity.OIDCSubject,
		&identity.DisplayName,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	return identity, err
}

func (s *Store) UpsertGuestByEmail(ctx context.Context, tenantID, email string) (model.GuestIdentity, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO guest_identities (id, tenant_id, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, email) DO UPDATE SET updated_at = now()
		RETURNING `+identityColumns, uuid.NewString(), tenantID, email)
	return scanIdentity(row)
}

// UpsertGuestBySubject finds the identity by issuer and subject, then by
// email, and creates it when neither matches. The email is only moved onto
// the identity when no other identity of the tenant holds it.
func (s *Store) UpsertGuestBySubject(ctx context.Context, tenantID, issuer, subject string, email, displayName *string) (model.GuestIdentity, error) {
	identity, err := s.upsertGuestBySubject(ctx, tenantID, issuer, subject, email, displayName)
	if isUniqueViolation(err) {
		// A concurrent login for the same subject won the insert.
		identity, err = s.upsertGuestBySubject(ctx, tenantID, issuer, subject, email, displayName)
	}
	return identity, err
}

func (s *Store) upsertGuestBySubject(ctx context.Context, tenantID, issuer, subject string, email, displayName *string) (model.GuestIdentity, error) {
	var identity model.GuestIdentity
	err := s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		existing, err := scanIdentity(tx.QueryRow(ctx, `
			SELECT `+identityColumns+`
			FROM guest_identities
			WHERE tenant_id = $1 AND oidc_issuer = $2 AND oidc_sub = $3
			FOR UPDATE
		`, tenantID, issuer, subject))
		switch {
		case err == nil:
			identity, err = scanIdentity(tx.QueryRow(ctx, `
				UPDATE guest_identities
				SET display_name = COALESCE($2, display_name),
				    email = CASE
				        WHEN $3::text IS NULL THEN email
				        WHEN EXISTS (SELECT 1 FROM guest_identities g WHERE g.tenant_id = guest_identities.tenant_id AND g.email = $3 AND g.id <> guest_identities.id) THEN email
				        ELSE $3
				    END,
				    updated_at = now()
				WHERE id = $1
				RETURNING `+identityColumns, existing.ID, displayName, email))
			return err
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		if email != nil {
			identity, err = scanIdentity(tx.QueryRow(ctx, `
				UPDATE guest_identities
				SET oidc_issuer = $3, oidc_sub = $4, display_name = COALESCE($5, display_name), updated_at = now()
				WHERE tenant_id = $1 AND email = $2 AND oidc_sub IS NULL
				RETURNING `+identityColumns, tenantID, *email, issuer, subject, displayName))
			if err == nil {
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		if email != nil {
			var taken bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM guest_identities WHERE tenant_id = $1 AND email = $2)`, tenantID, *email).Scan(&taken); err != nil {
				return err
			}
			if taken {
				email = nil
			}
		}
		identity, err = scanIdentity(tx.QueryRow(ctx, `
			INSERT INTO guest_identities (id, tenant_id, email, oidc_issuer, oidc_sub, display_name)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+identityColumns, uuid.NewString(), tenantID, email, issuer, subject, displayName))
		return err
	})
	return identity, err
}

func (s *Store) CreatePortalSession(ctx context.Context, session model.PortalSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO portal_sessions (id, tenant_id, site_id, client_mac, ap_mac, ssid, orig_url, ip, user_agent, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, session.ID, session.TenantID, session.SiteID, session.DeviceMAC, session.APMAC, session.SSID, session.OrigURL,
		session.ClientIP, session.UserAgent, string(session.Status), session.CreatedAt, session.UpdatedAt)
	return err
}

func (s *Store) GetPortalSession(ctx context.Context, siteID, sessionID string) (model.PortalSession, error) {
	var session model.PortalSession
	var status string
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, site_id, client_mac, ap_mac, ssid, orig_url, ip, user_agent, status, created_at, updated_at
		FROM portal_sessions
		WHERE site_id = $1 AND id = $2
	`, siteID, sessionID)
	err := row.Scan(
		&session.ID,
		&session.TenantID,
		&session.SiteID,
		&session.DeviceMAC,
		&session.APMAC,
		&session.SSID,
		&session.OrigURL,
		&session.ClientIP,
		&session.UserAgent,
		&status,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	session.Status = model.SessionStatus(status)
	return session, err
}

func (s *Store) UpdatePortalSessionStatus(ctx context.Context, siteID, sessionID string, status model.SessionStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE portal_sessions
		SET status = $1, updated_at = $2
		WHERE site_id = $3 AND id = $4
	`, string(status), at, siteID, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ExpireStaleSessions marks sessions that never reached authorized and were
// created before cutoff as expired.
func (s *Store) ExpireStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE portal_sessions
		SET status = 'expired', updated_at = now()
		WHERE status IN ('pending', 'failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertAuthEvent(ctx context.Context, event model.AuthEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_events (id, tenant_id, site_id, portal_session_id, guest_identity_id, method, result, reason, controller_client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.TenantID, event.SiteID, event.PortalSessionID, event.GuestIdentityID,
		string(event.Method), string(event.Result), event.Reason, event.ControllerClientID, event.CreatedAt)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func splitDomains(raw string) []string {
	var domains []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			domains = append(domains, part)
		}
	}
	return domains
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
