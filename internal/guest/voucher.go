package guest

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hotspot/portal/internal/model"
	"hotspot/portal/internal/session"
)

type voucherVerifier struct {
	s *Service
}

func (v *voucherVerifier) Method() model.AuthMethod { return model.MethodVoucher }

// Verify claims one use of the voucher. The use is handed back through
// Rollback if the controller step fails.
func (v *voucherVerifier) Verify(ctx context.Context, site model.Site, handle session.Handle, p Proof) (Verification, error) {
	if err := v.s.allow(ctx, "voucher", site.ID+":"+handle.DeviceMAC, v.s.cfg.VoucherRate); err != nil {
		return Verification{}, err
	}
	code := strings.ToUpper(strings.TrimSpace(p.Code))
	if code == "" {
		return Verification{}, validation("code_required")
	}

	voucher, err := v.s.deps.Repo.FindVoucher(ctx, site.ID, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Verification{}, proof("voucher_not_found")
		}
		return Verification{}, transient("database_unavailable", err)
	}
	if voucher.Disabled {
		return Verification{}, proof("voucher_disabled")
	}
	now := v.s.now().UTC()
	if voucher.BatchExpiresAt != nil && !voucher.BatchExpiresAt.After(now) {
		return Verification{}, proof("voucher_expired")
	}

	redemption := model.VoucherRedemption{
		ID:              uuid.NewString(),
		TenantID:        site.TenantID,
		SiteID:          site.ID,
		VoucherID:       voucher.ID,
		PortalSessionID: handle.ID,
		DeviceMAC:       handle.DeviceMAC,
		RedeemedAt:      now,
	}
	claimed, err := v.s.deps.Repo.ClaimVoucherUse(ctx, redemption)
	if err != nil {
		return Verification{}, transient("database_unavailable", err)
	}
	if !claimed {
		return Verification{}, contention("voucher_exhausted")
	}
	return Verification{
		Rollback: func(ctx context.Context) error {
			return v.s.deps.Repo.ReleaseVoucherUse(ctx, voucher.ID, redemption.ID)
		},
	}, nil
}

type tosVerifier struct {
	s *Service
}

func (v *tosVerifier) Method() model.AuthMethod { return model.MethodTOSOnly }

func (v *tosVerifier) Verify(ctx context.Context, site model.Site, handle session.Handle, _ Proof) (Verification, error) {
	if !site.EnableTOSOnly {
		return Verification{}, validation("method_disabled")
	}
	if err := v.s.allow(ctx, "voucher", site.ID+":"+handle.DeviceMAC, v.s.cfg.VoucherRate); err != nil {
		return Verification{}, err
	}
	return Verification{}, nil
}
