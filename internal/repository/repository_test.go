package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hotspot/portal/internal/db"
	"hotspot/portal/internal/model"
)

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("PORTAL_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("PORTAL_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	if err := db.ApplySchema(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}
	return pool
}

type fixture struct {
	tenantID string
	siteID   string
	batchID  string
	slug     string
}

func seed(t *testing.T, pool *pgxpool.Pool, maxUses int) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{tenantID: uuid.NewString(), siteID: uuid.NewString(), batchID: uuid.NewString(), slug: "t-" + uuid.NewString()[:8]}
	statements := []struct {
		sql  string
		args []interface{}
	}{
		{`INSERT INTO tenants (id, slug, name) VALUES ($1, $2, 'Acme')`, []interface{}{f.tenantID, f.slug}},
		{`INSERT INTO sites (id, tenant_id, slug, display_name, controller_base_url, controller_site_id, controller_api_key_ref, default_time_limit_minutes)
		  VALUES ($1, $2, 'lab', 'Lab', 'https://controller.example.com', 'default', 'env:UNIFI_KEY', 60)`, []interface{}{f.siteID, f.tenantID}},
		{`INSERT INTO voucher_batches (id, tenant_id, site_id, name, max_uses_per_code) VALUES ($1, $2, $3, 'batch', $4)`, []interface{}{f.batchID, f.tenantID, f.siteID, maxUses}},
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt.sql, stmt.args...); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM tenants WHERE id = $1`, f.tenantID)
	})
	return f
}

func (f fixture) addVoucher(t *testing.T, pool *pgxpool.Pool) (string, string) {
	t.Helper()
	id := uuid.NewString()
	code := "V" + uuid.NewString()[:8]
	if _, err := pool.Exec(context.Background(), `INSERT INTO vouchers (id, batch_id, code) VALUES ($1, $2, upper($3))`, id, f.batchID, code); err != nil {
		t.Fatalf("insert voucher: %v", err)
	}
	return id, code
}

func (f fixture) openSession(t *testing.T, store *Store, mac string) string {
	t.Helper()
	now := time.Now().UTC()
	id := uuid.NewString()
	err := store.CreatePortalSession(context.Background(), model.PortalSession{
		ID: id, TenantID: f.tenantID, SiteID: f.siteID, DeviceMAC: mac,
		Status: model.SessionPending, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return id
}

func TestConcurrentVoucherClaimsRespectMaxUses(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	const maxUses, redeemers = 3, 10
	f := seed(t, pool, maxUses)
	store := NewStore(pool)
	voucherID, _ := f.addVoucher(t, pool)

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < redeemers; i++ {
		sessionID := f.openSession(t, store, "AA:BB:CC:00:00:0"+string(rune('0'+i)))
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			ok, err := store.ClaimVoucherUse(context.Background(), model.VoucherRedemption{
				ID: uuid.NewString(), TenantID: f.tenantID, SiteID: f.siteID, VoucherID: voucherID,
				PortalSessionID: sessionID, DeviceMAC: "AA:BB:CC:00:00:00", RedeemedAt: time.Now().UTC(),
			})
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(sessionID)
	}
	wg.Wait()

	if successes != maxUses {
		t.Fatalf("expected %d successful claims, got %d", maxUses, successes)
	}
	count, err := store.CountRedemptions(context.Background(), voucherID)
	if err != nil {
		t.Fatalf("count redemptions: %v", err)
	}
	if count != maxUses {
		t.Fatalf("expected %d redemption rows, got %d", maxUses, count)
	}
}

func TestReleaseVoucherUse(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	f := seed(t, pool, 1)
	store := NewStore(pool)
	ctx := context.Background()
	voucherID, code := f.addVoucher(t, pool)
	sessionID := f.openSession(t, store, "AA:BB:CC:11:22:33")
	redemption := model.VoucherRedemption{
		ID: uuid.NewString(), TenantID: f.tenantID, SiteID: f.siteID, VoucherID: voucherID,
		PortalSessionID: sessionID, DeviceMAC: "AA:BB:CC:11:22:33", RedeemedAt: time.Now().UTC(),
	}

	ok, err := store.ClaimVoucherUse(ctx, redemption)
	if err != nil || !ok {
		t.Fatalf("expected claim, got ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseVoucherUse(ctx, voucherID, redemption.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	// A second release is a no-op.
	if err := store.ReleaseVoucherUse(ctx, voucherID, redemption.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	voucher, err := store.FindVoucher(ctx, f.siteID, code)
	if err != nil {
		t.Fatalf("find voucher: %v", err)
	}
	if voucher.Uses != 0 || voucher.MaxUses != 1 {
		t.Fatalf("expected uses=0 max=1, got uses=%d max=%d", voucher.Uses, voucher.MaxUses)
	}

	if _, err := store.FindVoucher(ctx, f.siteID, "MISSING"); err != pgx.ErrNoRows {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestGuestIdentityUpserts(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	f := seed(t, pool, 1)
	store := NewStore(pool)
	ctx := context.Background()

	first, err := store.UpsertGuestByEmail(ctx, f.tenantID, "guest@example.com")
	if err != nil {
		t.Fatalf("upsert by email: %v", err)
	}
	again, err := store.UpsertGuestByEmail(ctx, f.tenantID, "guest@example.com")
	if err != nil || again.ID != first.ID {
		t.Fatalf("expected same identity, got %v err=%v", again.ID, err)
	}

	email := "guest@example.com"
	name := "Guest"
	linked, err := store.UpsertGuestBySubject(ctx, f.tenantID, "https://idp.example.com", "sub-1", &email, &name)
	if err != nil {
		t.Fatalf("upsert by subject: %v", err)
	}
	if linked.ID != first.ID {
		t.Fatalf("expected subject to link to email identity")
	}
	if linked.DisplayName == nil || *linked.DisplayName != name {
		t.Fatalf("expected display name to be set")
	}

	other, err := store.UpsertGuestBySubject(ctx, f.tenantID, "https://idp.example.com", "sub-2", &email, nil)
	if err != nil {
		t.Fatalf("upsert second subject: %v", err)
	}
	if other.ID == first.ID || other.Email != nil {
		t.Fatalf("expected a separate identity without the taken email")
	}
}

func TestPortalSessionLifecycle(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	f := seed(t, pool, 1)
	store := NewStore(pool)
	ctx := context.Background()
	sessionID := f.openSession(t, store, "AA:BB:CC:11:22:33")

	got, err := store.GetPortalSession(ctx, f.siteID, sessionID)
	if err != nil || got.Status != model.SessionPending {
		t.Fatalf("expected pending session, got %v err=%v", got.Status, err)
	}
	if _, err := store.GetPortalSession(ctx, uuid.NewString(), sessionID); err != pgx.ErrNoRows {
		t.Fatalf("expected ErrNoRows for another site, got %v", err)
	}
	if err := store.UpdatePortalSessionStatus(ctx, f.siteID, sessionID, model.SessionAuthorized, time.Now().UTC()); err != nil {
		t.Fatalf("update status: %v", err)
	}

	reason := "voucher_not_found"
	if err := store.InsertAuthEvent(ctx, model.AuthEvent{
		ID: uuid.NewString(), TenantID: f.tenantID, SiteID: f.siteID, PortalSessionID: sessionID,
		Method: model.MethodVoucher, Result: model.ResultFail, Reason: &reason, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("insert auth event: %v", err)
	}

	stale := f.openSession(t, store, "AA:BB:CC:44:55:66")
	n, err := store.ExpireStaleSessions(ctx, time.Now().Add(time.Minute))
	if err != nil || n < 1 {
		t.Fatalf("expected stale sessions to expire, got n=%d err=%v", n, err)
	}
	expired, _ := store.GetPortalSession(ctx, f.siteID, stale)
	if expired.Status != model.SessionExpired {
		t.Fatalf("expected expired, got %s", expired.Status)
	}
	authorized, _ := store.GetPortalSession(ctx, f.siteID, sessionID)
	if authorized.Status != model.SessionAuthorized {
		t.Fatalf("authorized session must not expire, got %s", authorized.Status)
	}
}
