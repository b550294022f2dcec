package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"hotspot/portal/internal/ephemeral"
	"hotspot/portal/internal/model"
)

var (
	ErrSiteDisabled = errors.New("site_disabled")
	ErrNotFound     = errors.New("session_not_found")
	ErrExpired      = errors.New("session_expired")
)

const DefaultTTL = 30 * time.Minute

type Repository interface {
	CreatePortalSession(ctx context.Context, session model.PortalSession) error
	GetPortalSession(ctx context.Context, siteID, sessionID string) (model.PortalSession, error)
	UpdatePortalSessionStatus(ctx context.Context, siteID, sessionID string, status model.SessionStatus, at time.Time) error
}

// Handle is the active-session record kept in the ephemeral store.
type Handle struct {
	ID        string              `json:"portal_session_id"`
	TenantID  string              `json:"tenant_id"`
	SiteID    string              `json:"site_id"`
	DeviceMAC string              `json:"client_mac"`
	APMAC     *string             `json:"ap_mac,omitempty"`
	SSID      *string             `json:"ssid,omitempty"`
	OrigURL   *string             `json:"orig_url,omitempty"`
	Status    model.SessionStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
}

type OpenRequest struct {
	DeviceMAC string
	APMAC     string
	SSID      string
	OrigURL   string
	ClientIP  string
	UserAgent string
}

type Manager struct {
	store  ephemeral.Store
	repo   Repository
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store ephemeral.Store, repo Repository, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, repo: repo, ttl: ttl, logger: logger, now: time.Now}
}

func Key(siteID, mac string) string {
	return fmt.Sprintf("session:%s:%s", siteID, mac)
}

// Open returns the active session for the device, creating one if none
// exists. created reports whether this call created it.
func (m *Manager) Open(ctx context.Context, site model.Site, req OpenRequest) (Handle, bool, error) {
	if !site.Active() {
		return Handle{}, false, ErrSiteDisabled
	}
	mac, err := NormalizeMAC(req.DeviceMAC)
	if err != nil {
		return Handle{}, false, err
	}
	var apMAC *string
	if strings.TrimSpace(req.APMAC) != "" {
		normalized, err := NormalizeMAC(req.APMAC)
		if err != nil {
			return Handle{}, false, err
		}
		apMAC = &normalized
	}

	now := m.now().UTC()
	candidate := Handle{
		ID:        uuid.NewString(),
		TenantID:  site.TenantID,
		SiteID:    site.ID,
		DeviceMAC: mac,
		APMAC:     apMAC,
		SSID:      optional(req.SSID),
		OrigURL:   SanitizeOrigURL(req.OrigURL),
		Status:    model.SessionPending,
		CreatedAt: now,
	}
	payload, err := json.Marshal(candidate)
	if err != nil {
		return Handle{}, false, err
	}
	key := Key(site.ID, mac)

	// A second pass covers the entry expiring between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		won, err := m.store.SetNX(ctx, key, string(payload), m.ttl)
		if err != nil {
			return Handle{}, false, fmt.Errorf("claim session: %w", err)
		}
		if !won {
			existing, err := m.load(ctx, key)
			if errors.Is(err, ephemeral.ErrNotFound) {
				continue
			}
			if err != nil {
				return Handle{}, false, err
			}
			return existing, false, nil
		}

		row := model.PortalSession{
			ID:        candidate.ID,
			TenantID:  candidate.TenantID,
			SiteID:    candidate.SiteID,
			DeviceMAC: candidate.DeviceMAC,
			APMAC:     candidate.APMAC,
			SSID:      candidate.SSID,
			OrigURL:   candidate.OrigURL,
			Status:    model.SessionPending,
			ClientIP:  optional(req.ClientIP),
			UserAgent: optional(truncate(req.UserAgent, 512)),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := m.repo.CreatePortalSession(ctx, row); err != nil {
			if delErr := m.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
				m.logger.Error("release session claim failed", zap.String("site_id", site.ID), zap.String("mac", mac), zap.Error(delErr))
			}
			return Handle{}, false, fmt.Errorf("create portal session: %w", err)
		}
		m.logger.Info("portal session opened",
			zap.String("portal_session_id", candidate.ID),
			zap.String("site_id", site.ID),
			zap.String("mac", mac),
		)
		return candidate, true, nil
	}
	return Handle{}, false, fmt.Errorf("claim session: %w", ephemeral.ErrNotFound)
}

// Resolve loads a session by id and requires it to still be the device's
// active session.
func (m *Manager) Resolve(ctx context.Context, site model.Site, sessionID string) (Handle, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return Handle{}, ErrNotFound
	}
	row, err := m.repo.GetPortalSession(ctx, site.ID, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Handle{}, ErrNotFound
		}
		return Handle{}, err
	}
	if row.Status == model.SessionExpired {
		return Handle{}, ErrExpired
	}
	handle, err := m.load(ctx, Key(site.ID, row.DeviceMAC))
	if errors.Is(err, ephemeral.ErrNotFound) {
		return Handle{}, ErrExpired
	}
	if err != nil {
		return Handle{}, err
	}
	if handle.ID != row.ID {
		return Handle{}, ErrExpired
	}
	return handle, nil
}

// MarkStatus updates both copies of the session. A missing ephemeral entry is
// logged and the durable row is still updated.
func (m *Manager) MarkStatus(ctx context.Context, handle Handle, status model.SessionStatus) (Handle, error) {
	handle.Status = status
	key := Key(handle.SiteID, handle.DeviceMAC)

	current, err := m.load(ctx, key)
	switch {
	case errors.Is(err, ephemeral.ErrNotFound):
		m.logger.Warn("active session gone before status update",
			zap.String("portal_session_id", handle.ID),
			zap.String("status", string(status)),
		)
	case err != nil:
		return handle, err
	case current.ID != handle.ID:
		m.logger.Warn("active session replaced before status update",
			zap.String("portal_session_id", handle.ID),
			zap.String("active_session_id", current.ID),
		)
	default:
		payload, err := json.Marshal(handle)
		if err != nil {
			return handle, err
		}
		if _, err := m.store.Replace(ctx, key, string(payload)); err != nil {
			return handle, fmt.Errorf("update active session: %w", err)
		}
	}

	if err := m.repo.UpdatePortalSessionStatus(ctx, handle.SiteID, handle.ID, status, m.now().UTC()); err != nil {
		return handle, fmt.Errorf("update portal session: %w", err)
	}
	return handle, nil
}

func (m *Manager) load(ctx context.Context, key string) (Handle, error) {
	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return Handle{}, err
	}
	var handle Handle
	if err := json.Unmarshal([]byte(raw), &handle); err != nil || handle.ID == "" {
		m.logger.Warn("corrupt active session entry dropped", zap.String("key", key))
		if delErr := m.store.Delete(ctx, key); delErr != nil {
			return Handle{}, delErr
		}
		return Handle{}, ephemeral.ErrNotFound
	}
	return handle, nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func truncate(value string, max int) string {
	if len(value) > max {
		return value[:max]
	}
	return value
}
