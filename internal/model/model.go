package model

import "time"

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

type Tenant struct {
	ID     string
	Slug   string
	Name   string
	Status TenantStatus
}

type Policy struct {
	TimeLimitMinutes int
	DataLimitMB      *int
	RxKbps           *int
	TxKbps           *int
}

type Branding struct {
	LogoURL        *string
	PrimaryColor   *string
	TermsHTML      *string
	SupportContact *string
}

type Site struct {
	ID                  string
	TenantID            string
	TenantSlug          string
	TenantStatus        TenantStatus
	Slug                string
	DisplayName         string
	Enabled             bool
	ControllerBaseURL   string
	ControllerSiteID    string
	ControllerAPIKeyRef string
	Policy              Policy
	Branding            Branding
	SuccessURL          *string
	EnableTOSOnly       bool
}

// Active reports whether guests may start sessions on the site.
func (s Site) Active() bool {
	return s.Enabled && s.TenantStatus != TenantSuspended
}

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionAuthorized SessionStatus = "authorized"
	SessionExpired    SessionStatus = "expired"
	SessionFailed     SessionStatus = "failed"
)

type PortalSession struct {
	ID        string
	TenantID  string
	SiteID    string
	DeviceMAC string
	APMAC     *string
	SSID      *string
	OrigURL   *string
	Status    SessionStatus
	ClientIP  *string
	UserAgent *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type GuestIdentity struct {
	ID          string
	TenantID    string
	Email       *string
	OIDCIssuer  *string
	OIDCSubject *string
	DisplayName *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type AuthMethod string

const (
	MethodVoucher  AuthMethod = "voucher"
	MethodEmailOTP AuthMethod = "email_otp"
	MethodOIDC     AuthMethod = "oidc"
	MethodTOSOnly  AuthMethod = "tos_only"
)

type AuthResult string

const (
	ResultSuccess AuthResult = "success"
	ResultFail    AuthResult = "fail"
)

type AuthEvent struct {
	ID                 string
	TenantID           string
	SiteID             string
	PortalSessionID    string
	Method             AuthMethod
	Result             AuthResult
	Reason             *string
	GuestIdentityID    *string
	ControllerClientID *string
	CreatedAt          time.Time
}

type VoucherBatch struct {
	ID             string
	TenantID       string
	SiteID         string
	Name           string
	ExpiresAt      *time.Time
	MaxUsesPerCode int
}

// Voucher carries its batch limits so redemption checks need one lookup.
type Voucher struct {
	ID             string
	BatchID        string
	Code           string
	Uses           int
	Disabled       bool
	MaxUses        int
	BatchExpiresAt *time.Time
}

type VoucherRedemption struct {
	ID              string
	TenantID        string
	SiteID          string
	VoucherID       string
	PortalSessionID string
	DeviceMAC       string
	RedeemedAt      time.Time
}

type OIDCProvider struct {
	ID              string
	TenantID        string
	Issuer          string
	ClientID        string
	ClientSecretRef string
	Scopes          []string
}

type SiteOIDCSettings struct {
	SiteID         string
	Provider       OIDCProvider
	Enabled        bool
	AllowedDomains []string
}
