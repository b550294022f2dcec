// Package oidc is a minimal authorization-code relying party: discovery,
// PKCE authorization URLs, code exchange and ID token validation.
package oidc

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"hotspot/portal/internal/crypto"
)

var (
	ErrDiscovery     = errors.New("oidc_discovery_failed")
	ErrTokenExchange = errors.New("oidc_token_failed")
	ErrJWKS          = errors.New("oidc_jwks_failed")
	ErrInvalidToken  = errors.New("oidc_id_token_invalid")
	ErrNonceMismatch = errors.New("nonce_mismatch")
)

const cacheTTL = time.Hour

type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

type Claims struct {
	Email             string `json:"email,omitempty"`
	EmailVerified     *bool  `json:"email_verified,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName prefers the full name over the username.
func (c Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.PreferredUsername
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
}

type cachedMetadata struct {
	meta    Metadata
	fetched time.Time
}

type cachedKeys struct {
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	metadata map[string]cachedMetadata
	keys     map[string]cachedKeys
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:     resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		logger:   logger,
		now:      time.Now,
		metadata: map[string]cachedMetadata{},
		keys:     map[string]cachedKeys{},
	}
}

func (c *Client) Discover(ctx context.Context, issuer string) (Metadata, error) {
	issuer = strings.TrimRight(issuer, "/")
	c.mu.Lock()
	cached, ok := c.metadata[issuer]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetched) < cacheTTL {
		return cached.meta, nil
	}

	var meta Metadata
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&meta).
		Get(issuer + "/.well-known/openid-configuration")
	if err != nil {
		c.logger.Error("oidc discovery failed", zap.String("issuer", issuer), zap.Error(err))
		return Metadata{}, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if resp.IsError() {
		c.logger.Error("oidc discovery failed", zap.String("issuer", issuer), zap.Int("status_code", resp.StatusCode()))
		return Metadata{}, fmt.Errorf("%w: status %d", ErrDiscovery, resp.StatusCode())
	}
	if meta.Issuer == "" || meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" || meta.JWKSURI == "" {
		return Metadata{}, fmt.Errorf("%w: configuration missing fields", ErrDiscovery)
	}
	if strings.TrimRight(meta.Issuer, "/") != issuer {
		c.logger.Error("oidc discovery issuer mismatch", zap.String("issuer", issuer), zap.String("reported_issuer", meta.Issuer))
		return Metadata{}, fmt.Errorf("%w: issuer mismatch", ErrDiscovery)
	}

	c.mu.Lock()
	c.metadata[issuer] = cachedMetadata{meta: meta, fetched: c.now()}
	c.mu.Unlock()
	return meta, nil
}

type AuthRequest struct {
	ClientID     string
	RedirectURI  string
	Scopes       []string
	State        string
	Nonce        string
	CodeVerifier string
}

func AuthCodeURL(meta Metadata, req AuthRequest) (string, error) {
	endpoint, err := url.Parse(meta.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("%w: authorization endpoint: %v", ErrDiscovery, err)
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	query := endpoint.Query()
	query.Set("response_type", "code")
	query.Set("client_id", req.ClientID)
	query.Set("redirect_uri", req.RedirectURI)
	query.Set("scope", strings.Join(scopes, " "))
	query.Set("state", req.State)
	query.Set("nonce", req.Nonce)
	query.Set("code_challenge", crypto.PKCEChallenge(req.CodeVerifier))
	query.Set("code_challenge_method", "S256")
	endpoint.RawQuery = query.Encode()
	return endpoint.String(), nil
}

type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Code         string
	CodeVerifier string
}

// Exchange redeems an authorization code and returns the raw ID token.
func (c *Client) Exchange(ctx context.Context, meta Metadata, req ExchangeRequest) (string, error) {
	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(url.QueryEscape(req.ClientID), url.QueryEscape(req.ClientSecret)).
		SetFormData(map[string]string{
			"grant_type":    "authorization_code",
			"code":          req.Code,
			"redirect_uri":  req.RedirectURI,
			"client_id":     req.ClientID,
			"code_verifier": req.CodeVerifier,
		}).
		SetResult(&out).
		Post(meta.TokenEndpoint)
	if err != nil {
		c.logger.Error("oidc token exchange failed", zap.String("issuer", meta.Issuer), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if resp.IsError() {
		c.logger.Warn("oidc token exchange rejected", zap.String("issuer", meta.Issuer), zap.Int("status_code", resp.StatusCode()))
		return "", fmt.Errorf("%w: status %d", ErrTokenExchange, resp.StatusCode())
	}
	if out.IDToken == "" {
		return "", fmt.Errorf("%w: id_token missing", ErrTokenExchange)
	}
	return out.IDToken, nil
}

// VerifyIDToken checks signature, issuer, audience, expiry and nonce.
func (c *Client) VerifyIDToken(ctx context.Context, meta Metadata, clientID, rawToken, nonce string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		return c.signingKey(ctx, meta.JWKSURI, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(meta.Issuer),
		jwt.WithAudience(clientID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Minute),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, ErrJWKS) {
			return Claims{}, err
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Nonce == "" || claims.Nonce != nonce {
		return Claims{}, ErrNonceMismatch
	}
	return claims, nil
}

func (c *Client) signingKey(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	cached, ok := c.keys[jwksURI]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.fetched) < cacheTTL {
		if key := pickKey(cached.keys, kid); key != nil {
			return key, nil
		}
	}

	// Unknown kid usually means the provider rotated keys.
	var set JWKSet
	resp, err := c.http.R().SetContext(ctx).SetResult(&set).Get(jwksURI)
	if err != nil {
		c.logger.Error("oidc jwks fetch failed", zap.String("jwks_uri", jwksURI), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrJWKS, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrJWKS, resp.StatusCode())
	}
	keys := set.RSAKeys()
	c.mu.Lock()
	c.keys[jwksURI] = cachedKeys{keys: keys, fetched: c.now()}
	c.mu.Unlock()

	if key := pickKey(keys, kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("signing key %q not found", kid)
}

func pickKey(keys map[string]*rsa.PublicKey, kid string) *rsa.PublicKey {
	if key, ok := keys[kid]; ok {
		return key
	}
	if kid == "" && len(keys) == 1 {
		for _, key := range keys {
			return key
		}
	}
	return nil
}
