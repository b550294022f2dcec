// Package controller talks to the wireless controller's client API: it finds
// a guest device by MAC, authorizes it under a policy and optionally checks
// that the authorization took effect.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hotspot/portal/internal/metrics"
	"hotspot/portal/internal/model"
	"hotspot/portal/internal/retry"
)

var (
	ErrDeviceNotFound        = errors.New("device_not_found")
	ErrAuthorizationRejected = errors.New("authorization_rejected")
	ErrControllerUnavailable = errors.New("controller_unavailable")
)

// errNotVisible means the lookup succeeded but the device has not been
// reported to the controller yet.
var errNotVisible = errors.New("device not visible yet")

type transientError struct {
	op  string
	err error
}

func (e *transientError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *transientError) Unwrap() error {
	return e.err
}

const authorizeGuestAction = "AUTHORIZE_GUEST_ACCESS"

type Target struct {
	BaseURL string
	SiteID  string
	APIKey  string
}

type Result struct {
	ClientID string
	Verified bool
}

type Options struct {
	Timeout       time.Duration
	Lookup        retry.Policy
	Action        retry.Policy
	Budget        time.Duration
	RatePerSecond float64
	Burst         int
	SkipVerify    bool
}

func DefaultOptions() Options {
	return Options{
		Timeout:       10 * time.Second,
		Lookup:        retry.Policy{InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second, Jitter: 0.2, MaxAttempts: 5},
		Action:        retry.Policy{InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second, Jitter: 0.2, MaxAttempts: 3},
		Budget:        30 * time.Second,
		RatePerSecond: 20,
		Burst:         40,
	}
}

type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewClient(opts Options, logger *zap.Logger, m *metrics.Metrics) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	opts.Lookup.Retryable = func(err error) bool {
		return errors.Is(err, errNotVisible) || isTransient(err)
	}
	opts.Action.Retryable = isTransient

	httpClient := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
		logger:  logger,
		metrics: m,
	}
}

// Authorize grants guest access to the device with the given MAC. It returns
// ErrDeviceNotFound, ErrAuthorizationRejected or ErrControllerUnavailable
// (wrapped) on failure and never issues the authorize action after ctx is done.
func (c *Client) Authorize(ctx context.Context, target Target, mac string, policy model.Policy) (Result, error) {
	if c.opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Budget)
		defer cancel()
	}
	base := strings.TrimRight(target.BaseURL, "/")
	logger := c.logger.With(zap.String("controller_site", target.SiteID), zap.String("mac", mac))

	clientID, err := retry.Do(ctx, c.opts.Lookup, func(ctx context.Context, attempt int) (string, error) {
		return c.lookup(ctx, base, target, mac)
	}, func(err error, wait time.Duration) {
		logger.Debug("controller lookup retry", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return Result{}, classify("lookup", err)
	}

	_, err = retry.Do(ctx, c.opts.Action, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, c.authorize(ctx, base, target, clientID, policy)
	}, func(err error, wait time.Duration) {
		logger.Warn("controller authorize retry", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return Result{}, classify("authorize", err)
	}

	result := Result{ClientID: clientID}
	if c.opts.SkipVerify {
		return result, nil
	}
	verified, err := c.verify(ctx, base, target, clientID)
	if err != nil {
		logger.Warn("controller verification failed", zap.String("client_id", clientID), zap.Error(err))
		return result, nil
	}
	if !verified {
		logger.Warn("controller does not report client as authorized yet", zap.String("client_id", clientID))
	}
	result.Verified = verified
	return result, nil
}

type clientsResponse struct {
	Data []clientEntry `json:"data"`
}

type clientEntry struct {
	ID         string        `json:"id"`
	MACAddress string        `json:"macAddress"`
	Authorized *bool         `json:"authorized,omitempty"`
	Access     *clientAccess `json:"access,omitempty"`
}

type clientAccess struct {
	Type       string `json:"type"`
	Authorized *bool  `json:"authorized,omitempty"`
}

type authorizeRequest struct {
	Action               string `json:"action"`
	TimeLimitMinutes     int    `json:"timeLimitMinutes"`
	DataUsageLimitMBytes *int   `json:"dataUsageLimitMBytes,omitempty"`
	RxRateLimitKbps      *int   `json:"rxRateLimitKbps,omitempty"`
	TxRateLimitKbps      *int   `json:"txRateLimitKbps,omitempty"`
}

func (c *Client) lookup(ctx context.Context, base string, target Target, mac string) (string, error) {
	var out clientsResponse
	resp, err := c.do(ctx, "lookup", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("X-API-KEY", target.APIKey).
			SetQueryParam("filter", fmt.Sprintf("macAddress.eq('%s')", mac)).
			SetResult(&out).
			Get(clientsURL(base, target.SiteID))
	})
	if err != nil {
		return "", err
	}
	if err := statusError("lookup", resp); err != nil {
		return "", err
	}
	// A filtered response may omit macAddress; a foreign MAC is never accepted.
	for _, entry := range out.Data {
		if entry.ID == "" {
			continue
		}
		if entry.MACAddress == "" || strings.EqualFold(entry.MACAddress, mac) {
			return entry.ID, nil
		}
	}
	return "", errNotVisible
}

func (c *Client) authorize(ctx context.Context, base string, target Target, clientID string, policy model.Policy) error {
	body := authorizeRequest{
		Action:               authorizeGuestAction,
		TimeLimitMinutes:     policy.TimeLimitMinutes,
		DataUsageLimitMBytes: policy.DataLimitMB,
		RxRateLimitKbps:      policy.RxKbps,
		TxRateLimitKbps:      policy.TxKbps,
	}
	resp, err := c.do(ctx, "authorize", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("X-API-KEY", target.APIKey).
			SetBody(body).
			Post(clientsURL(base, target.SiteID) + "/" + url.PathEscape(clientID) + "/actions")
	})
	if err != nil {
		return err
	}
	return statusError("authorize", resp)
}

func (c *Client) verify(ctx context.Context, base string, target Target, clientID string) (bool, error) {
	var out clientEntry
	resp, err := c.do(ctx, "verify", func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("X-API-KEY", target.APIKey).
			SetResult(&out).
			Get(clientsURL(base, target.SiteID) + "/" + url.PathEscape(clientID))
	})
	if err != nil {
		return false, err
	}
	if err := statusError("verify", resp); err != nil {
		return false, err
	}
	if out.Authorized != nil {
		return *out.Authorized, nil
	}
	if out.Access != nil && out.Access.Authorized != nil {
		return *out.Access.Authorized, nil
	}
	return false, nil
}

// do throttles and times a single call. Network failures come back as
// transient errors.
func (c *Client) do(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &transientError{op: op, err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := send(c.http.R().SetContext(callCtx))
	elapsed := time.Since(started)
	if err != nil {
		c.metrics.ControllerRequest(op, "transient", elapsed)
		return nil, &transientError{op: op, err: err}
	}
	c.metrics.ControllerRequest(op, outcome(resp.StatusCode()), elapsed)
	return resp, nil
}

func statusError(op string, resp *resty.Response) error {
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return &transientError{op: op, err: fmt.Errorf("status %d", status)}
	default:
		return fmt.Errorf("%w: %s status %d", ErrAuthorizationRejected, op, status)
	}
}

func outcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusTooManyRequests || status >= 500:
		return "transient"
	default:
		return "rejected"
	}
}

func isTransient(err error) bool {
	var transient *transientError
	return errors.As(err, &transient)
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrAuthorizationRejected):
		return err
	case errors.Is(err, errNotVisible):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, op)
	default:
		return fmt.Errorf("%w: %s: %w", ErrControllerUnavailable, op, err)
	}
}

// Code maps an Authorize error to the reason code recorded for the attempt.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, ErrAuthorizationRejected):
		return "authorization_rejected"
	default:
		return "controller_unavailable"
	}
}

func clientsURL(base, siteID string) string {
	return base + "/v1/sites/" + url.PathEscape(siteID) + "/clients"
}
