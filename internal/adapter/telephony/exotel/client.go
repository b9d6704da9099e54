// Package exotel implements the TelephonyClient contract against the Exotel
// voice API. Transient upstream failures are retried with exponential
// backoff; permanent rejections surface as typed domain errors.
package exotel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// Config carries the vendor credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	APIToken  string
	Subdomain string
	Timeout   time.Duration
}

// Client talks to the Exotel REST API.
type Client struct {
	http *http.Client
	cfg  Config
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
	}
}

// Initiate places a call and returns the vendor call sid.
func (c *Client) Initiate(ctx context.Context, req domain.InitiateRequest) (string, error) {
	form := url.Values{}
	form.Set("From", req.FromPhone)
	form.Set("To", req.ToPhone)
	form.Set("CallerId", req.FromPhone)
	form.Set("StatusCallback", req.StatusURL)
	form.Set("CustomField", req.CallLogID)

	var sid string
	op := func() error {
		body, status, err := c.do(ctx, http.MethodPost, "/Calls/connect.json", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("%w: vendor rate limited", domain.ErrCapacityExceeded))
		case status >= 500:
			return fmt.Errorf("%w: vendor status %d", domain.ErrUpstreamUnavailable, status)
		case status >= 400:
			return backoff.Permanent(fmt.Errorf("%w: vendor status %d: %s", domain.ErrInvalidArgument, status, truncate(body)))
		}
		var out struct {
			Call struct {
				Sid string `json:"Sid"`
			} `json:"Call"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("op=exotel.initiate.decode: %w", err))
		}
		sid = out.Call.Sid
		return nil
	}
	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		return "", err
	}
	return sid, nil
}

// Cancel asks the vendor to terminate an in-flight call.
func (c *Client) Cancel(ctx context.Context, vendorCallSID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	_, status, err := c.do(ctx, http.MethodPost, "/Calls/"+vendorCallSID+".json", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: call %s", domain.ErrNotFound, vendorCallSID)
	}
	if status >= 400 {
		return fmt.Errorf("%w: vendor status %d", domain.ErrUpstreamUnavailable, status)
	}
	return nil
}

// FetchStatus reads the vendor's view of a call (stuck-call monitor path).
func (c *Client) FetchStatus(ctx context.Context, vendorCallSID string) (domain.VendorStatus, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/Calls/"+vendorCallSID+".json", nil, "")
	if err != nil {
		return domain.VendorStatus{}, err
	}
	if status == http.StatusNotFound {
		return domain.VendorStatus{}, fmt.Errorf("%w: call %s", domain.ErrNotFound, vendorCallSID)
	}
	if status >= 400 {
		return domain.VendorStatus{}, fmt.Errorf("%w: vendor status %d", domain.ErrUpstreamUnavailable, status)
	}
	var out struct {
		Call struct {
			Status       string `json:"Status"`
			Duration     string `json:"Duration"`
			RecordingURL string `json:"RecordingUrl"`
		} `json:"Call"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.VendorStatus{}, fmt.Errorf("op=exotel.fetch_status.decode: %w", err)
	}
	duration, _ := strconv.Atoi(out.Call.Duration)
	return domain.VendorStatus{
		Status:       MapStatus(out.Call.Status),
		DurationSec:  duration,
		RecordingURL: out.Call.RecordingURL,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, int, error) {
	u := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, 0, fmt.Errorf("op=exotel.request: %w", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.APIToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	return b, resp.StatusCode, nil
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = c.cfg.Timeout
	return backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)
}

// MapStatus folds vendor status strings onto the call status enum.
func MapStatus(vendor string) domain.CallStatus {
	switch strings.ToLower(vendor) {
	case "queued", "initiated":
		return domain.CallInitiated
	case "ringing":
		return domain.CallRinging
	case "in-progress", "answered":
		return domain.CallInProgress
	case "completed":
		return domain.CallCompleted
	case "busy":
		return domain.CallBusy
	case "no-answer":
		return domain.CallNoAnswer
	case "canceled", "cancelled":
		return domain.CallCanceled
	default:
		return domain.CallFailed
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
