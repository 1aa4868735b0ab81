// Package gateway exchanges access grants for short-lived S3-compatible
// gateway credentials.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ExchangeError reports a failed credential exchange. The exchange is a
// single request/response; callers redrive the whole flow to retry.
type ExchangeError struct {
	StatusCode int
	Err        error
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway credential exchange failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway credential exchange failed: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Credentials are the short-lived S3-compatible credentials returned by
// the gateway auth service.
type Credentials struct {
	AccessKeyID string `json:"accessKeyId"`
	SecretKey   string `json:"secretKey"`
	Endpoint    string `json:"endpoint"`
}

// Client talks to the gateway auth service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the auth service at the given URL.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		baseURL: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type exchangeRequest struct {
	AccessGrant string `json:"access_grant"`
	Public      bool   `json:"public"`
}

type exchangeResponse struct {
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"`
}

// Exchange registers an access grant and returns gateway credentials.
// The public flag controls whether the resulting credentials may be used
// without the secret key (link-sharing style access).
func (c *Client) Exchange(ctx context.Context, accessGrant string, public bool) (*Credentials, error) {
	if accessGrant == "" {
		return nil, &ExchangeError{Err: fmt.Errorf("access grant must not be empty")}
	}

	jsonData, err := json.Marshal(exchangeRequest{AccessGrant: accessGrant, Public: public})
	if err != nil {
		return nil, &ExchangeError{Err: fmt.Errorf("failed to marshal exchange request: %w", err)}
	}

	url := fmt.Sprintf("%s/v1/access", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &ExchangeError{Err: fmt.Errorf("failed to create exchange request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExchangeError{Err: fmt.Errorf("failed to send exchange request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ExchangeError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("auth service rejected the access grant"),
		}
	}

	var exchanged exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&exchanged); err != nil {
		return nil, &ExchangeError{Err: fmt.Errorf("failed to decode exchange response: %w", err)}
	}

	if exchanged.AccessKeyID == "" || exchanged.SecretKey == "" {
		return nil, &ExchangeError{Err: fmt.Errorf("auth service returned incomplete credentials")}
	}

	return &Credentials{
		AccessKeyID: exchanged.AccessKeyID,
		SecretKey:   exchanged.SecretKey,
		Endpoint:    exchanged.Endpoint,
	}, nil
}
