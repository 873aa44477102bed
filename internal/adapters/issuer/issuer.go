// Package issuer talks to the external credential issuance service.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/klyro/pkg/retry"
)

const maxErrorBody = 512

// ErrRejected is returned when the issuer answers with success=false.
var ErrRejected = errors.New("issuer rejected credential")

// Subject is the summary a credential is issued for.
type Subject struct {
	UserID     uuid.UUID `json:"userId"`
	Username   string    `json:"username,omitempty"`
	Addresses  []string  `json:"addresses,omitempty"`
	Email      string    `json:"email,omitempty"`
	DID        string    `json:"did,omitempty"`
	Score      float64   `json:"score"`
	Worth      float64   `json:"worth"`
	Wins       int       `json:"hackathonWins"`
	ComputedAt time.Time `json:"computedAt"`
}

// Credential is the issuer's response.
type Credential struct {
	Success        bool   `json:"success"`
	CredentialID   string `json:"credentialId"`
	IssuerDID      string `json:"issuerDid"`
	CredentialHash string `json:"credentialHash"`
}

// Client issues credentials over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.client = c
		}
	}
}

// WithRetryPolicy sets the policy for issue requests.
func WithRetryPolicy(p retry.Policy) Option {
	return func(cl *Client) { cl.policy = p }
}

// New returns a client for the issuer at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		policy:  retry.Policy{Name: "issuer", MaxAttempts: 3, InitialDelay: time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IssueCredential posts subject to the issuer and returns the credential.
func (c *Client) IssueCredential(ctx context.Context, subject Subject) (Credential, error) {
	body, err := json.Marshal(subject)
	if err != nil {
		return Credential{}, fmt.Errorf("encode subject: %w", err)
	}

	cred, err := retry.Do(ctx, c.policy, func(ctx context.Context) (Credential, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return Credential{}, err
	}
	if !cred.Success || cred.CredentialID == "" {
		return Credential{}, ErrRejected
	}
	return cred, nil
}

func (c *Client) post(ctx context.Context, body []byte) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/credentials", bytes.NewReader(body))
	if err != nil {
		return Credential{}, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &retry.StatusError{Status: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && !retry.IsRateLimited(serr) {
			return Credential{}, retry.Permanent(serr)
		}
		return Credential{}, serr
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return cred, nil
}
