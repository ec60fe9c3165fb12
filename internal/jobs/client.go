package jobs

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

	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = time.Minute

// APIError is a non-2xx response from the jobs API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobs api: status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying cannot help.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is an API rejection that should not be
// retried.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}

type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	JWTSecret string
	JWTIssuer string

	HTTPClient *http.Client
	Now        func() time.Time
}

// Client creates jobs with POST {BaseURL}/jobs. When a secret is configured
// each request carries a short-lived HS256 bearer token.
type Client struct {
	url    string
	secret []byte
	issuer string
	http   *http.Client
	now    func() time.Time
}

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Client{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/jobs",
		issuer: cfg.JWTIssuer,
		http:   hc,
		now:    now,
	}
	if cfg.JWTSecret != "" {
		c.secret = []byte(cfg.JWTSecret)
	}
	return c
}

func (c *Client) Create(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.secret != nil {
		token, err := c.token()
		if err != nil {
			return fmt.Errorf("sign jobs api token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("jobs api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) token() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.issuer,
		Subject:   "job-dispatch",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}
