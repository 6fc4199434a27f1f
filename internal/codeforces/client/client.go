// Package client calls the Codeforces public API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cpjudge/internal/codeforces/model"
	appErr "cpjudge/pkg/errors"
)

const (
	DefaultBaseURL       = "https://codeforces.com/api"
	DefaultInfoTimeout   = 5 * time.Second
	DefaultStatusTimeout = 30 * time.Second

	maxBodyBytes = 32 << 20
)

// Config holds API client settings. Zero values use defaults.
type Config struct {
	BaseURL       string
	InfoTimeout   time.Duration
	StatusTimeout time.Duration
	UserAgent     string
}

// Client is a Codeforces API client.
type Client struct {
	baseURL       string
	infoTimeout   time.Duration
	statusTimeout time.Duration
	userAgent     string
	http          *http.Client
}

// New creates a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.InfoTimeout <= 0 {
		cfg.InfoTimeout = DefaultInfoTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		infoTimeout:   cfg.InfoTimeout,
		statusTimeout: cfg.StatusTimeout,
		userAgent:     cfg.UserAgent,
		http:          httpClient,
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Comment string          `json:"comment"`
	Result  json.RawMessage `json:"result"`
}

// UserInfo looks up one handle.
func (c *Client) UserInfo(ctx context.Context, handle string) (model.UserInfo, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return model.UserInfo{}, appErr.New(appErr.ExternalHandleMissing)
	}
	var users []model.UserInfo
	if err := c.call(ctx, c.infoTimeout, "user.info", url.Values{"handles": {handle}}, &users); err != nil {
		return model.UserInfo{}, err
	}
	if len(users) == 0 {
		return model.UserInfo{}, appErr.Newf(appErr.ExternalAPIError, "handle %s not found on Codeforces", handle)
	}
	return users[0], nil
}

// UserStatus fetches the full submission history of a handle.
func (c *Client) UserStatus(ctx context.Context, handle string) ([]model.Submission, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, appErr.New(appErr.ExternalHandleMissing)
	}
	var subs []model.Submission
	if err := c.call(ctx, c.statusTimeout, "user.status", url.Values{"handle": {handle}}, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

// call succeeds only on HTTP 200 with status OK. Otherwise the API comment, when
// present, becomes the error message.
func (c *Client) call(ctx context.Context, timeout time.Duration, method string, params url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + method + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return appErr.Wrapf(err, appErr.ExternalAPIError, "build %s request failed", method)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return appErr.Wrapf(err, appErr.ExternalAPITimeout, "codeforces %s timed out after %s", method, timeout)
		}
		return appErr.Wrapf(err, appErr.ExternalAPIError, "codeforces %s request failed", method)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return appErr.Wrapf(err, appErr.ExternalAPITimeout, "codeforces %s timed out after %s", method, timeout)
		}
		return appErr.Wrapf(err, appErr.ExternalAPIError, "read codeforces %s response failed", method)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || env.Status != "OK" {
		msg := strings.TrimSpace(env.Comment)
		if msg == "" {
			msg = fmt.Sprintf("codeforces %s failed with HTTP %d", method, resp.StatusCode)
		}
		e := appErr.New(appErr.ExternalAPIError).WithMessage(msg).WithDetail("http_status", resp.StatusCode)
		if decodeErr != nil {
			e.Err = decodeErr
		}
		return e
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return appErr.Wrapf(err, appErr.ExternalAPIError, "decode codeforces %s result failed", method)
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
