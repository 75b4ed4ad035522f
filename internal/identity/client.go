package identity

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
)

const (
	defaultBaseURL = "https://api.botatwork.com"
	statusSuccess  = "SUCCESS"
)

var ErrUnexpectedStatus = errors.New("identity: unexpected response status")

// StatusError captures a non-2xx response from the identity API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity: status %d: %s", e.StatusCode, e.Body)
}

type ClientInfo struct {
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name"`
}

type UserInfo struct {
	Email    string
	ClientID string
	Clients  []ClientInfo
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

type userInfoResponse struct {
	Status string `json:"status"`
	Data   struct {
		Email    string       `json:"email"`
		ClientID string       `json:"client_id"`
		Clients  []ClientInfo `json:"clients"`
	} `json:"data"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Status string `json:"status"`
	Data   struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"data"`
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the external identity API: a who-am-I lookup and a
// refresh-token exchange. All calls are bounded by the HTTP client timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Me resolves the identity behind an access token via GET /me.
func (c *Client) Me(ctx context.Context, accessToken string) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/me", nil)
	if err != nil {
		return UserInfo{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return UserInfo{}, err
	}

	var parsed userInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return UserInfo{}, fmt.Errorf("identity: decode me response: %w", err)
	}
	if parsed.Status != statusSuccess {
		return UserInfo{}, fmt.Errorf("%w: %q", ErrUnexpectedStatus, parsed.Status)
	}

	return UserInfo{
		Email:    parsed.Data.Email,
		ClientID: parsed.Data.ClientID,
		Clients:  parsed.Data.Clients,
	}, nil
}

// Refresh exchanges a refresh token for a new token pair via
// POST /azure/refresh-token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return TokenPair{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/azure/refresh-token", bytes.NewReader(payload))
	if err != nil {
		return TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return TokenPair{}, err
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TokenPair{}, fmt.Errorf("identity: decode refresh response: %w", err)
	}
	if parsed.Status != statusSuccess {
		return TokenPair{}, fmt.Errorf("%w: %q", ErrUnexpectedStatus, parsed.Status)
	}
	if parsed.Data.AccessToken == "" || parsed.Data.RefreshToken == "" {
		return TokenPair{}, errors.New("identity: refresh response missing tokens")
	}

	return TokenPair{
		AccessToken:  parsed.Data.AccessToken,
		RefreshToken: parsed.Data.RefreshToken,
	}, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
