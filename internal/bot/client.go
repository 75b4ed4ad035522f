package bot

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

const defaultModel = "sonar"

// ErrUpstream marks completion failures the caller may retry: transport
// errors, non-2xx responses, and unusable response bodies. It is distinct
// from a skipped event, which is not an error at all.
var ErrUpstream = errors.New("bot: completion upstream failed")

// StatusError is a non-2xx response from the completion API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bot: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstream }

type triggerPayload struct {
	OverrideModel  string `json:"override_model"`
	ClientQuestion string `json:"clientQuestion"`
}

type triggerData struct {
	Payload triggerPayload `json:"payload"`
}

type triggerRequest struct {
	Data         triggerData `json:"data"`
	ShouldStream bool        `json:"should_stream"`
}

type triggerResponse struct {
	Data struct {
		Content string `json:"content"`
	} `json:"data"`
}

type Config struct {
	BaseURL    string
	TaskID     string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// Client calls the external bot-completion API's trigger-task endpoint.
type Client struct {
	baseURL    string
	taskID     string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.TaskID) == "" {
		return nil, errors.New("bot: task id is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("bot: api key is required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("bot: base url is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		taskID:     strings.TrimSpace(cfg.TaskID),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      model,
		httpClient: httpClient,
	}, nil
}

// Complete sends the full conversation so far as the question and returns
// the bot's reply text.
func (c *Client) Complete(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(triggerRequest{
		Data: triggerData{
			Payload: triggerPayload{
				OverrideModel:  c.model,
				ClientQuestion: question,
			},
		},
		ShouldStream: false,
	})
	if err != nil {
		return "", err
	}

	url := c.baseURL + "/trigger-task/" + c.taskID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(responseBody))}
	}

	var parsed triggerResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if strings.TrimSpace(parsed.Data.Content) == "" {
		return "", fmt.Errorf("%w: empty completion content", ErrUpstream)
	}
	return parsed.Data.Content, nil
}
