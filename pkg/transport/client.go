package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"courier/pkg/circuitbreaker"
	"courier/pkg/transport/types"

	"github.com/sirupsen/logrus"
)

// Client talks to the messaging server: binary part uploads, recipient and
// group fan-out, and rate-limit challenge submission.
type Client interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
	SendToRecipient(ctx context.Context, req types.RecipientSendRequest) (*types.SendResult, error)
	SendToGroup(ctx context.Context, req types.GroupSendRequest) (*types.SendResult, error)
	SubmitChallenge(ctx context.Context, token, captcha string) error
}

type httpClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Logger
}

func NewClient(baseURL, authToken string, client *http.Client) Client {
	return NewClientWithLogger(baseURL, authToken, client, nil)
}

func NewClientWithLogger(baseURL, authToken string, client *http.Client, logger *logrus.Logger) Client {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	baseURL = strings.TrimSuffix(baseURL, "/")

	return &httpClient{
		baseURL:   baseURL,
		authToken: authToken,
		client:    client,
		breaker:   circuitbreaker.New("transport", 5, 30*time.Second, logger),
		logger:    logger,
	}
}

// do runs the request through the circuit breaker. Only connection-level
// failures count toward tripping it; HTTP error statuses are the server
// answering, not the dependency being down.
func (c *httpClient) do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Execute(req.Context(), func(ctx context.Context) error {
		var doErr error
		resp, doErr = c.client.Do(req)
		return doErr
	})
	return resp, err
}

func (c *httpClient) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/attachments", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.setAuth(req)

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.errorFromResponse(resp, endpoint)
	}

	var result types.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"bytes":       len(data),
		"contentType": contentType,
		"remoteRef":   result.ID,
	}).Debug("Uploaded attachment")

	return result.ID, nil
}

func (c *httpClient) SendToRecipient(ctx context.Context, sendReq types.RecipientSendRequest) (*types.SendResult, error) {
	endpoint := fmt.Sprintf("%s/v1/messages/%s", c.baseURL, url.PathEscape(sendReq.Recipient))
	return c.postSend(ctx, endpoint, sendReq)
}

func (c *httpClient) SendToGroup(ctx context.Context, sendReq types.GroupSendRequest) (*types.SendResult, error) {
	endpoint := fmt.Sprintf("%s/v1/groups/%s/messages", c.baseURL, url.PathEscape(sendReq.GroupID))
	return c.postSend(ctx, endpoint, sendReq)
}

func (c *httpClient) SubmitChallenge(ctx context.Context, token, captcha string) error {
	endpoint := fmt.Sprintf("%s/v1/challenge", c.baseURL)

	jsonData, err := json.Marshal(types.ChallengeSubmission{Token: token, Captcha: captcha})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.errorFromResponse(resp, endpoint)
	}

	c.logger.Debug("Challenge submission accepted")
	return nil
}

func (c *httpClient) postSend(ctx context.Context, endpoint string, payload interface{}) (*types.SendResult, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.errorFromResponse(resp, endpoint)
	}

	var result types.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}

func (c *httpClient) setAuth(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// errorFromResponse classifies a failed response. 429 and 413 are the
// rate-limit challenge statuses; everything else is a plain API error.
func (c *httpClient) errorFromResponse(resp *http.Response, endpoint string) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestEntityTooLarge {
		rle := &types.RateLimitError{StatusCode: resp.StatusCode}

		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
				d := time.Duration(seconds) * time.Second
				rle.RetryAfter = &d
			}
		}

		var body struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(bodyBytes, &body); err == nil {
			rle.Token = body.Token
		}

		c.logger.WithFields(logrus.Fields{
			"status":   resp.StatusCode,
			"endpoint": endpoint,
		}).Warn("Server returned a rate-limit challenge")

		return rle
	}

	return &types.APIError{
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		Body:       string(bodyBytes),
	}
}
