package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postrelay/internal/constants"
	apperrors "postrelay/internal/errors"
	"postrelay/internal/models"
	"postrelay/internal/privacy"
	"postrelay/pkg/circuitbreaker"
	"postrelay/pkg/platform/types"

	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 64 * 1024

// HTTPClient talks to the platform API with one account's bearer token
type HTTPClient struct {
	accountID int
	baseURL   string
	token     string
	client    *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *logrus.Logger
}

var _ types.Client = (*HTTPClient)(nil)

// NewClient creates a client without a circuit breaker
func NewClient(accountID int, baseURL, token string, httpClient *http.Client) *HTTPClient {
	return NewClientWithLogger(accountID, baseURL, token, httpClient, nil, nil)
}

// NewClientWithLogger creates a client. A nil breaker disables fast-failing.
func NewClientWithLogger(accountID int, baseURL, token string, httpClient *http.Client, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	if baseURL == "" {
		baseURL = constants.DefaultPlatformBaseURL
	}

	return &HTTPClient{
		accountID: accountID,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		token:     token,
		client:    httpClient,
		breaker:   breaker,
		logger:    logger,
	}
}

// AccountID returns the account this client publishes as
func (c *HTTPClient) AccountID() int {
	return c.accountID
}

// Publish creates one post, optionally as a reply. Rate-limit and credential
// rejections are returned as results and do not count against the breaker.
func (c *HTTPClient) Publish(ctx context.Context, text, replyToID string) models.PublishResult {
	result := models.PublishResult{
		AccountID: c.accountID,
		ErrorKind: models.ErrorKindTransient,
	}

	payload := types.CreatePostRequest{Text: text}
	if replyToID != "" {
		payload.Reply = &types.ReplySettings{InReplyToPostID: replyToID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		result.Raw = fmt.Sprintf("failed to marshal request: %v", err)
		return result
	}

	c.logger.WithFields(logrus.Fields{
		"account_id":  c.accountID,
		"reply_to_id": replyToID,
		"text":        privacy.PreviewText(text),
	}).Debug("Publishing post")

	err = c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodPost, types.PathCreatePost, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		result.Limits = ParseRateLimit(resp.Header)
		result.Raw = truncate(raw)

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
			if readErr != nil {
				return fmt.Errorf("failed to read response: %w", readErr)
			}
			var created types.CreatePostResponse
			if err := json.Unmarshal(raw, &created); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			if created.Data.ID == "" {
				return fmt.Errorf("response carried no post id")
			}
			result.Success = true
			result.ErrorKind = models.ErrorKindNone
			result.ExternalID = created.Data.ID
			return nil
		case http.StatusTooManyRequests:
			result.ErrorKind = models.ErrorKindRateLimited
			return nil
		case http.StatusUnauthorized:
			result.ErrorKind = models.ErrorKindUnauthorized
			return nil
		case http.StatusForbidden:
			result.ErrorKind = models.ErrorKindForbidden
			return nil
		default:
			return fmt.Errorf("platform API error: status %d", resp.StatusCode)
		}
	})

	if err != nil {
		result.Success = false
		result.ErrorKind = models.ErrorKindTransient
		if result.Raw == "" {
			result.Raw = err.Error()
		}
		c.logger.WithFields(logrus.Fields{
			"account_id": c.accountID,
			"error":      err.Error(),
		}).Debug("Publish failed")
	}

	return result
}

// VerifyCredentials checks that the token is accepted. A rate-limited answer
// still proves the credentials work.
func (c *HTTPClient) VerifyCredentials(ctx context.Context) error {
	var status int
	err := c.execute(ctx, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, types.PathMe, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

		status = resp.StatusCode
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("platform API error: status %d", status)
		}
		return nil
	})
	if err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransient, "credential check failed").
			WithContext("account_id", c.accountID)
	}

	switch status {
	case http.StatusOK, http.StatusTooManyRequests:
		return nil
	case http.StatusUnauthorized:
		return apperrors.New(apperrors.ErrCodeUnauthorized, "platform rejected credentials").
			WithContext("account_id", c.accountID)
	case http.StatusForbidden:
		return apperrors.New(apperrors.ErrCodeForbidden, "account is not permitted to use the API").
			WithContext("account_id", c.accountID)
	default:
		return apperrors.New(apperrors.ErrCodeTransient, fmt.Sprintf("unexpected status %d from credential check", status)).
			WithContext("account_id", c.accountID)
	}
}

func (c *HTTPClient) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// ParseRateLimit reads the remaining budget and reset time from response
// headers. It returns nil when neither header is present or parseable.
func ParseRateLimit(h http.Header) *models.RateLimitInfo {
	var info models.RateLimitInfo

	if v := h.Get(types.HeaderRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			info.Remaining = &n
		}
	}
	if v := h.Get(types.HeaderRateLimitReset); v != "" {
		if epoch, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && epoch > 0 {
			resetAt := time.Unix(epoch, 0).UTC()
			info.ResetAt = &resetAt
		}
	}

	if info.Remaining == nil && info.ResetAt == nil {
		return nil
	}
	return &info
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > constants.DefaultRawBodyLimit {
		return s[:constants.DefaultRawBodyLimit]
	}
	return s
}
