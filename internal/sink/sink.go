// Package sink delivers normalized leads to the downstream CRM endpoint.
package sink

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

	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/model"
)

const maxErrorBody = 1 << 10

// Payload is the JSON body posted for one lead:
// {leadName, leadEmail, leadPhone, vehicle, from, to, portal, valueRaw, value}.
type Payload model.Lead

// DispatchError means the sink rejected the lead (StatusCode set) or could
// not be reached (Err set). Message is the sink's explanation and Body the
// raw response, both used to classify permanent rejections.
type DispatchError struct {
	StatusCode int
	Message    string
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sink rejected lead: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sink unreachable: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// AsDispatchError returns the DispatchError in err's chain, if any.
func AsDispatchError(err error) (*DispatchError, bool) {
	var dispatchErr *DispatchError
	ok := errors.As(err, &dispatchErr)
	return dispatchErr, ok
}

// Client posts leads to the CRM.
type Client struct {
	url    string
	token  string
	client *http.Client
	log    *zap.Logger
}

// NewClient creates a sink client from cfg.
func NewClient(cfg model.SinkConfig, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		log:    log.With(zap.String("component", "sink")),
	}
}

// Dispatch posts p. Any non-2xx response is a *DispatchError.
func (c *Client) Dispatch(ctx context.Context, p Payload) error {
	if c.url == "" {
		return &DispatchError{Err: errors.New("sink url is not configured")}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling lead: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &DispatchError{Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DispatchError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	c.log.Debug("lead dispatched",
		zap.String("portal", p.Portal), zap.String("to", p.To), zap.Int("status", resp.StatusCode))
	return nil
}

// errorMessage pulls a human-readable reason out of an error body: the
// "message" or "error" field of a JSON object, otherwise the raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		var s string
		if json.Unmarshal(parsed.Error, &s) == nil && s != "" {
			return s
		}
		if len(parsed.Error) > 0 && string(parsed.Error) != "null" {
			return string(parsed.Error)
		}
	}
	return strings.TrimSpace(string(body))
}
