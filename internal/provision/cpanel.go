// Package provision creates monitored mailboxes on the mail host and
// registers them for monitoring.
package provision

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

	"go.uber.org/zap"

	"github.com/nhle/leadmail/internal/model"
)

const defaultQuota = 250

// CPanel talks to the cPanel UAPI Email module.
type CPanel struct {
	host   string
	user   string
	token  string
	domain string
	quota  int
	client *http.Client
	log    *zap.Logger
}

// NewCPanel creates a cPanel client from cfg.
func NewCPanel(cfg model.ProvisionConfig, log *zap.Logger) *CPanel {
	quota := cfg.Quota
	if quota <= 0 {
		quota = defaultQuota
	}
	return &CPanel{
		host:   strings.TrimRight(cfg.Host, "/"),
		user:   cfg.User,
		token:  cfg.Token,
		domain: cfg.Domain,
		quota:  quota,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.With(zap.String("component", "cpanel")),
	}
}

// Domain returns the mail domain new accounts are created in.
func (c *CPanel) Domain() string { return c.domain }

// CreateMailboxAccount creates localPart@domain with password and returns
// the full address.
func (c *CPanel) CreateMailboxAccount(ctx context.Context, localPart, password string) (string, error) {
	if c.host == "" || c.domain == "" {
		return "", fmt.Errorf("cpanel host and domain must be configured")
	}

	params := url.Values{}
	params.Set("email", localPart)
	params.Set("domain", c.domain)
	params.Set("password", password)
	params.Set("quota", strconv.Itoa(c.quota))

	var result uapiResponse
	if err := c.call(ctx, "Email/add_pop", params, &result); err != nil {
		return "", fmt.Errorf("creating mailbox %s@%s: %w", localPart, c.domain, err)
	}
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("creating mailbox %s@%s: cpanel: %s",
			localPart, c.domain, strings.Join(result.Errors, "; "))
	}

	address := localPart + "@" + c.domain
	c.log.Info("mailbox created", zap.String("account", address))
	return address, nil
}

// call performs a UAPI GET request and decodes the JSON response into out.
func (c *CPanel) call(ctx context.Context, function string, params url.Values, out any) error {
	endpoint := c.host + "/execute/" + function + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "cpanel "+c.user+":"+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling cpanel: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cpanel error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type uapiResponse struct {
	Status   int      `json:"status"`
	Errors   []string `json:"errors"`
	Messages []string `json:"messages"`
}
