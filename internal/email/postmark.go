package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const postmarkURL = "https://api.postmarkapp.com/email"

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// SendMagicLink sends the sign-in link. The token is the raw session token.
func (c *Client) SendMagicLink(ctx context.Context, toEmail, token string) error {
	link := fmt.Sprintf("%s/auth/verify?token=%s", c.baseURL, token)
	return c.send(ctx, postmarkEmail{
		To:       toEmail,
		Subject:  "Sign in to manage your subjects",
		TextBody: fmt.Sprintf("Click the link below to sign in:\n\n%s", link),
		HtmlBody: fmt.Sprintf(`<p>Click the link below to sign in:</p><p><a href="%s">Sign in</a></p>`, link),
	})
}

// SendPlanChangeApplied tells the account holder their scheduled change took effect.
func (c *Client) SendPlanChangeApplied(ctx context.Context, toEmail string, subjectCount int, price decimal.Decimal, currency string) error {
	line := fmt.Sprintf("Your plan now covers %d subject(s) at %s %s per month.",
		subjectCount, price.StringFixed(2), currency)
	return c.send(ctx, postmarkEmail{
		To:       toEmail,
		Subject:  "Your plan change is now active",
		TextBody: line,
		HtmlBody: fmt.Sprintf("<p>%s</p>", line),
	})
}

// SendPlanChangeFailed reports a scheduled change that could not be applied.
func (c *Client) SendPlanChangeFailed(ctx context.Context, toEmail, reason string) error {
	line := "We could not apply your scheduled plan change. Your current subjects are unchanged."
	return c.send(ctx, postmarkEmail{
		To:       toEmail,
		Subject:  "Your plan change could not be applied",
		TextBody: fmt.Sprintf("%s\n\nReason: %s", line, reason),
		HtmlBody: fmt.Sprintf("<p>%s</p><p>Reason: %s</p>", line, reason),
	})
}

func (c *Client) send(ctx context.Context, msg postmarkEmail) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}
	msg.From = c.fromEmail

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
