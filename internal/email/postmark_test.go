package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient("test-token", "noreply@example.com", "https://billing.test",
		WithHTTPClient(&http.Client{Transport: &rewriteTransport{base: http.DefaultTransport, target: server.URL}}))
}

func TestSendMagicLink(t *testing.T) {
	var received postmarkEmail
	var gotToken string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"MessageID": "test-id"}`))
	})

	if err := client.SendMagicLink(context.Background(), "alice@example.com", "abc123"); err != nil {
		t.Fatalf("send magic link: %v", err)
	}

	if gotToken != "test-token" {
		t.Errorf("server token = %q, want %q", gotToken, "test-token")
	}
	if received.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", received.To, "alice@example.com")
	}
	if received.From != "noreply@example.com" {
		t.Errorf("From = %q, want %q", received.From, "noreply@example.com")
	}
	if !strings.Contains(received.TextBody, "https://billing.test/auth/verify?token=abc123") {
		t.Errorf("TextBody missing link: %q", received.TextBody)
	}
}

func TestSendPlanChangeApplied(t *testing.T) {
	var received postmarkEmail
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	})

	err := client.SendPlanChangeApplied(context.Background(), "bob@example.com", 2, decimal.RequireFromString("20"), "eur")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if received.Subject != "Your plan change is now active" {
		t.Errorf("Subject = %q", received.Subject)
	}
	if !strings.Contains(received.TextBody, "2 subject(s) at 20.00 eur") {
		t.Errorf("TextBody = %q", received.TextBody)
	}
}

func TestSendPlanChangeFailed(t *testing.T) {
	var received postmarkEmail
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	})

	if err := client.SendPlanChangeFailed(context.Background(), "bob@example.com", "unknown subject"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(received.TextBody, "Reason: unknown subject") {
		t.Errorf("TextBody = %q", received.TextBody)
	}
}

func TestSendNotConfigured(t *testing.T) {
	client := NewClient("", "noreply@example.com", "https://billing.test")

	if err := client.SendMagicLink(context.Background(), "alice@example.com", "abc123"); err == nil {
		t.Fatal("expected error for unconfigured client")
	}
}

func TestSendAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	if err := client.SendMagicLink(context.Background(), "alice@example.com", "abc123"); err == nil {
		t.Fatal("expected error for API failure")
	}
}

func TestConfigured(t *testing.T) {
	if !NewClient("token", "from@test.com", "https://test.com").Configured() {
		t.Error("expected Configured() = true")
	}
	if NewClient("", "from@test.com", "https://test.com").Configured() {
		t.Error("expected Configured() = false")
	}
}

// rewriteTransport redirects all requests to a test server URL.
type rewriteTransport struct {
	base   http.RoundTripper
	target string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.target[len("http://"):]
	return t.base.RoundTrip(req)
}
