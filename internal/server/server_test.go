package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replygate/replygate/internal/config"
	"github.com/replygate/replygate/internal/escrow"
)

const (
	testInternalToken = "internal-test-token"
	testInboundToken  = "inbound-test-token"
)

type stubProvider struct {
	mu        sync.Mutex
	transfers []int64
	refunds   int
}

func (s *stubProvider) Transfer(_ context.Context, _ *escrow.Transaction, amountCents int64, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, amountCents)
	return fmt.Sprintf("tr_%d", len(s.transfers)), nil
}

func (s *stubProvider) Refund(_ context.Context, _ *escrow.Transaction, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds++
	return fmt.Sprintf("re_%d", s.refunds), nil
}

type stubEmailer struct{}

func (stubEmailer) Send(_ context.Context, _, _, _ string) (string, error) {
	return "stub-msg-id", nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                  "0",
		Env:                   "development",
		LogLevel:              "error",
		ResponseDeadlineHours: 48,
		GracePeriod:           15 * time.Minute,
		RecipientSharePercent: 75,
		Currency:              "usd",
		ReplyDomain:           "reply.replygate.test",
		InboundWebhookToken:   testInboundToken,
		StripeWebhookSecret:   "whsec_test",
		InternalAPIToken:      testInternalToken,
		SweepInterval:         time.Minute,
		ReconcileInterval:     5 * time.Minute,
	}
}

func newTestServer(t *testing.T) (*Server, *stubProvider) {
	t.Helper()
	provider := &stubProvider{}
	srv, err := New(testConfig(), WithPaymentProvider(provider), WithEmailer(stubEmailer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, provider
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestInternalRoutesRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/internal/escrows/msg_x", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/internal/escrows/msg_x", "wrong-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", w.Code)
	}
}

// Full loop over HTTP: create an escrow, deliver the recipient's reply via
// the inbound webhook, observe the release.
func TestEscrowReleaseOverHTTP(t *testing.T) {
	srv, provider := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/internal/escrows", testInternalToken, map[string]any{
		"messageId":       "msg_http",
		"amount":          "20.00",
		"senderEmail":     "sender@example.com",
		"recipientUserId": "user_1",
		"recipientEmail":  "expert@example.com",
		"paymentIntentId": "pi_http",
		"payoutAccountId": "acct_1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}

	inbound, _ := json.Marshal(map[string]any{
		"MessageID": "provider-email-1",
		"From":      "expert@example.com",
		"Subject":   "Re: your question",
		"TextBody":  "Here is the answer.",
		"ToFull":    []map[string]string{{"Email": "reply+msg_http@reply.replygate.test"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/email/inbound", strings.NewReader(string(inbound)))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("webhook", testInboundToken)
	wr := httptest.NewRecorder()
	srv.Router().ServeHTTP(wr, req)

	if wr.Code != http.StatusOK {
		t.Fatalf("inbound: status = %d, body = %s", wr.Code, wr.Body.String())
	}
	var result map[string]any
	_ = json.Unmarshal(wr.Body.Bytes(), &result)
	if result["disposition"] != "released" {
		t.Fatalf("disposition = %v, want released", result["disposition"])
	}
	if len(provider.transfers) != 1 || provider.transfers[0] != 1500 {
		t.Errorf("transfers = %v, want [1500]", provider.transfers)
	}

	w = doJSON(t, srv, http.MethodGet, "/internal/escrows/msg_http", testInternalToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status = %d", w.Code)
	}
	var out struct {
		Transaction escrow.Transaction `json:"transaction"`
		HasResponse bool               `json:"hasResponse"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Transaction.Status != escrow.StatusReleased || !out.HasResponse {
		t.Errorf("transaction = %+v hasResponse = %v, want released with response", out.Transaction, out.HasResponse)
	}
}

func TestInboundWebhookRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/email/inbound", strings.NewReader("{}"))
	req.SetBasicAuth("webhook", "bad-token")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestManualSweepOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/internal/sweep", testInternalToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var stats map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["refunded"] != 0 || stats["reminded"] != 0 {
		t.Errorf("stats = %v, want empty sweep", stats)
	}
}

func TestManualReconcileOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/internal/reconcile", testInternalToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var stats map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["examined"] != 0 || stats["replayed"] != 0 {
		t.Errorf("stats = %v, want empty reconciliation", stats)
	}
}
