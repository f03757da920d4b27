package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/replygate/replygate/internal/idgen"
	"github.com/replygate/replygate/internal/retry"
)

// HTTPEmailer sends mail through a Postmark-style JSON API.
type HTTPEmailer struct {
	apiURL string
	token  string
	from   string
	client *http.Client
}

// NewHTTPEmailer creates an emailer against the given API endpoint.
func NewHTTPEmailer(apiURL, token, from string) *HTTPEmailer {
	return &HTTPEmailer{
		apiURL: apiURL,
		token:  token,
		from:   from,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	TextBody string `json:"TextBody"`
}

type sendResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Send posts one email and returns the provider-assigned message id.
// 4xx responses are permanent (retrying an invalid address never helps).
func (e *HTTPEmailer) Send(ctx context.Context, to, subject, body string) (string, error) {
	payload, err := json.Marshal(sendRequest{
		From:     e.from,
		To:       to,
		Subject:  subject,
		TextBody: body,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("marshal email: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", e.token)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("email request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", retry.Permanent(fmt.Errorf("email rejected: status %d: %s", resp.StatusCode, data))
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("email provider error: status %d", resp.StatusCode)
	}

	var out sendResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode email response: %w", err)
	}
	if out.ErrorCode != 0 {
		return "", retry.Permanent(fmt.Errorf("email provider error %d: %s", out.ErrorCode, out.Message))
	}

	return out.MessageID, nil
}

// LogEmailer logs instead of sending. Used in development when no email API
// token is configured.
type LogEmailer struct {
	Logger *slog.Logger
}

func (e *LogEmailer) Send(_ context.Context, to, subject, _ string) (string, error) {
	e.Logger.Info("email suppressed (no provider configured)", "to", to, "subject", subject)
	return "dev-" + idgen.Hex(8), nil
}

var (
	_ Emailer = (*HTTPEmailer)(nil)
	_ Emailer = (*LogEmailer)(nil)
)
