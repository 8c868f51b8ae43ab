package push

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sender posts signed notifications to the push gateway.
type sender struct {
	client     *http.Client
	gatewayURL string
	signingKey string
}

func newSender(gatewayURL, signingKey string, timeout time.Duration) *sender {
	return &sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		gatewayURL: gatewayURL,
		signingKey: signingKey,
	}
}

func (s *sender) send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signingKey != "" {
		req.Header.Set("X-Signature-256", signPayload(body, s.signingKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &httpError{StatusCode: resp.StatusCode}
}

// signPayload computes an HMAC-SHA256 signature over the request body.
func signPayload(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type httpError struct {
	StatusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// isClientError returns true for 4xx responses, which retrying cannot fix.
func isClientError(err error) bool {
	if he, ok := err.(*httpError); ok {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
