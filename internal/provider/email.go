package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// EmailAdapter posts to a JSON transactional-email API.
type EmailAdapter struct {
	base   string
	apiKey string
	hc     *http.Client
}

func NewEmailAdapter(base, apiKey string) *EmailAdapter {
	return &EmailAdapter{base: base, apiKey: apiKey, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (a *EmailAdapter) Send(ctx context.Context, destination, subject, body, idempotencyKey string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{
		"to":      destination,
		"subject": subject,
		"body":    body,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1/send", bytes.NewReader(reqBody))
	if err != nil {
		return "", errors.Wrap(err, "build email request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := a.hc.Do(req)
	if err != nil {
		return "", Transient("network", err.Error())
	}
	defer resp.Body.Close()

	return decodeSendResponse(resp)
}

func decodeSendResponse(resp *http.Response) (string, error) {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", RateLimited("provider throttled")
	case resp.StatusCode >= 500:
		return "", Transient("provider_5xx", resp.Status)
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", Permanent("provider_rejected", string(raw))
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Transient("bad_response", err.Error())
	}
	return out.MessageID, nil
}
