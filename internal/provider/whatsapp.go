package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// WhatsAppAdapter posts template-free text messages to a WhatsApp
// business API gateway. Symmetric with EmailAdapter.
type WhatsAppAdapter struct {
	base   string
	apiKey string
	hc     *http.Client
}

func NewWhatsAppAdapter(base, apiKey string) *WhatsAppAdapter {
	return &WhatsAppAdapter{base: base, apiKey: apiKey, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (a *WhatsAppAdapter) Send(ctx context.Context, destination, _ string, body, idempotencyKey string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{
		"to":   destination,
		"text": body,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return "", errors.Wrap(err, "build whatsapp request")
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
