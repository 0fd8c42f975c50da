package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxWhatsAppText is the Cloud API limit for a text message body.
const maxWhatsAppText = 4096

// WhatsAppConfig configures the Cloud API sender.
type WhatsAppConfig struct {
	APIBase       string // e.g. https://graph.facebook.com/v21.0
	PhoneNumberID string
	AccessToken   string
}

// WhatsApp sends text messages through the WhatsApp Business Cloud API.
type WhatsApp struct {
	cfg    WhatsAppConfig
	client *http.Client
	logger *slog.Logger
}

// NewWhatsApp creates a WhatsApp sender.
func NewWhatsApp(cfg WhatsAppConfig, logger *slog.Logger) *WhatsApp {
	return &WhatsApp{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

func (w *WhatsApp) PromptHints() string {
	return "The customer is on WhatsApp. Reply in plain conversational text, two or three short paragraphs at most. " +
		"Use *single asterisks* for emphasis if needed; no headings, tables or markdown links."
}

type waSendResponse struct {
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts a text message. The Cloud API has no threading, so subject and
// HTML are ignored.
func (w *WhatsApp) Send(ctx context.Context, tenantID uuid.UUID, out Outbound) (SendResult, error) {
	if out.To == "" {
		return SendResult{}, &PermanentError{Channel: w.Name(), Err: errors.New("recipient phone number is empty")}
	}
	body := truncateRunes(out.Body, maxWhatsAppText)

	payload, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                out.To,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	})
	if err != nil {
		return SendResult{}, &PermanentError{Channel: w.Name(), Err: fmt.Errorf("marshal: %w", err)}
	}

	url := fmt.Sprintf("%s/%s/messages", w.cfg.APIBase, w.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, &PermanentError{Channel: w.Name(), Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return SendResult{}, &TransientError{Channel: w.Name(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var decoded waSendResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := string(raw)
		if decoded.Error != nil {
			detail = fmt.Sprintf("code %d: %s", decoded.Error.Code, decoded.Error.Message)
		}
		return SendResult{}, classifyStatus(w.Name(), resp.StatusCode, detail)
	}
	if len(decoded.Messages) == 0 || decoded.Messages[0].ID == "" {
		return SendResult{}, &TransientError{Channel: w.Name(), Err: errors.New("response carried no message id")}
	}

	w.logger.Debug("whatsapp: message accepted", "tenant_id", tenantID, "message_id", out.MessageID, "wamid", decoded.Messages[0].ID)
	meta := map[string]any{}
	if s := decoded.Messages[0].MessageStatus; s != "" {
		meta["whatsapp_status"] = s
	}
	if len(body) < len(out.Body) {
		meta["truncated"] = true
	}
	return SendResult{
		Provider:          "whatsapp_cloud",
		ProviderMessageID: decoded.Messages[0].ID,
		Metadata:          meta,
	}, nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
