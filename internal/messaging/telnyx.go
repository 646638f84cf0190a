package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arclighthealth/radsched/pkg/logging"
)

var telnyxTracer = otel.Tracer("radsched.internal.messaging.telnyx")

// TelnyxProvider posts SMS via Telnyx's V2 messages API.
type TelnyxProvider struct {
	apiKey     string
	profileID  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTelnyxProvider builds a Telnyx sender.
func NewTelnyxProvider(apiKey, profileID string, logger *logging.Logger) *TelnyxProvider {
	if logger == nil {
		logger = logging.Default()
	}
	return &TelnyxProvider{
		apiKey:     apiKey,
		profileID:  profileID,
		baseURL:    "https://api.telnyx.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

var _ Provider = (*TelnyxProvider)(nil)

func (p *TelnyxProvider) Name() string { return "telnyx" }

func (p *TelnyxProvider) Send(ctx context.Context, from, to, body string) SendResult {
	ctx, span := telnyxTracer.Start(ctx, "messaging.telnyx.send")
	defer span.End()
	span.SetAttributes(attribute.String("radsched.provider", "telnyx"))

	payload := map[string]any{
		"from": from,
		"to":   to,
		"text": body,
	}
	if p.profileID != "" {
		payload["messaging_profile_id"] = p.profileID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SendResult{Status: StatusTransientFail, ProviderCode: "marshal"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/messages", bytes.NewReader(raw))
	if err != nil {
		return SendResult{Status: StatusTransientFail, ProviderCode: "request_build"}
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return SendResult{Status: StatusTransientFail, ProviderCode: "network"}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		_ = json.Unmarshal(respBody, &parsed)
		return SendResult{Status: StatusSent, ProviderMessageID: parsed.Data.ID}
	}

	var apiErr struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	_ = json.Unmarshal(respBody, &apiErr)
	code := ""
	if len(apiErr.Errors) > 0 {
		code = apiErr.Errors[0].Code
	}
	p.logger.Warn("telnyx send rejected", "status", resp.StatusCode, "code", code)
	return SendResult{Status: telnyxStatus(resp.StatusCode, code), ProviderCode: code}
}

func telnyxStatus(httpStatus int, code string) SendStatus {
	switch code {
	case "40300", "40301": // blocked / spam filtered on our number
		return StatusFailoverFail
	case "40001", "40002": // invalid destination number
		return StatusRecipientFail
	case "40305": // content rejected
		return StatusRecipientFail
	}
	switch {
	case httpStatus == http.StatusTooManyRequests:
		return StatusFailoverFail
	case httpStatus >= 500:
		return StatusTransientFail
	case httpStatus >= 400:
		return StatusFailoverFail
	default:
		return StatusTransientFail
	}
}
