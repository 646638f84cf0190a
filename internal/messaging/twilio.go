package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arclighthealth/radsched/pkg/logging"
)

var twilioTracer = otel.Tracer("radsched.internal.messaging.twilio")

// TwilioProvider posts SMS via Twilio's Messages API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTwilioProvider builds a Twilio sender.
func NewTwilioProvider(accountSID, authToken string, logger *logging.Logger) *TwilioProvider {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    "https://api.twilio.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

var _ Provider = (*TwilioProvider)(nil)

func (p *TwilioProvider) Name() string { return "twilio" }

// Send posts one message. Outcomes are normalized into SendStatus; the raw
// Twilio error code rides along for the dispatcher's classifier.
func (p *TwilioProvider) Send(ctx context.Context, from, to, body string) SendResult {
	ctx, span := twilioTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("radsched.provider", "twilio"))

	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := p.baseURL + "/2010-04-01/Accounts/" + p.accountSID + "/Messages.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{Status: StatusTransientFail, ProviderCode: "request_build"}
	}
	req.SetBasicAuth(p.accountSID, p.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return SendResult{Status: StatusTransientFail, ProviderCode: "network"}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed struct {
			SID string `json:"sid"`
		}
		_ = json.Unmarshal(raw, &parsed)
		return SendResult{Status: StatusSent, ProviderMessageID: parsed.SID}
	}

	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &apiErr)
	code := strconv.Itoa(apiErr.Code)
	p.logger.Warn("twilio send rejected", "status", resp.StatusCode, "code", code)
	return SendResult{Status: twilioStatus(resp.StatusCode, apiErr.Code), ProviderCode: code}
}

func twilioStatus(httpStatus, twilioCode int) SendStatus {
	switch twilioCode {
	case 21211, 21214, 21217, 21614: // invalid / unroutable recipient number
		return StatusRecipientFail
	case 21610: // recipient has opted out with this sender
		return StatusFailoverFail
	case 30007: // carrier filtered
		return StatusFailoverFail
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
