package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/arclighthealth/radsched/internal/audit"
	"github.com/arclighthealth/radsched/internal/conversation"
)

type fakeInbound struct {
	msgs []conversation.InboundMessage
	err  error
}

func (f *fakeInbound) HandleInboundSMS(_ context.Context, msg conversation.InboundMessage) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

type fakeDelivery struct {
	ids       []string
	successes []bool
	codes     []string
}

func (f *fakeDelivery) UpdateDeliveryStatus(_ context.Context, id string, success bool, code string) error {
	f.ids = append(f.ids, id)
	f.successes = append(f.successes, success)
	f.codes = append(f.codes, code)
	return nil
}

func twilioSig(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := fullURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func telnyxSig(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("|"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newSMSHandler(engine *fakeInbound, auditor *fakeDelivery) *SMSWebhookHandler {
	return NewSMSWebhookHandler(SMSWebhookConfig{
		Engine:          engine,
		Auditor:         auditor,
		TwilioAuthToken: "twtoken",
		TelnyxSecret:    "telsecret",
		PublicBaseURL:   "https://sms.example.com",
	})
}

func TestSMSWebhookBadSignatureIsAuditedAsSecurityEvent(t *testing.T) {
	security := &fakeSecurity{}
	h := NewSMSWebhookHandler(SMSWebhookConfig{
		Engine:          &fakeInbound{},
		Auditor:         &fakeDelivery{},
		Security:        security,
		TwilioAuthToken: "twtoken",
		TelnyxSecret:    "telsecret",
		PublicBaseURL:   "https://sms.example.com",
	})

	form := url.Values{}
	form.Set("Body", "YES")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	req.RemoteAddr = "203.0.113.20:33000"
	w := httptest.NewRecorder()
	h.Twilio(w, req)

	body := []byte(`{"data":{"event_type":"message.received","payload":{}}}`)
	req = httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", bytes.NewReader(body))
	req.Header.Set("Telnyx-Timestamp", "1700000000")
	req.Header.Set("Telnyx-Signature", "deadbeef")
	req.RemoteAddr = "203.0.113.21:33001"
	w = httptest.NewRecorder()
	h.Telnyx(w, req)

	if len(security.entries) != 2 {
		t.Fatalf("expected two security entries, got %d", len(security.entries))
	}
	if security.entries[0].SourceIP != "203.0.113.20" || security.entries[1].SourceIP != "203.0.113.21" {
		t.Fatalf("unexpected source addresses: %+v", security.entries)
	}
	for _, e := range security.entries {
		if e.MessageType != audit.TypeSecurity || e.Success {
			t.Fatalf("unexpected security entry: %+v", e)
		}
		if strings.Contains(e.Note, "YES") {
			t.Fatalf("security entry must not carry message content: %q", e.Note)
		}
	}
}

func TestTwilioWebhookVerifiesSignatureAndRoutes(t *testing.T) {
	engine := &fakeInbound{}
	h := newSMSHandler(engine, &fakeDelivery{})

	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("From", "+15551234567")
	form.Set("Body", "YES")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", twilioSig("twtoken", "https://sms.example.com/webhooks/sms/twilio", form))
	w := httptest.NewRecorder()
	h.Twilio(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("expected text/xml, got %s", ct)
	}
	if !strings.Contains(w.Body.String(), "<Response></Response>") {
		t.Fatalf("expected empty TwiML, got %s", w.Body.String())
	}
	if len(engine.msgs) != 1 {
		t.Fatalf("expected one inbound message, got %d", len(engine.msgs))
	}
	msg := engine.msgs[0]
	if msg.From != "+15551234567" || msg.Body != "YES" || msg.Provider != "twilio" || msg.ProviderMessageID != "SM1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestTwilioWebhookRejectsBadSignature(t *testing.T) {
	engine := &fakeInbound{}
	h := newSMSHandler(engine, &fakeDelivery{})

	form := url.Values{}
	form.Set("Body", "YES")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	w := httptest.NewRecorder()
	h.Twilio(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if len(engine.msgs) != 0 {
		t.Fatalf("engine should not have been called")
	}
}

func TestTwilioWebhookAcksDespiteProcessingFailure(t *testing.T) {
	engine := &fakeInbound{err: errors.New("db down")}
	h := newSMSHandler(engine, &fakeDelivery{})

	form := url.Values{}
	form.Set("Body", "1")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", twilioSig("twtoken", "https://sms.example.com/webhooks/sms/twilio", form))
	w := httptest.NewRecorder()
	h.Twilio(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Response></Response>") {
		t.Fatalf("expected empty TwiML, got %s", w.Body.String())
	}
}

func TestTwilioStatusUpdatesDelivery(t *testing.T) {
	auditor := &fakeDelivery{}
	h := newSMSHandler(&fakeInbound{}, auditor)

	form := url.Values{}
	form.Set("MessageSid", "SM9")
	form.Set("MessageStatus", "undelivered")
	form.Set("ErrorCode", "30003")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.TwilioStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(auditor.ids) != 1 || auditor.ids[0] != "SM9" || auditor.successes[0] || auditor.codes[0] != "30003" {
		t.Fatalf("unexpected delivery update: %v %v %v", auditor.ids, auditor.successes, auditor.codes)
	}
}

func TestTelnyxInboundRouted(t *testing.T) {
	engine := &fakeInbound{}
	h := newSMSHandler(engine, &fakeDelivery{})

	body := []byte(`{"data":{"event_type":"message.received","payload":{"id":"tx1","text":"2","from":{"phone_number":"+15551234567"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", bytes.NewReader(body))
	req.Header.Set("Telnyx-Timestamp", "1700000000")
	req.Header.Set("Telnyx-Signature", telnyxSig("telsecret", "1700000000", body))
	w := httptest.NewRecorder()
	h.Telnyx(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(engine.msgs) != 1 {
		t.Fatalf("expected one inbound message, got %d", len(engine.msgs))
	}
	msg := engine.msgs[0]
	if msg.From != "+15551234567" || msg.Body != "2" || msg.Provider != "telnyx" || msg.ProviderMessageID != "tx1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestTelnyxRejectsBadSignature(t *testing.T) {
	engine := &fakeInbound{}
	h := newSMSHandler(engine, &fakeDelivery{})

	body := []byte(`{"data":{"event_type":"message.received","payload":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", bytes.NewReader(body))
	req.Header.Set("Telnyx-Timestamp", "1700000000")
	req.Header.Set("Telnyx-Signature", "deadbeef")
	w := httptest.NewRecorder()
	h.Telnyx(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if len(engine.msgs) != 0 {
		t.Fatalf("engine should not have been called")
	}
}

func TestTelnyxFinalizedUpdatesDelivery(t *testing.T) {
	auditor := &fakeDelivery{}
	h := newSMSHandler(&fakeInbound{}, auditor)

	body := []byte(`{"data":{"event_type":"message.finalized","payload":{"id":"tx2","to":[{"phone_number":"+15551234567","status":"delivery_failed"}],"errors":[{"code":"40300"}]}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", bytes.NewReader(body))
	req.Header.Set("Telnyx-Timestamp", "1700000001")
	req.Header.Set("Telnyx-Signature", telnyxSig("telsecret", "1700000001", body))
	w := httptest.NewRecorder()
	h.Telnyx(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(auditor.ids) != 1 || auditor.ids[0] != "tx2" || auditor.successes[0] || auditor.codes[0] != "40300" {
		t.Fatalf("unexpected delivery update: %v %v %v", auditor.ids, auditor.successes, auditor.codes)
	}
}

func TestTelnyxUnknownEventAcknowledged(t *testing.T) {
	engine := &fakeInbound{}
	auditor := &fakeDelivery{}
	h := newSMSHandler(engine, auditor)

	body := []byte(`{"data":{"event_type":"message.queued","payload":{"id":"tx3"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", bytes.NewReader(body))
	req.Header.Set("Telnyx-Timestamp", "1700000002")
	req.Header.Set("Telnyx-Signature", telnyxSig("telsecret", "1700000002", body))
	w := httptest.NewRecorder()
	h.Telnyx(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(engine.msgs) != 0 || len(auditor.ids) != 0 {
		t.Fatalf("unknown event should be dropped")
	}
}

