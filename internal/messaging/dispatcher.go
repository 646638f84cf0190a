package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/audit"
	"github.com/arclighthealth/radsched/internal/consent"
	"github.com/arclighthealth/radsched/internal/identity"
	"github.com/arclighthealth/radsched/internal/observability/metrics"
	"github.com/arclighthealth/radsched/pkg/logging"
)

var (
	// ErrConsentMissing is returned when the recipient has no usable consent
	// and the message type is not consent-exempt.
	ErrConsentMissing = errors.New("messaging: consent missing")
	// ErrNoProvider is returned when the org config names a provider that is
	// not registered or has an empty number pool.
	ErrNoProvider = errors.New("messaging: no usable provider")
	// ErrSendFailed is returned when all eligible providers failed.
	ErrSendFailed = errors.New("messaging: send failed")
)

// consentExempt lists the message types that may be sent without prior
// consent: the consent prompt itself, the opt-out acknowledgement, and the
// carrier-mandated HELP answer.
var consentExempt = map[audit.MessageType]bool{
	audit.TypeOutboundConsentRequest: true,
	audit.TypeConsentRevoked:         true,
	audit.TypeOutboundHelp:           true,
}

// DispatchRequest describes one outbound SMS.
type DispatchRequest struct {
	OrgID       string
	To          string // plaintext E.164, never stored
	Body        string
	MessageType audit.MessageType
	SessionID   uuid.UUID
}

// Receipt reports how a dispatch was carried out.
type Receipt struct {
	SentFrom          string
	Provider          string
	FailedOver        bool
	OriginalError     string
	ErrorCode         string
	ProviderMessageID string
}

type consentSource interface {
	Get(ctx context.Context, phoneHash string) (consent.Record, error)
}

type auditSink interface {
	Record(ctx context.Context, e audit.Entry) (uuid.UUID, error)
}

type orgConfigSource interface {
	Get(ctx context.Context, orgID string) (OrgConfig, error)
}

// Dispatcher routes outbound SMS per organization config.
type Dispatcher struct {
	providers map[string]Provider
	configs   orgConfigSource
	consents  consentSource
	auditor   auditSink
	codec     *identity.Codec
	logger    *logging.Logger
	metrics   *metrics.MessagingMetrics
	rr        uint64
	// transientRetryDelay is the pause before the single same-provider retry
	// on a transient failure.
	transientRetryDelay time.Duration
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Providers map[string]Provider
	Configs   orgConfigSource
	Consents  consentSource
	Auditor   auditSink
	Codec     *identity.Codec
	Logger    *logging.Logger
	Metrics   *metrics.MessagingMetrics
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Dispatcher{
		providers:           cfg.Providers,
		configs:             cfg.Configs,
		consents:            cfg.Consents,
		auditor:             cfg.Auditor,
		codec:               cfg.Codec,
		logger:              cfg.Logger,
		metrics:             cfg.Metrics,
		transientRetryDelay: 500 * time.Millisecond,
	}
}

// Dispatch sends one SMS. Exactly one audit entry is written per call that
// reaches the consent check, whatever the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (Receipt, error) {
	phoneHash, err := d.codec.Hash(req.To)
	if err != nil {
		return Receipt{}, fmt.Errorf("messaging: hash recipient: %w", err)
	}

	cfg, err := d.configs.Get(ctx, req.OrgID)
	if err != nil {
		return Receipt{}, fmt.Errorf("messaging: load org config: %w", err)
	}

	rec, consentErr := d.consents.Get(ctx, phoneHash)
	consentStatus := consent.StatusLabel(rec, consentErr)
	if consentErr != nil && !errors.Is(consentErr, consent.ErrNotFound) {
		return Receipt{}, fmt.Errorf("messaging: resolve consent: %w", consentErr)
	}
	if !consentExempt[req.MessageType] && !rec.Given() {
		d.record(ctx, req, phoneHash, consentStatus, Receipt{ErrorCode: ErrCodeConsentMissing}, false)
		return Receipt{ErrorCode: ErrCodeConsentMissing}, ErrConsentMissing
	}

	primary, ok := d.providers[cfg.PrimaryProvider]
	if !ok || len(cfg.PrimaryNumbers) == 0 {
		receipt := Receipt{ErrorCode: ErrCodeProviderError}
		d.record(ctx, req, phoneHash, consentStatus, receipt, false)
		return receipt, ErrNoProvider
	}

	from := PickFromNumber(cfg.PrimaryNumbers, phoneHash, cfg.StickySender, &d.rr)
	result := d.sendWithRetry(ctx, primary, from, req.To, req.Body)
	receipt := Receipt{
		SentFrom:          from,
		Provider:          primary.Name(),
		ErrorCode:         classify(result),
		ProviderMessageID: result.ProviderMessageID,
	}

	if result.Status != StatusSent && FailoverEligible(receipt.ErrorCode) {
		if fallback, ok := d.providers[cfg.FailoverProvider]; ok && len(cfg.FailoverNumbers) > 0 {
			failFrom := PickFromNumber(cfg.FailoverNumbers, phoneHash, cfg.StickySender, &d.rr)
			d.logger.Warn("primary sms send failed; attempting failover",
				"provider", primary.Name(),
				"failover", fallback.Name(),
				"error_code", receipt.ErrorCode,
				"phone_hash", phoneHash,
			)
			failResult := fallback.Send(ctx, failFrom, req.To, req.Body)
			receipt = Receipt{
				SentFrom:          failFrom,
				Provider:          fallback.Name(),
				FailedOver:        true,
				OriginalError:     receipt.ErrorCode,
				ErrorCode:         classify(failResult),
				ProviderMessageID: failResult.ProviderMessageID,
			}
			result = failResult
		}
	}

	sent := result.Status == StatusSent
	d.record(ctx, req, phoneHash, consentStatus, receipt, sent)
	if d.metrics != nil {
		d.metrics.ObserveOutbound(receipt.Provider, string(result.Status), receipt.FailedOver)
	}
	if !sent {
		return receipt, ErrSendFailed
	}
	return receipt, nil
}

// sendWithRetry retries a transient failure once against the same provider
// before the result is classified.
func (d *Dispatcher) sendWithRetry(ctx context.Context, p Provider, from, to, body string) SendResult {
	result := p.Send(ctx, from, to, body)
	if result.Status != StatusTransientFail {
		return result
	}
	select {
	case <-ctx.Done():
		return result
	case <-time.After(d.transientRetryDelay):
	}
	return p.Send(ctx, from, to, body)
}

func (d *Dispatcher) record(ctx context.Context, req DispatchRequest, phoneHash, consentStatus string, receipt Receipt, success bool) {
	if d.auditor == nil {
		return
	}
	if _, err := d.auditor.Record(ctx, audit.Entry{
		PhoneHash:         phoneHash,
		MessageType:       req.MessageType,
		Direction:         audit.DirectionOut,
		ConsentStatus:     consentStatus,
		SessionID:         req.SessionID,
		FromNumber:        receipt.SentFrom,
		Provider:          receipt.Provider,
		ProviderMessageID: receipt.ProviderMessageID,
		Success:           success,
		ErrorCode:         receipt.ErrorCode,
	}); err != nil {
		d.logger.Error("audit write for outbound send failed", "error", err, "phone_hash", phoneHash)
	}
}

// classify maps a provider result onto the fixed error-code set. The
// provider's raw code wins when recognized; the normalized status decides
// otherwise.
func classify(res SendResult) string {
	if res.Status == StatusSent {
		return ""
	}
	switch res.ProviderCode {
	case "21211", "21214", "21217", "40001", "40002":
		return ErrCodeInvalidNumber
	case "21614", "30006", "40305":
		return ErrCodeInvalidContent
	case "21610", "40300":
		return ErrCodeNumberBlocked
	case "30007", "40301":
		return ErrCodeCarrierViolation
	case "20429", "429", "10002":
		return ErrCodeRateLimited
	case "network":
		return ErrCodeNetworkError
	}
	switch res.Status {
	case StatusTransientFail:
		return ErrCodeNetworkError
	case StatusRecipientFail:
		return ErrCodeUndeliverable
	default:
		return ErrCodeProviderError
	}
}
