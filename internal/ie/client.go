// Package ie is the REST client for the interface engine that fronts the
// radiology information system. The IE translates these calls into HL7 and
// answers asynchronously through the webhook callbacks; nothing in this
// package parses or constructs HL7.
package ie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arclighthealth/radsched/pkg/logging"
)

var ieTracer = otel.Tracer("radsched.internal.ie")

// ErrUnavailable is returned after retry exhaustion or a definitive IE error.
var ErrUnavailable = errors.New("ie: unavailable")

// Location is an imaging site the RIS can schedule at.
type Location struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Address      string   `json:"address,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Patient carries the identifiers the RIS needs to match the order.
type Patient struct {
	MRN    string `json:"mrn"`
	DOB    string `json:"dob,omitempty"`
	Gender string `json:"gender,omitempty"`
	Name   string `json:"name,omitempty"`
}

// SlotRequest asks the RIS for available appointment slots. Fire-and-forget;
// the answer arrives on the schedule-response callback carrying the
// correlation id.
type SlotRequest struct {
	ConversationID  string   `json:"messageControlId"`
	LocationID      string   `json:"locationId"`
	OrderIDs        []string `json:"orderIds"`
	Modality        string   `json:"modality"`
	DurationMinutes int      `json:"durationMinutes"`
	Patient         Patient  `json:"patient"`
}

// Slot is one bookable time returned by the RIS.
type Slot struct {
	SlotID          string `json:"slotId"`
	StartAt         string `json:"startAt"`
	DurationMinutes int    `json:"durationMinutes"`
	ResourceID      string `json:"resourceId"`
}

// BookingRequest books one appointment covering the given orders.
// Fire-and-forget; confirmation arrives on the appointment-notification
// callback.
type BookingRequest struct {
	ConversationID string   `json:"messageControlId"`
	OrderIDs       []string `json:"orderIds"`
	Slot           Slot     `json:"slot"`
	Patient        Patient  `json:"patient"`
}

// IdempotencyKey is stable across retries of the same booking so the IE can
// dedup. Order ids are sorted to make the key independent of arrival order.
func (r BookingRequest) IdempotencyKey() string {
	ids := append([]string(nil), r.OrderIDs...)
	sort.Strings(ids)
	return r.ConversationID + ":" + r.Slot.SlotID + ":" + strings.Join(ids, ",")
}

// Client calls the interface engine.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	logger      *logging.Logger
	maxAttempts int
	retryBase   time.Duration
	timeout     time.Duration
}

// Config wires a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	RetryBase   time.Duration
	Logger      *logging.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		timeout:     cfg.Timeout,
	}
}

// GetLocations fetches the sites able to perform a modality. Used only when
// the order webhook did not supply locations.
func (c *Client) GetLocations(ctx context.Context, modality string) ([]Location, error) {
	ctx, span := ieTracer.Start(ctx, "ie.get_locations")
	defer span.End()
	span.SetAttributes(attribute.String("radsched.modality", modality))

	var out struct {
		Locations []Location `json:"locations"`
	}
	if err := c.do(ctx, http.MethodGet, "/locations?modality="+modality, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Locations, nil
}

// RequestSlots issues an asynchronous slot search. The caller records
// slot_request_sent_at; the response arrives on the schedule-response
// callback.
func (c *Client) RequestSlots(ctx context.Context, req SlotRequest) error {
	ctx, span := ieTracer.Start(ctx, "ie.request_slots")
	defer span.End()
	span.SetAttributes(attribute.String("radsched.conversation_id", req.ConversationID))

	return c.do(ctx, http.MethodPost, "/slot-requests", req, "", nil)
}

// BookAppointment issues an asynchronous booking. Repeated calls with the
// same idempotency key are safe.
func (c *Client) BookAppointment(ctx context.Context, req BookingRequest) error {
	ctx, span := ieTracer.Start(ctx, "ie.book_appointment")
	defer span.End()
	span.SetAttributes(attribute.String("radsched.conversation_id", req.ConversationID))

	return c.do(ctx, http.MethodPost, "/appointments", req, req.IdempotencyKey(), nil)
}

// do performs one IE call with bounded exponential backoff (2s/4s/8s by
// default). 4xx responses are definitive and not retried.
func (c *Client) do(ctx context.Context, method, path string, payload any, idempotencyKey string, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ie: marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.once(callCtx, method, path, body, idempotencyKey, out)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		var definitive *definitiveError
		if errors.As(err, &definitive) {
			break
		}
		if attempt < c.maxAttempts {
			delay := c.retryBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return fmt.Errorf("ie: %w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	c.logger.Error("ie call failed", "method", method, "path", path, "error", lastErr)
	return fmt.Errorf("ie: %w: %v", ErrUnavailable, lastErr)
}

type definitiveError struct {
	status int
}

func (e *definitiveError) Error() string {
	return fmt.Sprintf("ie: definitive failure: status %d", e.status)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ie: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ie: http: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("ie: decode response: %w", err)
			}
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &definitiveError{status: resp.StatusCode}
	default:
		return fmt.Errorf("ie: status %d", resp.StatusCode)
	}
}
