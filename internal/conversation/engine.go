package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/audit"
	"github.com/arclighthealth/radsched/internal/consent"
	"github.com/arclighthealth/radsched/internal/identity"
	"github.com/arclighthealth/radsched/internal/ie"
	"github.com/arclighthealth/radsched/internal/messaging"
	"github.com/arclighthealth/radsched/internal/observability/metrics"
	"github.com/arclighthealth/radsched/internal/safety"
	"github.com/arclighthealth/radsched/pkg/logging"
)

// defaultDurationMinutes is assumed when an order carries no estimate.
const defaultDurationMinutes = 30

// maxUnrecognizedReplies is the strike limit at a single state before the
// engine gives up on the text channel.
const maxUnrecognizedReplies = 3

// Scheduler is the slice of the IE client the engine drives.
type Scheduler interface {
	GetLocations(ctx context.Context, modality string) ([]ie.Location, error)
	RequestSlots(ctx context.Context, req ie.SlotRequest) error
	BookAppointment(ctx context.Context, req ie.BookingRequest) error
}

// Sender dispatches outbound SMS.
type Sender interface {
	Dispatch(ctx context.Context, req messaging.DispatchRequest) (messaging.Receipt, error)
}

type conversationStore interface {
	CreateOrAppend(ctx context.Context, p CreateOrAppendParams) (Conversation, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (Conversation, error)
	ActiveByPhoneHash(ctx context.Context, phoneHash string) (Conversation, error)
	ActiveByMRN(ctx context.Context, mrn string) (Conversation, error)
	Transition(ctx context.Context, p TransitionParams) (Conversation, error)
	ForceState(ctx context.Context, id uuid.UUID, to State) (Conversation, error)
}

type consentStore interface {
	Get(ctx context.Context, phoneHash string) (consent.Record, error)
	Grant(ctx context.Context, phoneHash string) error
	Revoke(ctx context.Context, phoneHash string) error
}

type auditSink interface {
	Record(ctx context.Context, e audit.Entry) (uuid.UUID, error)
}

// Engine drives the scheduling conversation. It is the only writer of state
// transitions; the dispatcher and IE client are pure collaborators.
type Engine struct {
	store     conversationStore
	consents  consentStore
	auditor   auditSink
	sender    Sender
	scheduler Scheduler
	codec     *identity.Codec
	safety    safety.Checker
	logger    *logging.Logger
	metrics   *metrics.ConversationMetrics

	sessionTTL        time.Duration
	slotMaxRetries    int
	bookingMaxRetries int
	// durationRules maps modality to "sum" or "max" for same-visit
	// aggregation; missing modalities default to sum.
	durationRules map[string]string

	// Unrecognized-reply strikes are intentionally in-memory: they shape UX,
	// not correctness, and reset on restart.
	mu      sync.Mutex
	strikes map[uuid.UUID]*strikeCounter
}

type strikeCounter struct {
	state State
	count int
}

// EngineConfig wires an Engine. The store, consent, and audit fields accept
// the production types (*Store, *consent.Store, *audit.Recorder) or any
// equivalent implementation.
type EngineConfig struct {
	Store             conversationStore
	Consents          consentStore
	Auditor           auditSink
	Sender            Sender
	Scheduler         Scheduler
	Codec             *identity.Codec
	Safety            safety.Checker
	Logger            *logging.Logger
	Metrics           *metrics.ConversationMetrics
	SessionTTL        time.Duration
	SlotMaxRetries    int
	BookingMaxRetries int
	DurationRules     map[string]string
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Safety == nil {
		cfg.Safety = safety.PassThrough{}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	return &Engine{
		store:             cfg.Store,
		consents:          cfg.Consents,
		auditor:           cfg.Auditor,
		sender:            cfg.Sender,
		scheduler:         cfg.Scheduler,
		codec:             cfg.Codec,
		safety:            cfg.Safety,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		sessionTTL:        cfg.SessionTTL,
		slotMaxRetries:    cfg.SlotMaxRetries,
		bookingMaxRetries: cfg.BookingMaxRetries,
		durationRules:     cfg.DurationRules,
		strikes:           map[uuid.UUID]*strikeCounter{},
	}
}

// OrderSubmission is a validated order webhook payload.
type OrderSubmission struct {
	OrganizationID string
	PatientPhone   string
	Order          Order
}

// IngestOrder creates a conversation for the order or queues it onto the
// patient's live one. Storage errors propagate so the edge can answer
// retryable and the upstream redelivers.
func (e *Engine) IngestOrder(ctx context.Context, sub OrderSubmission) (Conversation, error) {
	phone := identity.NormalizeE164(sub.PatientPhone)
	phoneHash, err := e.codec.Hash(phone)
	if err != nil {
		return Conversation{}, fmt.Errorf("engine: hash phone: %w", err)
	}
	phoneEnc, err := e.codec.Encrypt(phone)
	if err != nil {
		return Conversation{}, fmt.Errorf("engine: encrypt phone: %w", err)
	}

	verdict, err := e.safety.Check(ctx, sub.Order.PatientContext)
	if err != nil {
		e.logger.Error("safety check failed; proceeding", "error", err, "phone_hash", phoneHash)
		verdict.Verdict = safety.VerdictProceed
	}

	rec, consentErr := e.consents.Get(ctx, phoneHash)
	if consentErr != nil && !errors.Is(consentErr, consent.ErrNotFound) {
		return Conversation{}, fmt.Errorf("engine: resolve consent: %w", consentErr)
	}

	initial := StateConsentPending
	switch {
	case verdict.Verdict == safety.VerdictBlock:
		initial = StateCoordinatorReview
	case rec.Given():
		initial = StateChoosingLocation
	}

	if sub.Order.ReceivedAt.IsZero() {
		sub.Order.ReceivedAt = time.Now().UTC()
	}
	conv, created, err := e.store.CreateOrAppend(ctx, CreateOrAppendParams{
		PhoneHash:      phoneHash,
		PhoneEncrypted: phoneEnc,
		OrganizationID: sub.OrganizationID,
		Order:          sub.Order,
		InitialState:   initial,
		TTL:            e.sessionTTL,
	})
	if err != nil {
		return Conversation{}, err
	}

	switch {
	case created && conv.State == StateCoordinatorReview:
		e.audit(ctx, audit.Entry{
			PhoneHash:   phoneHash,
			MessageType: audit.TypeSecurity,
			Direction:   audit.DirectionIn,
			SessionID:   conv.ID,
			Success:     true,
			Note:        "safety check blocked self-scheduling: " + verdict.Reason,
		})
	case created && conv.State == StateConsentPending:
		e.send(ctx, conv, phone, audit.TypeOutboundConsentRequest, ConsentPrompt(conv.OrderData.AllOrders()))
	case created && conv.State == StateChoosingLocation:
		e.sendLocationPrompt(ctx, conv, phone, "")
	case !created && conv.State == StateConsentPending:
		e.send(ctx, conv, phone, audit.TypeOutboundConsentRequest, ConsentPrompt(conv.OrderData.AllOrders()))
	default:
		// Mid-flow conversations are not interrupted; the queued order
		// surfaces at booking time.
	}
	if created && e.metrics != nil {
		e.metrics.ObserveTransition("", string(conv.State))
	}
	return conv, nil
}

// InboundMessage is one SMS received from a provider webhook.
type InboundMessage struct {
	From              string
	Body              string
	Provider          string
	ProviderMessageID string
}

// HandleInboundSMS processes a patient reply. Every inbound message is
// audited before anything else happens; messages with no live conversation
// are audited and dropped.
func (e *Engine) HandleInboundSMS(ctx context.Context, msg InboundMessage) error {
	phone := identity.NormalizeE164(msg.From)
	phoneHash, err := e.codec.Hash(phone)
	if err != nil {
		return fmt.Errorf("engine: hash phone: %w", err)
	}

	conv, lookupErr := e.store.ActiveByPhoneHash(ctx, phoneHash)
	if lookupErr != nil && !errors.Is(lookupErr, ErrNotFound) {
		return fmt.Errorf("engine: inbound lookup: %w", lookupErr)
	}
	hasSession := lookupErr == nil

	entry := audit.Entry{
		PhoneHash:   phoneHash,
		MessageType: audit.TypeInboundReply,
		Direction:   audit.DirectionIn,
		Provider:    msg.Provider,
		Success:     true,
	}
	if hasSession {
		entry.SessionID = conv.ID
	} else {
		entry.Note = "no active session"
	}
	e.audit(ctx, entry)

	reply := ParseReply(msg.Body)

	if reply.Kind == ReplyOptOut {
		return e.handleOptOut(ctx, conv, hasSession, phone, phoneHash)
	}
	if !hasSession {
		// No org to route a reply through; audited above and dropped.
		return nil
	}
	if reply.Kind == ReplyHelp {
		e.send(ctx, conv, phone, audit.TypeOutboundHelp, HelpMessage())
		return nil
	}

	switch conv.State {
	case StateConsentPending:
		return e.handleConsentReply(ctx, conv, phone, phoneHash, reply)
	case StateChoosingLocation:
		if reply.Kind == ReplyDigit && reply.Index >= 1 && reply.Index <= len(e.locationChoices(conv)) {
			return e.selectLocation(ctx, conv, phone, reply.Index)
		}
		return e.strike(ctx, conv, phone)
	case StateChoosingTime:
		if conv.OrderData.BookingInFlight {
			// A booking request is already out; a second pick would book a
			// different slot in the RIS. Absorb until the callback resolves.
			e.send(ctx, conv, phone, audit.TypeOutboundTime, BookingPendingAck())
			return nil
		}
		if len(conv.OrderData.AvailableSlots) == 0 {
			// Still waiting on the IE; remind rather than count a strike.
			if loc := conv.OrderData.SelectedLocation; loc != nil {
				e.send(ctx, conv, phone, audit.TypeOutboundTime, SearchingAck(loc.Name))
			}
			return nil
		}
		if reply.Kind == ReplyDigit && reply.Index >= 1 && reply.Index <= len(conv.OrderData.AvailableSlots) {
			return e.selectSlot(ctx, conv, reply.Index)
		}
		return e.strike(ctx, conv, phone)
	case StateCoordinatorReview:
		e.send(ctx, conv, phone, audit.TypeOutboundError, PleaseCallMessage())
		return nil
	default:
		return nil
	}
}

func (e *Engine) handleOptOut(ctx context.Context, conv Conversation, hasSession bool, phone, phoneHash string) error {
	if err := e.consents.Revoke(ctx, phoneHash); err != nil {
		return fmt.Errorf("engine: revoke consent: %w", err)
	}
	entry := audit.Entry{
		PhoneHash:   phoneHash,
		MessageType: audit.TypeConsentRevoked,
		Direction:   audit.DirectionIn,
		Success:     true,
	}
	if hasSession {
		entry.SessionID = conv.ID
	}
	e.audit(ctx, entry)

	if hasSession && !conv.State.Terminal() {
		if _, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: conv.State, To: StateCancelled, SetCompleted: true,
		}); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
		e.clearStrikes(conv.ID)
	}
	if hasSession {
		e.send(ctx, conv, phone, audit.TypeConsentRevoked, OptOutAck())
	}
	return nil
}

func (e *Engine) handleConsentReply(ctx context.Context, conv Conversation, phone, phoneHash string, reply ParsedReply) error {
	switch reply.Kind {
	case ReplyYes:
		if err := e.consents.Grant(ctx, phoneHash); err != nil {
			return fmt.Errorf("engine: grant consent: %w", err)
		}
		e.audit(ctx, audit.Entry{
			PhoneHash:   phoneHash,
			MessageType: audit.TypeConsentGranted,
			Direction:   audit.DirectionIn,
			SessionID:   conv.ID,
			Success:     true,
		})
		next, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: StateConsentPending, To: StateChoosingLocation,
		})
		if errors.Is(err, ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		e.clearStrikes(conv.ID)
		e.sendLocationPrompt(ctx, next, phone, "")
		return nil
	case ReplyNo:
		if err := e.consents.Revoke(ctx, phoneHash); err != nil {
			return fmt.Errorf("engine: revoke consent: %w", err)
		}
		e.audit(ctx, audit.Entry{
			PhoneHash:   phoneHash,
			MessageType: audit.TypeConsentRevoked,
			Direction:   audit.DirectionIn,
			SessionID:   conv.ID,
			Success:     true,
		})
		if _, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: StateConsentPending, To: StateCancelled, SetCompleted: true,
		}); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
		e.clearStrikes(conv.ID)
		e.send(ctx, conv, phone, audit.TypeConsentRevoked, OptOutAck())
		return nil
	default:
		return e.strike(ctx, conv, phone)
	}
}

// locationChoices returns the menu shown at CHOOSING_LOCATION.
func (e *Engine) locationChoices(conv Conversation) []ie.Location {
	return conv.OrderData.ActiveOrder.Locations
}

func (e *Engine) selectLocation(ctx context.Context, conv Conversation, phone string, index int) error {
	loc := e.locationChoices(conv)[index-1]
	data := conv.OrderData
	data.SelectedLocation = &loc
	data.AvailableSlots = nil
	data.SelectedSlot = nil

	next, err := e.transition(ctx, TransitionParams{
		ID: conv.ID, From: StateChoosingLocation, To: StateChoosingTime,
		OrderData: &data, SetSlotRequestSentAt: true,
	})
	if errors.Is(err, ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	e.clearStrikes(conv.ID)

	e.issueSlotRequest(ctx, next)
	e.send(ctx, next, phone, audit.TypeOutboundTime, SearchingAck(loc.Name))
	return nil
}

// issueSlotRequest fires the asynchronous slot search. An IE failure here is
// deliberately swallowed: slot_request_sent_at is already set, so the stuck
// monitor reissues once the SLA lapses.
func (e *Engine) issueSlotRequest(ctx context.Context, conv Conversation) {
	bookable := conv.OrderData.BookableOrders()
	req := ie.SlotRequest{
		ConversationID:  conv.ID.String(),
		LocationID:      selectedLocationID(conv),
		OrderIDs:        orderIDs(bookable),
		Modality:        conv.OrderData.ActiveOrder.Modality,
		DurationMinutes: e.aggregateDuration(bookable),
		Patient:         conv.OrderData.ActiveOrder.Patient,
	}
	if err := e.scheduler.RequestSlots(ctx, req); err != nil {
		e.logger.Error("slot request failed; monitor will retry",
			"conversation_id", conv.ID, "error", err)
	}
}

func (e *Engine) selectSlot(ctx context.Context, conv Conversation, index int) error {
	slot := conv.OrderData.AvailableSlots[index-1]
	data := conv.OrderData
	data.SelectedSlot = &slot
	data.BookingInFlight = true

	next, err := e.transition(ctx, TransitionParams{
		ID: conv.ID, From: StateChoosingTime, To: StateChoosingTime,
		OrderData: &data, SetBookingRequested: true,
	})
	if errors.Is(err, ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	e.clearStrikes(conv.ID)
	e.issueBooking(ctx, next)
	return nil
}

// issueBooking fires the asynchronous booking. Failures are swallowed for the
// same reason as issueSlotRequest: booking_requested_at drives the retry.
func (e *Engine) issueBooking(ctx context.Context, conv Conversation) {
	if conv.OrderData.SelectedSlot == nil {
		return
	}
	bookable := conv.OrderData.BookableOrders()
	ids := orderIDs(bookable)
	sort.Strings(ids)
	req := ie.BookingRequest{
		ConversationID: conv.ID.String(),
		OrderIDs:       ids,
		Slot:           *conv.OrderData.SelectedSlot,
		Patient:        conv.OrderData.ActiveOrder.Patient,
	}
	if err := e.scheduler.BookAppointment(ctx, req); err != nil {
		e.logger.Error("booking request failed; monitor will retry",
			"conversation_id", conv.ID, "error", err)
	}
}

// ScheduleResponse is the IE's asynchronous answer to a slot request.
type ScheduleResponse struct {
	CorrelationID  string     `json:"messageControlId"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
	Patient        ie.Patient `json:"patient"`
	AvailableSlots []ie.Slot  `json:"availableSlots"`
}

// HandleScheduleResponse resolves an outstanding slot request. The callback
// is matched by correlation id, falling back to MRN.
func (e *Engine) HandleScheduleResponse(ctx context.Context, resp ScheduleResponse) error {
	conv, err := e.findByCorrelation(ctx, resp.CorrelationID, resp.Patient.MRN)
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("schedule response matched no conversation", "correlation_id", resp.CorrelationID)
		return nil
	}
	if err != nil {
		return err
	}
	if conv.State != StateChoosingTime || conv.SlotRequestSentAt == nil {
		// Late or duplicate callback; the slot round already resolved.
		return nil
	}
	phone, ok := e.phoneFor(ctx, conv, resp.CorrelationID)
	if !ok {
		return nil
	}

	switch {
	case resp.Success && len(resp.AvailableSlots) > 0:
		data := conv.OrderData
		data.AvailableSlots = resp.AvailableSlots
		next, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: StateChoosingTime, To: StateChoosingTime,
			OrderData: &data, ClearSlotRequest: true,
		})
		if errors.Is(err, ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		e.send(ctx, next, phone, audit.TypeOutboundTime, SlotPrompt(resp.AvailableSlots, ""))
		return nil

	case resp.Success:
		// Empty slot list: back to location choice.
		locName := ""
		if conv.OrderData.SelectedLocation != nil {
			locName = conv.OrderData.SelectedLocation.Name
		}
		data := conv.OrderData
		data.SelectedLocation = nil
		data.AvailableSlots = nil
		next, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: StateChoosingTime, To: StateChoosingLocation,
			OrderData: &data, ClearSlotRequest: true,
		})
		if errors.Is(err, ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		e.sendLocationPrompt(ctx, next, phone, NoAvailabilityPreface(locName))
		return nil

	default:
		return e.retryOrFailSlotRequest(ctx, conv, phone)
	}
}

// retryOrFailSlotRequest reissues a failed or timed-out slot search while
// retries remain, otherwise ends the conversation with the neutral message.
func (e *Engine) retryOrFailSlotRequest(ctx context.Context, conv Conversation, phone string) error {
	if conv.SlotRetryCount < e.slotMaxRetries {
		next, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: StateChoosingTime, To: StateChoosingTime,
			IncrementSlotRetry: true, SetSlotRequestSentAt: true,
		})
		if errors.Is(err, ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		e.issueSlotRequest(ctx, next)
		return nil
	}
	if _, err := e.transition(ctx, TransitionParams{
		ID: conv.ID, From: conv.State, To: StateCancelled,
		MarkSlotFailed: true, SetCompleted: true,
	}); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	e.clearStrikes(conv.ID)
	e.send(ctx, conv, phone, audit.TypeOutboundError, PleaseCallMessage())
	return nil
}

// AppointmentPayload is the appointment block of an IE notification.
type AppointmentPayload struct {
	AppointmentID       string `json:"appointmentId"`
	FillerAppointmentID string `json:"fillerAppointmentId,omitempty"`
	DateTime            string `json:"dateTime"`
	LocationName        string `json:"locationName,omitempty"`
	Description         string `json:"description,omitempty"`
	Status              string `json:"status,omitempty"`
}

// AppointmentNotification is the IE's asynchronous booking outcome.
type AppointmentNotification struct {
	Action        string             `json:"action"`
	CorrelationID string             `json:"messageControlId,omitempty"`
	Patient       ie.Patient         `json:"patient"`
	OrderIDs      []string           `json:"orderIds"`
	Appointment   AppointmentPayload `json:"appointment"`
}

// HandleAppointmentNotification confirms, updates, or cancels the booked
// visit. A replayed new_appointment for an already-confirmed conversation
// with the same appointment id is a no-op.
func (e *Engine) HandleAppointmentNotification(ctx context.Context, n AppointmentNotification) error {
	conv, err := e.findByCorrelation(ctx, n.CorrelationID, n.Patient.MRN)
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("appointment notification matched no conversation",
			"correlation_id", n.CorrelationID, "action", n.Action)
		return nil
	}
	if err != nil {
		return err
	}

	switch n.Action {
	case "new_appointment":
		return e.confirmAppointment(ctx, conv, n)
	case "rescheduled", "modified", "cancelled":
		return e.updateAppointment(ctx, conv, n)
	default:
		e.logger.Warn("unknown appointment action", "action", n.Action, "conversation_id", conv.ID)
		return nil
	}
}

func (e *Engine) confirmAppointment(ctx context.Context, conv Conversation, n AppointmentNotification) error {
	if conv.State == StateConfirmed {
		if conv.OrderData.Appointment != nil &&
			conv.OrderData.Appointment.AppointmentID == n.Appointment.AppointmentID {
			return nil
		}
		e.logger.Warn("confirmed conversation received a different appointment",
			"conversation_id", conv.ID, "appointment_id", n.Appointment.AppointmentID)
		return nil
	}
	if conv.State.Terminal() {
		return nil
	}

	appt := Appointment{
		AppointmentID:       n.Appointment.AppointmentID,
		FillerAppointmentID: n.Appointment.FillerAppointmentID,
		Status:              "booked",
		StartAt:             n.Appointment.DateTime,
		LocationName:        n.Appointment.LocationName,
		Description:         n.Appointment.Description,
	}
	data := conv.OrderData
	data.Appointment = &appt
	data.BookingInFlight = false

	next, err := e.transition(ctx, TransitionParams{
		ID: conv.ID, From: conv.State, To: StateConfirmed,
		OrderData: &data, SetCompleted: true, ClearBookingRequest: true,
	})
	if errors.Is(err, ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	e.clearStrikes(conv.ID)

	phone, ok := e.phoneFor(ctx, next, n.CorrelationID)
	if !ok {
		return nil
	}
	e.send(ctx, next, phone, audit.TypeOutboundConfirmation, ConfirmationMessage(appt))

	if leftovers := next.OrderData.LeftoverOrders(); len(leftovers) > 0 {
		return e.startNextRound(ctx, next, phone, leftovers)
	}
	return nil
}

// startNextRound opens a fresh CHOOSING_LOCATION conversation for pending
// orders the confirmed appointment did not cover.
func (e *Engine) startNextRound(ctx context.Context, prev Conversation, phone string, leftovers []Order) error {
	var round Conversation
	for _, o := range leftovers {
		conv, _, err := e.store.CreateOrAppend(ctx, CreateOrAppendParams{
			PhoneHash:      prev.PhoneHash,
			PhoneEncrypted: prev.PhoneEncrypted,
			OrganizationID: prev.OrganizationID,
			Order:          o,
			InitialState:   StateChoosingLocation,
			TTL:            e.sessionTTL,
		})
		if err != nil {
			return fmt.Errorf("engine: open next round: %w", err)
		}
		round = conv
	}
	e.sendLocationPrompt(ctx, round, phone, "")
	return nil
}

func (e *Engine) updateAppointment(ctx context.Context, conv Conversation, n AppointmentNotification) error {
	if conv.OrderData.Appointment == nil {
		return nil
	}
	data := conv.OrderData
	appt := *data.Appointment
	switch n.Action {
	case "cancelled":
		appt.Status = "cancelled"
	default:
		appt.Status = "booked"
		if n.Appointment.DateTime != "" {
			appt.StartAt = n.Appointment.DateTime
		}
		if n.Appointment.LocationName != "" {
			appt.LocationName = n.Appointment.LocationName
		}
	}
	data.Appointment = &appt
	if _, err := e.transition(ctx, TransitionParams{
		ID: conv.ID, From: conv.State, To: conv.State, OrderData: &data,
	}); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	return nil
}

// HandleStuck is the stuck-session monitor's entry point for one overdue
// conversation. The caller holds the advisory lock.
func (e *Engine) HandleStuck(ctx context.Context, conv Conversation, slotSLA, bookingSLA time.Duration) error {
	if conv.State != StateChoosingTime {
		return nil
	}
	now := time.Now()
	if conv.BookingRequestedAt != nil && now.Sub(*conv.BookingRequestedAt) > bookingSLA {
		return e.retryOrFailBooking(ctx, conv)
	}
	if conv.SlotRequestSentAt != nil && now.Sub(*conv.SlotRequestSentAt) > slotSLA {
		phone, ok := e.phoneFor(ctx, conv, conv.ID.String())
		if !ok {
			return nil
		}
		return e.retryOrFailSlotRequest(ctx, conv, phone)
	}
	return nil
}

// retryOrFailBooking reissues an unanswered booking with the same idempotency
// key while retries remain, otherwise ends the conversation.
func (e *Engine) retryOrFailBooking(ctx context.Context, conv Conversation) error {
	if conv.BookingRetryCount < e.bookingMaxRetries {
		next, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: StateChoosingTime, To: StateChoosingTime,
			IncrementBookingTry: true, SetBookingRequested: true,
		})
		if errors.Is(err, ErrConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		e.issueBooking(ctx, next)
		return nil
	}
	if _, err := e.transition(ctx, TransitionParams{
		ID: conv.ID, From: conv.State, To: StateCancelled, SetCompleted: true,
	}); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}
	e.clearStrikes(conv.ID)
	phone, ok := e.phoneFor(ctx, conv, conv.ID.String())
	if !ok {
		return nil
	}
	e.send(ctx, conv, phone, audit.TypeOutboundError, PleaseCallMessage())
	return nil
}

// ResendPrompt re-sends the prompt for the conversation's current state, for
// admin recovery after an SMS outage.
func (e *Engine) ResendPrompt(ctx context.Context, id uuid.UUID, actor string) error {
	conv, err := e.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if conv.State.Terminal() {
		return fmt.Errorf("engine: conversation %s is terminal", id)
	}
	phone, ok := e.phoneFor(ctx, conv, id.String())
	if !ok {
		return ErrNotFound
	}
	e.audit(ctx, audit.Entry{
		PhoneHash:   conv.PhoneHash,
		MessageType: audit.TypeAdminAction,
		Direction:   audit.DirectionOut,
		SessionID:   conv.ID,
		Success:     true,
		Note:        "prompt re-sent by " + actor,
	})
	body, msgType := e.currentPrompt(conv, "")
	e.send(ctx, conv, phone, msgType, body)
	return nil
}

// ForceTransition is the admin override; it bypasses the CAS guard.
func (e *Engine) ForceTransition(ctx context.Context, id uuid.UUID, to State, actor string) (Conversation, error) {
	if !to.Valid() {
		return Conversation{}, fmt.Errorf("engine: invalid state %q", to)
	}
	conv, err := e.store.ForceState(ctx, id, to)
	if err != nil {
		return Conversation{}, err
	}
	if e.metrics != nil {
		e.metrics.ObserveTransition("forced", string(to))
	}
	e.audit(ctx, audit.Entry{
		PhoneHash:   conv.PhoneHash,
		MessageType: audit.TypeAdminAction,
		Direction:   audit.DirectionOut,
		SessionID:   conv.ID,
		Success:     true,
		Note:        fmt.Sprintf("forced transition to %s by %s", to, actor),
	})
	e.clearStrikes(conv.ID)
	return conv, nil
}

// strike counts an unrecognized or out-of-range reply. Three strikes at the
// same state end the conversation with the neutral message.
func (e *Engine) strike(ctx context.Context, conv Conversation, phone string) error {
	e.mu.Lock()
	sc := e.strikes[conv.ID]
	if sc == nil || sc.state != conv.State {
		sc = &strikeCounter{state: conv.State}
		e.strikes[conv.ID] = sc
	}
	sc.count++
	count := sc.count
	e.mu.Unlock()

	if count >= maxUnrecognizedReplies {
		if _, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: conv.State, To: StateCancelled, SetCompleted: true,
		}); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
		e.clearStrikes(conv.ID)
		e.send(ctx, conv, phone, audit.TypeOutboundError, PleaseCallMessage())
		return nil
	}

	body, msgType := e.currentPrompt(conv, e.strikePreface(conv))
	e.send(ctx, conv, phone, msgType, body)
	return nil
}

func (e *Engine) strikePreface(conv Conversation) string {
	switch conv.State {
	case StateChoosingLocation:
		return InvalidChoicePreface(len(e.locationChoices(conv)))
	case StateChoosingTime:
		return InvalidChoicePreface(len(conv.OrderData.AvailableSlots))
	default:
		return ReplyHintPreface(conv.State)
	}
}

// currentPrompt renders the prompt matching the conversation's state.
func (e *Engine) currentPrompt(conv Conversation, preface string) (string, audit.MessageType) {
	switch conv.State {
	case StateConsentPending:
		body := ConsentPrompt(conv.OrderData.AllOrders())
		if preface != "" {
			body = preface + " " + body
		}
		return body, audit.TypeOutboundConsentRequest
	case StateChoosingTime:
		if len(conv.OrderData.AvailableSlots) > 0 {
			return SlotPrompt(conv.OrderData.AvailableSlots, preface), audit.TypeOutboundTime
		}
		name := ""
		if conv.OrderData.SelectedLocation != nil {
			name = conv.OrderData.SelectedLocation.Name
		}
		return SearchingAck(name), audit.TypeOutboundTime
	default:
		return LocationPrompt(conv.OrderData.AllOrders(), e.locationChoices(conv), preface), audit.TypeOutboundLocation
	}
}

func (e *Engine) clearStrikes(id uuid.UUID) {
	e.mu.Lock()
	delete(e.strikes, id)
	e.mu.Unlock()
}

// ClearStrikes drops the in-memory strike counter for a conversation. The
// expiry sweeper calls it for sessions that end without a terminal reply, so
// counters for abandoned conversations do not accumulate.
func (e *Engine) ClearStrikes(id uuid.UUID) {
	e.clearStrikes(id)
}

// sendLocationPrompt fetches locations from the IE when the order carried
// none, then sends the menu.
func (e *Engine) sendLocationPrompt(ctx context.Context, conv Conversation, phone, preface string) {
	locations := e.locationChoices(conv)
	if len(locations) == 0 {
		fetched, err := e.scheduler.GetLocations(ctx, conv.OrderData.ActiveOrder.Modality)
		if err != nil {
			e.logger.Error("location fetch failed", "conversation_id", conv.ID, "error", err)
			e.send(ctx, conv, phone, audit.TypeOutboundError, PleaseCallMessage())
			return
		}
		locations = fetched
		data := conv.OrderData
		data.ActiveOrder.Locations = fetched
		if updated, err := e.transition(ctx, TransitionParams{
			ID: conv.ID, From: conv.State, To: conv.State, OrderData: &data,
		}); err == nil {
			conv = updated
		}
	}
	e.send(ctx, conv, phone, audit.TypeOutboundLocation, LocationPrompt(conv.OrderData.AllOrders(), locations, preface))
}

// transition wraps the store CAS and records the state-change metric.
func (e *Engine) transition(ctx context.Context, p TransitionParams) (Conversation, error) {
	next, err := e.store.Transition(ctx, p)
	if err != nil {
		return Conversation{}, err
	}
	if p.From != p.To && e.metrics != nil {
		e.metrics.ObserveTransition(string(p.From), string(p.To))
	}
	return next, nil
}

// phoneFor decrypts the conversation's phone. On failure it audits and logs
// the correlation id without changing state, per the callback failure policy.
func (e *Engine) phoneFor(ctx context.Context, conv Conversation, correlationID string) (string, bool) {
	phone, err := e.codec.Decrypt(conv.PhoneEncrypted)
	if err != nil {
		e.logger.Error("phone decryption failed", "correlation_id", correlationID, "conversation_id", conv.ID)
		e.audit(ctx, audit.Entry{
			PhoneHash:   conv.PhoneHash,
			MessageType: audit.TypeOutboundError,
			Direction:   audit.DirectionOut,
			SessionID:   conv.ID,
			Success:     false,
			ErrorCode:   "DECRYPT_FAILED",
		})
		return "", false
	}
	return phone, true
}

// audit records one entry through the configured sink, logging rather than
// propagating failures.
func (e *Engine) audit(ctx context.Context, entry audit.Entry) {
	if e.auditor == nil {
		return
	}
	if _, err := e.auditor.Record(ctx, entry); err != nil {
		e.logger.Error("audit write failed", "error", err, "phone_hash", entry.PhoneHash)
	}
}

// send dispatches one SMS, logging rather than propagating failures: the
// dispatcher has already audited the outcome and state-driven retries cover
// recovery.
func (e *Engine) send(ctx context.Context, conv Conversation, phone string, msgType audit.MessageType, body string) {
	if phone == "" {
		return
	}
	req := messaging.DispatchRequest{
		OrgID:       conv.OrganizationID,
		To:          phone,
		Body:        body,
		MessageType: msgType,
		SessionID:   conv.ID,
	}
	if _, err := e.sender.Dispatch(ctx, req); err != nil {
		e.logger.Error("outbound send failed",
			"conversation_id", conv.ID, "message_type", string(msgType), "error", err)
	}
}

// findByCorrelation matches an IE callback to a conversation: correlation id
// first, live-conversation-by-MRN as fallback.
func (e *Engine) findByCorrelation(ctx context.Context, correlationID, mrn string) (Conversation, error) {
	if correlationID != "" {
		if id, err := uuid.Parse(correlationID); err == nil {
			conv, err := e.store.GetByID(ctx, id)
			if err == nil {
				return conv, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return Conversation{}, err
			}
		}
	}
	if mrn != "" {
		return e.store.ActiveByMRN(ctx, mrn)
	}
	return Conversation{}, ErrNotFound
}

// aggregateDuration applies the per-modality rule over the orders booked in
// one visit. Unset durations count as the default exam length.
func (e *Engine) aggregateDuration(orders []Order) int {
	if len(orders) == 0 {
		return defaultDurationMinutes
	}
	rule := "sum"
	if r, ok := e.durationRules[orders[0].Modality]; ok {
		rule = r
	}
	total := 0
	max := 0
	for _, o := range orders {
		d := o.DurationMinutes
		if d <= 0 {
			d = defaultDurationMinutes
		}
		total += d
		if d > max {
			max = d
		}
	}
	if rule == "max" {
		return max
	}
	return total
}

func orderIDs(orders []Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.OrderID)
	}
	return out
}

func selectedLocationID(conv Conversation) string {
	if conv.OrderData.SelectedLocation != nil {
		return conv.OrderData.SelectedLocation.ID
	}
	return ""
}
