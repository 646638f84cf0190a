// Package conversation holds the scheduling state machine: the domain model,
// the Postgres store, the inbound reply parser, the SMS prompt rendering, and
// the engine that drives a patient from consent to a confirmed appointment.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/arclighthealth/radsched/internal/ie"
)

// State is the top-level conversation state. Terminal states never transition
// again; the partial unique index on phone_hash only covers non-terminal rows,
// so a patient can have at most one live conversation.
type State string

const (
	StateConsentPending    State = "CONSENT_PENDING"
	StateChoosingLocation  State = "CHOOSING_LOCATION"
	StateChoosingTime      State = "CHOOSING_TIME"
	StateCoordinatorReview State = "COORDINATOR_REVIEW"
	StateConfirmed         State = "CONFIRMED"
	StateCancelled         State = "CANCELLED"
	StateExpired           State = "EXPIRED"
)

// Terminal reports whether the state ends the conversation.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known state. Used when admins force a
// transition.
func (s State) Valid() bool {
	switch s {
	case StateConsentPending, StateChoosingLocation, StateChoosingTime,
		StateCoordinatorReview, StateConfirmed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// Order is one imaging order awaiting scheduling.
type Order struct {
	OrderID          string          `json:"orderId"`
	OrderGroupID     string          `json:"orderGroupId,omitempty"`
	Modality         string          `json:"modality"`
	Description      string          `json:"description,omitempty"`
	Priority         string          `json:"priority,omitempty"`
	DurationMinutes  int             `json:"durationMinutes,omitempty"`
	OrderingPractice string          `json:"orderingPractice,omitempty"`
	Patient          ie.Patient      `json:"patient"`
	Locations        []ie.Location   `json:"locations,omitempty"`
	PatientContext   json.RawMessage `json:"patientContext,omitempty"`
	ReceivedAt       time.Time       `json:"receivedAt"`
}

// Appointment is the booked visit as reported by the RIS.
type Appointment struct {
	AppointmentID       string `json:"appointmentId"`
	FillerAppointmentID string `json:"fillerAppointmentId,omitempty"`
	Status              string `json:"status"`
	StartAt             string `json:"startAt"`
	LocationName        string `json:"locationName,omitempty"`
	Description         string `json:"description,omitempty"`
}

// OrderData is the JSONB working document of a conversation. ActiveOrder is
// the order (plus any same-modality companions) currently being walked
// through the flow; PendingOrders wait for the next round.
type OrderData struct {
	ActiveOrder      Order        `json:"activeOrder"`
	PendingOrders    []Order      `json:"pendingOrders,omitempty"`
	SelectedLocation *ie.Location `json:"selectedLocation,omitempty"`
	AvailableSlots   []ie.Slot    `json:"availableSlots,omitempty"`
	SelectedSlot     *ie.Slot     `json:"selectedSlot,omitempty"`
	Appointment      *Appointment `json:"appointment,omitempty"`
	BookingInFlight  bool         `json:"bookingInFlight,omitempty"`
}

// AllOrders returns the active order followed by the pending ones.
func (d OrderData) AllOrders() []Order {
	out := make([]Order, 0, 1+len(d.PendingOrders))
	out = append(out, d.ActiveOrder)
	out = append(out, d.PendingOrders...)
	return out
}

// HasOrder reports whether an order id is already tracked, active or pending.
func (d OrderData) HasOrder(orderID string) bool {
	if d.ActiveOrder.OrderID == orderID {
		return true
	}
	for _, o := range d.PendingOrders {
		if o.OrderID == orderID {
			return true
		}
	}
	return false
}

// BookableOrders returns the orders a single appointment covers: the active
// order plus pending orders sharing its modality.
func (d OrderData) BookableOrders() []Order {
	out := []Order{d.ActiveOrder}
	for _, o := range d.PendingOrders {
		if o.Modality == d.ActiveOrder.Modality {
			out = append(out, o)
		}
	}
	return out
}

// LeftoverOrders returns pending orders NOT covered by the active order's
// appointment, i.e. different-modality orders that need their own round.
func (d OrderData) LeftoverOrders() []Order {
	var out []Order
	for _, o := range d.PendingOrders {
		if o.Modality != d.ActiveOrder.Modality {
			out = append(out, o)
		}
	}
	return out
}

// Conversation mirrors one row of the conversations table.
type Conversation struct {
	ID                  uuid.UUID
	PhoneHash           string
	PhoneEncrypted      string
	OrganizationID      string
	State               State
	OrderData           OrderData
	SlotRequestSentAt   *time.Time
	SlotRetryCount      int
	SlotRequestFailedAt *time.Time
	BookingRequestedAt  *time.Time
	BookingRetryCount   int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpiresAt           time.Time
	CompletedAt         *time.Time
}
