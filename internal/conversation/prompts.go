package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/arclighthealth/radsched/internal/ie"
)

// Prompt rendering. These are the only SMS bodies the system ever sends;
// bodies are never logged or audited, so the copy lives here in one place.

// ConsentPrompt invites the patient to self-schedule. With multiple orders it
// acknowledges the count so a re-sent prompt reflects newly queued orders.
func ConsentPrompt(orders []Order) string {
	if len(orders) == 1 {
		return fmt.Sprintf(
			"Reply YES to schedule your %s, or NO to decline. Msg&data rates may apply. Reply STOP to opt out.",
			orderLabel(orders[0]),
		)
	}
	return fmt.Sprintf(
		"Reply YES to schedule your %d orders (%s), or NO to decline. Msg&data rates may apply. Reply STOP to opt out.",
		len(orders), joinLabels(orders),
	)
}

// LocationPrompt lists the selectable imaging sites as a numbered menu.
func LocationPrompt(orders []Order, locations []ie.Location, preface string) string {
	var b strings.Builder
	if preface != "" {
		b.WriteString(preface)
		b.WriteString(" ")
	}
	b.WriteString(fmt.Sprintf("Where would you like your %s? Reply with a number: ", joinLabels(orders)))
	for i, loc := range locations {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(fmt.Sprintf("%d) %s", i+1, loc.Name))
	}
	return b.String()
}

// SlotPrompt lists available times as a numbered menu.
func SlotPrompt(slots []ie.Slot, preface string) string {
	var b strings.Builder
	if preface != "" {
		b.WriteString(preface)
		b.WriteString(" ")
	}
	b.WriteString("Reply with a number to pick a time: ")
	for i, s := range slots {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(fmt.Sprintf("%d) %s", i+1, formatSlotTime(s.StartAt)))
	}
	return b.String()
}

// SearchingAck is sent right after a slot request goes out.
func SearchingAck(locationName string) string {
	return fmt.Sprintf("Searching for times at %s…", locationName)
}

// ConfirmationMessage confirms the booked visit, quoting the filler
// appointment id the front desk can look up.
func ConfirmationMessage(appt Appointment) string {
	ref := appt.FillerAppointmentID
	if ref == "" {
		ref = appt.AppointmentID
	}
	msg := fmt.Sprintf("You're booked for %s", formatSlotTime(appt.StartAt))
	if appt.LocationName != "" {
		msg += " at " + appt.LocationName
	}
	return msg + fmt.Sprintf(". Confirmation %s. Reply STOP to opt out.", ref)
}

// BookingPendingAck answers replies that arrive while a booking request is
// still outstanding.
func BookingPendingAck() string {
	return "We're booking your appointment now. You'll receive a confirmation text shortly."
}

// OptOutAck is the single acknowledgement after STOP; carrier rules require
// one final confirmation and then silence.
func OptOutAck() string {
	return "You have been unsubscribed and will receive no further messages. Call your imaging center to schedule."
}

// HelpMessage answers the carrier-mandated HELP keyword.
func HelpMessage() string {
	return "This number sends appointment scheduling texts for your imaging orders. Reply STOP to opt out, or call your imaging center for assistance."
}

// PleaseCallMessage is the single neutral terminal message for every failure
// mode. Distinct failures collapse to the same copy so the text channel never
// reveals which internal step broke.
func PleaseCallMessage() string {
	return "We're unable to complete this by text right now. Please call your imaging center to schedule."
}

// NoAvailabilityPreface prefixes a re-sent location menu after an empty slot
// search.
func NoAvailabilityPreface(locationName string) string {
	return fmt.Sprintf("No availability at %s. Choose another:", locationName)
}

// InvalidChoicePreface prefixes a re-sent menu after an out-of-range digit.
func InvalidChoicePreface(optionCount int) string {
	return fmt.Sprintf("Sorry, that wasn't one of the options. Please reply with a number from 1 to %d.", optionCount)
}

// ReplyHintPreface prefixes a re-sent prompt after an unrecognized reply.
func ReplyHintPreface(state State) string {
	switch state {
	case StateConsentPending:
		return "Sorry, we didn't understand that. Please reply with YES or NO."
	default:
		return "Sorry, we didn't understand that. Please reply with a number from the list."
	}
}

func orderLabel(o Order) string {
	if o.Description != "" {
		return o.Description
	}
	if o.Modality != "" {
		return o.Modality + " exam"
	}
	return "imaging exam"
}

func joinLabels(orders []Order) string {
	labels := make([]string, 0, len(orders))
	for _, o := range orders {
		labels = append(labels, orderLabel(o))
	}
	return strings.Join(labels, ", ")
}

var slotTimeLayouts = []string{
	"2006-01-02T15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// formatSlotTime renders an IE timestamp as "Mon Feb 2 9:00 AM". Unparseable
// values pass through verbatim rather than dropping the option.
func formatSlotTime(startAt string) string {
	for _, layout := range slotTimeLayouts {
		if t, err := time.Parse(layout, startAt); err == nil {
			return t.Format("Mon Jan 2 3:04 PM")
		}
	}
	return startAt
}
