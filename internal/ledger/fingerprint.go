package ledger

import (
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/cespare/xxhash/v2"
)

// Reservation actions used in fingerprints.
const (
	ActionCreate    = "create"
	ActionModify    = "modify"
	ActionCancel    = "cancel"
	ActionReinstate = "reinstate"
)

// ReservationSlot joins a reservation's date and time slot into the slot component of a fingerprint.
func ReservationSlot(date, timeSlot string) string {
	return strings.TrimSpace(strings.TrimSpace(date) + " " + strings.TrimSpace(timeSlot))
}

// ReservationFingerprint identifies a reservation mutation, e.g. "reservation:modify:R1:2026-03-05 09:00".
// An empty slot yields the coarse form "reservation:modify:R1".
func ReservationFingerprint(action, id, slot string) string {
	base := "reservation:" + action + ":" + strings.TrimSpace(id)
	if slot = strings.TrimSpace(slot); slot != "" {
		return base + ":" + slot
	}
	return base
}

// CreationFingerprint identifies a reservation being created, before the server has assigned its id.
// An empty slot yields the coarse form "reservation:new:C1".
func CreationFingerprint(waID, slot string) string {
	base := "reservation:new:" + strings.TrimSpace(waID)
	if slot = strings.TrimSpace(slot); slot != "" {
		return base + ":" + slot
	}
	return base
}

// ReservationMarks returns the fingerprints an outbound reservation mutation registers: the fine form
// when both date and time are known, then the coarse form.
func ReservationMarks(action, id, date, timeSlot string) []string {
	marks := make([]string, 0, 2)
	if strings.TrimSpace(date) != "" && strings.TrimSpace(timeSlot) != "" {
		marks = append(marks, ReservationFingerprint(action, id, ReservationSlot(date, timeSlot)))
	}
	return append(marks, ReservationFingerprint(action, id, ""))
}

// CreationMarks is ReservationMarks for a reservation that has no id yet.
func CreationMarks(waID, date, timeSlot string) []string {
	marks := make([]string, 0, 2)
	if strings.TrimSpace(date) != "" && strings.TrimSpace(timeSlot) != "" {
		marks = append(marks, CreationFingerprint(waID, ReservationSlot(date, timeSlot)))
	}
	return append(marks, CreationFingerprint(waID, ""))
}

// VacationFingerprint identifies a vacation list replacement.
func VacationFingerprint() string {
	return "vacation:update"
}

// TypingFingerprint identifies an outbound typing indicator for a customer.
func TypingFingerprint(waID string) string {
	return "typing:" + strings.TrimSpace(waID)
}

// ConversationFingerprint identifies an outbound chat message by customer and text digest.
func ConversationFingerprint(waID, message string) string {
	digest := strconv.FormatUint(xxhash.Sum64String(strings.TrimSpace(message)), 16)
	return "conversation:send:" + strings.TrimSpace(waID) + ":" + digest
}

// ReservationAction maps a reservation message type to its fingerprint action.
func ReservationAction(messageType realtime.MessageType) (string, bool) {
	switch messageType {
	case realtime.MessageTypeReservationCreate:
		return ActionCreate, true
	case realtime.MessageTypeReservationUpdate:
		return ActionModify, true
	case realtime.MessageTypeReservationCancel:
		return ActionCancel, true
	case realtime.MessageTypeReservationReinstate:
		return ActionReinstate, true
	default:
		return "", false
	}
}

// MessageFingerprints derives the candidate fingerprints of an inbound message, most specific first.
func MessageFingerprints(message realtime.Message) []string {
	switch {
	case message.Type.IsReservation():
		var payload realtime.ReservationPayload
		if err := message.Decode(&payload); err != nil || payload.ID == "" {
			return nil
		}
		action, _ := ReservationAction(message.Type)
		slot := ReservationSlot(payload.Date, payload.TimeSlot)
		candidates := make([]string, 0, 4)
		if slot != "" {
			candidates = append(candidates, ReservationFingerprint(action, payload.ID.String(), slot))
		}
		candidates = append(candidates, ReservationFingerprint(action, payload.ID.String(), ""))
		if message.Type == realtime.MessageTypeReservationCreate && payload.WaID != "" {
			if slot != "" {
				candidates = append(candidates, CreationFingerprint(payload.WaID.String(), slot))
			}
			candidates = append(candidates, CreationFingerprint(payload.WaID.String(), ""))
		}
		return candidates
	case message.Type == realtime.MessageTypeVacationUpdated:
		return []string{VacationFingerprint()}
	case message.Type == realtime.MessageTypeConversationTyping:
		var payload realtime.TypingPayload
		if err := message.Decode(&payload); err != nil || payload.WaID == "" {
			return nil
		}
		return []string{TypingFingerprint(payload.WaID.String())}
	case message.Type == realtime.MessageTypeConversationMessage:
		var payload realtime.ConversationPayload
		if err := message.Decode(&payload); err != nil || payload.WaID == "" {
			return nil
		}
		return []string{ConversationFingerprint(payload.WaID.String(), payload.Message)}
	default:
		return nil
	}
}
