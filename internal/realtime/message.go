package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType tags a frame received over the persistent connection.
type MessageType string

const (
	MessageTypeReservationCreate    MessageType = "reservation_create"
	MessageTypeReservationUpdate    MessageType = "reservation_update"
	MessageTypeReservationCancel    MessageType = "reservation_cancel"
	MessageTypeReservationReinstate MessageType = "reservation_reinstate"
	MessageTypeConversationMessage  MessageType = "conversation_new_message"
	MessageTypeVacationUpdated      MessageType = "vacation_period_updated"
	MessageTypeVacationAck          MessageType = "vacation_update_ack"
	MessageTypeVacationNack         MessageType = "vacation_update_nack"
	MessageTypeConversationTyping   MessageType = "conversation_typing"
	MessageTypeTypingAck            MessageType = "typing_ack"
	MessageTypeTypingNack           MessageType = "typing_nack"
	MessageTypeNotificationsHistory MessageType = "notifications_history"
	MessageTypeDocumentUpdated      MessageType = "customer_document_updated"
	MessageTypeSnapshot             MessageType = "snapshot"

	// MessageTypeUnknown marks a frame whose tag is not part of the recognized set.
	MessageTypeUnknown MessageType = ""
)

var knownMessageTypes = map[MessageType]struct{}{
	MessageTypeReservationCreate:    {},
	MessageTypeReservationUpdate:    {},
	MessageTypeReservationCancel:    {},
	MessageTypeReservationReinstate: {},
	MessageTypeConversationMessage:  {},
	MessageTypeVacationUpdated:      {},
	MessageTypeVacationAck:          {},
	MessageTypeVacationNack:         {},
	MessageTypeConversationTyping:   {},
	MessageTypeTypingAck:            {},
	MessageTypeTypingNack:           {},
	MessageTypeNotificationsHistory: {},
	MessageTypeDocumentUpdated:      {},
	MessageTypeSnapshot:             {},
}

// IsKnown reports whether the tag belongs to the recognized set.
func (t MessageType) IsKnown() bool {
	_, ok := knownMessageTypes[t]
	return ok
}

// IsReservation reports whether the tag mutates a reservation record.
func (t MessageType) IsReservation() bool {
	switch t {
	case MessageTypeReservationCreate, MessageTypeReservationUpdate,
		MessageTypeReservationCancel, MessageTypeReservationReinstate:
		return true
	default:
		return false
	}
}

// IsAck reports whether the tag is a positive or negative acknowledgment.
func (t MessageType) IsAck() bool {
	switch t {
	case MessageTypeVacationAck, MessageTypeVacationNack, MessageTypeTypingAck, MessageTypeTypingNack:
		return true
	default:
		return false
	}
}

// IsNack reports whether the tag is a negative acknowledgment.
func (t MessageType) IsNack() bool {
	return t == MessageTypeVacationNack || t == MessageTypeTypingNack
}

var (
	// ErrMalformedFrame indicates that a frame could not be decoded into an envelope.
	ErrMalformedFrame = errors.New("realtime: malformed frame")
	// ErrUnrecognizedType indicates that a frame carried a tag outside the recognized set.
	ErrUnrecognizedType = errors.New("realtime: unrecognized message type")
	// ErrInvalidPayload indicates that a frame's data did not match its tag.
	ErrInvalidPayload = errors.New("realtime: invalid payload")
)

// Message is one decoded frame.
type Message struct {
	Type             MessageType
	Timestamp        string
	Time             time.Time
	Data             json.RawMessage
	AffectedEntities []string
}

type wireEnvelope struct {
	Type             string          `json:"type"`
	Timestamp        string          `json:"timestamp"`
	Data             json.RawMessage `json:"data"`
	AffectedEntities []string        `json:"affected_entities,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts ISO-8601 timestamps with or without a zone. Zoneless values are read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrMalformedFrame)
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, trimmed)
		if err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedFrame, trimmed)
}

// ParseMessage decodes a raw frame. Unknown tags return ErrUnrecognizedType together with the
// decoded envelope so callers may log it before dropping.
func ParseMessage(raw []byte) (Message, error) {
	var envelope wireEnvelope
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&envelope); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	messageType := MessageType(strings.TrimSpace(envelope.Type))
	if messageType == MessageTypeUnknown {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	parsedTime, err := ParseTimestamp(envelope.Timestamp)
	if err != nil {
		return Message{}, err
	}
	data := envelope.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = json.RawMessage("{}")
	}
	message := Message{
		Type:             messageType,
		Timestamp:        strings.TrimSpace(envelope.Timestamp),
		Time:             parsedTime,
		Data:             data,
		AffectedEntities: envelope.AffectedEntities,
	}
	if !messageType.IsKnown() {
		return message, fmt.Errorf("%w: %s", ErrUnrecognizedType, envelope.Type)
	}
	return message, nil
}

// MarshalJSON renders the message in its wire envelope form.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:             string(m.Type),
		Timestamp:        m.Timestamp,
		Data:             m.Data,
		AffectedEntities: m.AffectedEntities,
	})
}

// Key identifies the logical change carried by a message: type, primary entity and timestamp.
func (m Message) Key() string {
	return fmt.Sprintf("%s|%s|%s", m.Type, m.EntityID(), m.Timestamp)
}

// EntityID returns the primary entity the message touches, if any.
func (m Message) EntityID() string {
	if len(m.AffectedEntities) > 0 {
		return m.AffectedEntities[0]
	}
	var ids struct {
		ID   FlexibleID `json:"id"`
		WaID FlexibleID `json:"wa_id"`
	}
	if err := json.Unmarshal(m.Data, &ids); err != nil {
		return ""
	}
	if ids.ID != "" {
		return ids.ID.String()
	}
	return ids.WaID.String()
}

// CustomerID returns the customer identifier carried in the payload, if any.
func (m Message) CustomerID() string {
	var ids struct {
		WaID FlexibleID `json:"wa_id"`
	}
	if err := json.Unmarshal(m.Data, &ids); err != nil {
		return ""
	}
	return ids.WaID.String()
}

// Decode unmarshals the message data into target.
func (m Message) Decode(target any) error {
	if err := json.Unmarshal(m.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Type, err)
	}
	return nil
}

// FlexibleID accepts identifiers sent either as JSON strings or numbers.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexibleID) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*id = FlexibleID(strings.TrimSpace(value))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(number.String(), 64); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*id = FlexibleID(number.String())
	return nil
}

// String returns the identifier text.
func (id FlexibleID) String() string {
	return string(id)
}

// ReservationPayload is the data of reservation_* frames.
type ReservationPayload struct {
	ID              FlexibleID `json:"id"`
	WaID            FlexibleID `json:"wa_id"`
	CustomerName    string     `json:"customer_name,omitempty"`
	Date            string     `json:"date,omitempty"`
	TimeSlot        string     `json:"time_slot,omitempty"`
	ReservationType *int       `json:"type,omitempty"`
}

// ConversationPayload is the data of conversation_new_message frames.
type ConversationPayload struct {
	ID           string     `json:"id,omitempty"`
	WaID         FlexibleID `json:"wa_id"`
	CustomerName string     `json:"customer_name,omitempty"`
	Role         string     `json:"role"`
	Message      string     `json:"message"`
	Date         string     `json:"date,omitempty"`
	Time         string     `json:"time,omitempty"`
}

// VacationPayload is the data of vacation_period_updated and vacation_update_ack frames. A nil
// Periods means the frame carried no list.
type VacationPayload struct {
	Periods *[]VacationPeriod `json:"periods"`
}

// TypingPayload is the data of conversation_typing frames.
type TypingPayload struct {
	WaID   FlexibleID `json:"wa_id"`
	Typing bool       `json:"typing"`
}

// AckPayload is the data of *_ack and *_nack frames.
type AckPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Reason returns the best available failure description.
func (p AckPayload) Reason() string {
	if strings.TrimSpace(p.Error) != "" {
		return p.Error
	}
	return p.Message
}

// HistoryPayload is the data of notifications_history frames.
type HistoryPayload struct {
	Items []HistoryItem `json:"items"`
}

// HistoryItem is one previously delivered notification replayed by the server.
type HistoryItem struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Unread    bool            `json:"unread"`
}

// DocumentPayload is the data of customer_document_updated frames.
type DocumentPayload struct {
	WaID FlexibleID `json:"wa_id"`
}

// SnapshotPayload is the data of snapshot frames.
type SnapshotPayload struct {
	Reservations  map[string][]Reservation         `json:"reservations"`
	Conversations map[string][]ConversationMessage `json:"conversations"`
	Vacations     []VacationPeriod                 `json:"vacations"`
}
