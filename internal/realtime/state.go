package realtime

import "fmt"

// Reservation is one reservation record held for a customer.
type Reservation struct {
	ID              FlexibleID `json:"id"`
	WaID            FlexibleID `json:"wa_id"`
	CustomerName    string     `json:"customer_name,omitempty"`
	Date            string     `json:"date,omitempty"`
	TimeSlot        string     `json:"time_slot,omitempty"`
	ReservationType *int       `json:"type,omitempty"`
	Cancelled       bool       `json:"cancelled"`
	UpdatedAt       string     `json:"updated_at,omitempty"`
}

// ConversationMessage is one chat message in a customer's transcript.
type ConversationMessage struct {
	ID         string     `json:"id,omitempty"`
	WaID       FlexibleID `json:"wa_id"`
	Role       string     `json:"role"`
	Message    string     `json:"message"`
	Date       string     `json:"date,omitempty"`
	Time       string     `json:"time,omitempty"`
	ReceivedAt string     `json:"received_at,omitempty"`
}

func (m ConversationMessage) dedupKey() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	return fmt.Sprintf("at:%s|%s|%s", m.ReceivedAt, m.Role, m.Message)
}

// VacationPeriod is an immutable vacation window.
type VacationPeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Title string `json:"title,omitempty"`
}

// State is an immutable snapshot of the realtime projection. Apply never mutates its input; the
// maps and slices of a published State must be treated as read-only.
type State struct {
	Reservations  map[string][]Reservation         `json:"reservations"`
	Conversations map[string][]ConversationMessage `json:"conversations"`
	Vacations     []VacationPeriod                 `json:"vacations"`
	IsConnected   bool                             `json:"isConnected"`
	LastUpdate    *string                          `json:"lastUpdate"`
}

// NewState returns an empty projection.
func NewState() *State {
	return &State{
		Reservations:  map[string][]Reservation{},
		Conversations: map[string][]ConversationMessage{},
		Vacations:     []VacationPeriod{},
	}
}

func (s *State) clone() *State {
	next := *s
	next.Reservations = make(map[string][]Reservation, len(s.Reservations))
	for customer, records := range s.Reservations {
		next.Reservations[customer] = records
	}
	next.Conversations = make(map[string][]ConversationMessage, len(s.Conversations))
	for customer, messages := range s.Conversations {
		next.Conversations[customer] = messages
	}
	return &next
}

// WithConnected returns a copy of the state carrying the connectivity flag, or the same state when
// the flag is unchanged.
func (s *State) WithConnected(connected bool) *State {
	if s.IsConnected == connected {
		return s
	}
	next := *s
	next.IsConnected = connected
	return &next
}

// Reservation looks up a reservation by identifier across all customers.
func (s *State) Reservation(id string) (Reservation, bool) {
	for _, records := range s.Reservations {
		for _, record := range records {
			if record.ID.String() == id {
				return record, true
			}
		}
	}
	return Reservation{}, false
}

// Apply folds a message into the state and returns the resulting snapshot. When the message does
// not touch the projection (typing, acks of other families, history, documents, nacks) the input
// pointer is returned unchanged.
func Apply(state *State, message Message) (*State, error) {
	if state == nil {
		state = NewState()
	}
	switch message.Type {
	case MessageTypeReservationCreate, MessageTypeReservationUpdate, MessageTypeReservationReinstate:
		return applyReservationUpsert(state, message)
	case MessageTypeReservationCancel:
		return applyReservationCancel(state, message)
	case MessageTypeConversationMessage:
		return applyConversationMessage(state, message)
	case MessageTypeVacationUpdated, MessageTypeVacationAck:
		return applyVacations(state, message)
	case MessageTypeSnapshot:
		return applySnapshot(state, message)
	default:
		return state, nil
	}
}

func applyReservationUpsert(state *State, message Message) (*State, error) {
	var payload ReservationPayload
	if err := message.Decode(&payload); err != nil {
		return state, err
	}
	if payload.ID == "" {
		return state, fmt.Errorf("%w: %s requires id", ErrInvalidPayload, message.Type)
	}
	owner, existing, found := findReservation(state, payload.ID.String())
	customer := payload.WaID.String()
	if customer == "" {
		if !found {
			return state, fmt.Errorf("%w: %s requires wa_id for unknown reservation", ErrInvalidPayload, message.Type)
		}
		customer = owner
	}

	record := Reservation{
		ID:              payload.ID,
		WaID:            FlexibleID(customer),
		CustomerName:    payload.CustomerName,
		Date:            payload.Date,
		TimeSlot:        payload.TimeSlot,
		ReservationType: payload.ReservationType,
		UpdatedAt:       message.Timestamp,
	}
	if found {
		record = mergeReservation(existing, record, message.Type != MessageTypeReservationUpdate)
	}

	next := state.clone()
	if found && owner != customer {
		remaining := removeReservation(state.Reservations[owner], payload.ID.String())
		if len(remaining) == 0 {
			delete(next.Reservations, owner)
		} else {
			next.Reservations[owner] = remaining
		}
	}
	next.Reservations[customer] = replaceOrAppendReservation(state.Reservations[customer], record)
	next.LastUpdate = stringPointer(message.Timestamp)
	return next, nil
}

func applyReservationCancel(state *State, message Message) (*State, error) {
	var payload ReservationPayload
	if err := message.Decode(&payload); err != nil {
		return state, err
	}
	if payload.ID == "" {
		return state, fmt.Errorf("%w: %s requires id", ErrInvalidPayload, message.Type)
	}
	customer := payload.WaID.String()
	records := state.Reservations[customer]
	index := indexOfReservation(records, payload.ID.String())
	if index < 0 {
		owner, _, ok := findReservation(state, payload.ID.String())
		if !ok {
			next := state.clone()
			next.LastUpdate = stringPointer(message.Timestamp)
			return next, nil
		}
		customer = owner
		records = state.Reservations[owner]
		index = indexOfReservation(records, payload.ID.String())
	}

	updated := make([]Reservation, len(records))
	copy(updated, records)
	updated[index].Cancelled = true
	updated[index].UpdatedAt = message.Timestamp

	next := state.clone()
	next.Reservations[customer] = updated
	next.LastUpdate = stringPointer(message.Timestamp)
	return next, nil
}

func applyConversationMessage(state *State, message Message) (*State, error) {
	var payload ConversationPayload
	if err := message.Decode(&payload); err != nil {
		return state, err
	}
	customer := payload.WaID.String()
	if customer == "" {
		return state, fmt.Errorf("%w: %s requires wa_id", ErrInvalidPayload, message.Type)
	}
	entry := ConversationMessage{
		ID:         payload.ID,
		WaID:       payload.WaID,
		Role:       payload.Role,
		Message:    payload.Message,
		Date:       payload.Date,
		Time:       payload.Time,
		ReceivedAt: message.Timestamp,
	}
	transcript := state.Conversations[customer]
	key := entry.dedupKey()
	for _, existing := range transcript {
		if existing.dedupKey() == key {
			return state, nil
		}
	}

	appended := make([]ConversationMessage, len(transcript), len(transcript)+1)
	copy(appended, transcript)
	appended = append(appended, entry)

	next := state.clone()
	next.Conversations[customer] = appended
	next.LastUpdate = stringPointer(message.Timestamp)
	return next, nil
}

func applyVacations(state *State, message Message) (*State, error) {
	var payload VacationPayload
	if err := message.Decode(&payload); err != nil {
		return state, err
	}
	next := state.clone()
	if payload.Periods != nil {
		periods := make([]VacationPeriod, len(*payload.Periods))
		copy(periods, *payload.Periods)
		next.Vacations = periods
	}
	next.LastUpdate = stringPointer(message.Timestamp)
	return next, nil
}

func applySnapshot(state *State, message Message) (*State, error) {
	var payload SnapshotPayload
	if err := message.Decode(&payload); err != nil {
		return state, err
	}
	next := NewState()
	for customer, records := range payload.Reservations {
		next.Reservations[customer] = append([]Reservation(nil), records...)
	}
	for customer, messages := range payload.Conversations {
		next.Conversations[customer] = append([]ConversationMessage(nil), messages...)
	}
	if payload.Vacations != nil {
		next.Vacations = append([]VacationPeriod(nil), payload.Vacations...)
	}
	next.IsConnected = state.IsConnected
	next.LastUpdate = stringPointer(message.Timestamp)
	return next, nil
}

// mergeReservation overlays the non-empty fields of incoming onto existing. Creates and reinstates
// revive a cancelled record; plain updates keep its cancellation flag.
func mergeReservation(existing, incoming Reservation, revive bool) Reservation {
	merged := existing
	merged.WaID = incoming.WaID
	merged.UpdatedAt = incoming.UpdatedAt
	if revive {
		merged.Cancelled = false
	}
	if incoming.CustomerName != "" {
		merged.CustomerName = incoming.CustomerName
	}
	if incoming.Date != "" {
		merged.Date = incoming.Date
	}
	if incoming.TimeSlot != "" {
		merged.TimeSlot = incoming.TimeSlot
	}
	if incoming.ReservationType != nil {
		merged.ReservationType = incoming.ReservationType
	}
	return merged
}

func replaceOrAppendReservation(records []Reservation, record Reservation) []Reservation {
	index := indexOfReservation(records, record.ID.String())
	if index < 0 {
		appended := make([]Reservation, len(records), len(records)+1)
		copy(appended, records)
		return append(appended, record)
	}
	updated := make([]Reservation, len(records))
	copy(updated, records)
	updated[index] = record
	return updated
}

func removeReservation(records []Reservation, id string) []Reservation {
	kept := make([]Reservation, 0, len(records))
	for _, record := range records {
		if record.ID.String() != id {
			kept = append(kept, record)
		}
	}
	return kept
}

func indexOfReservation(records []Reservation, id string) int {
	for index, record := range records {
		if record.ID.String() == id {
			return index
		}
	}
	return -1
}

func findReservation(state *State, id string) (string, Reservation, bool) {
	for customer, records := range state.Reservations {
		if index := indexOfReservation(records, id); index >= 0 {
			return customer, records[index], true
		}
	}
	return "", Reservation{}, false
}

func stringPointer(value string) *string {
	v := value
	return &v
}
