package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const (
	dayLayout      = "2006-01-02"
	previewLength  = 80
	meterName      = "calendarsync/notifications"
	suppressedName = "calendarsync.notifications.suppressed"
)

var errMissingLocalizer = errors.New("notifications: localizer is required")

// Item is one notification in the feed.
type Item struct {
	ID         string               `json:"id"`
	Text       string               `json:"text"`
	Timestamp  int64                `json:"timestamp"`
	Unread     bool                 `json:"unread"`
	Type       realtime.MessageType `json:"type,omitempty"`
	Data       json.RawMessage      `json:"data,omitempty"`
	CustomerID string               `json:"customerId,omitempty"`

	key      string
	sequence uint64
}

// EntryKind discriminates feed entries.
type EntryKind string

const (
	EntryKindGroup EntryKind = "group"
	EntryKindItem  EntryKind = "item"
)

// GroupEntry aggregates one customer's notifications for one calendar day.
type GroupEntry struct {
	CustomerID  string `json:"customerId"`
	Day         string `json:"day"`
	Latest      Item   `json:"latest"`
	UnreadCount int    `json:"unreadCount"`
	TotalCount  int    `json:"totalCount"`
}

// Entry is either a group or a standalone item.
type Entry struct {
	Kind  EntryKind   `json:"kind"`
	Group *GroupEntry `json:"group,omitempty"`
	Item  *Item       `json:"item,omitempty"`
}

// Latest returns the most recent item represented by the entry.
func (e Entry) Latest() Item {
	if e.Group != nil {
		return e.Group.Latest
	}
	if e.Item != nil {
		return *e.Item
	}
	return Item{}
}

// ReservationLookup resolves a reservation id against the current state.
type ReservationLookup func(id string) (realtime.Reservation, bool)

// Config describes the dependencies of an Aggregator. Reservations fills in customer, name and slot
// for frames that carry only a reservation id.
type Config struct {
	Ledger       *ledger.Ledger
	Localizer    *Localizer
	Location     *time.Location
	MaxItems     int
	MaxAge       time.Duration
	Clock        func() time.Time
	IDProvider   IDProvider
	Reservations ReservationLookup
	Logger       *zap.Logger
}

// Aggregator turns the inbound frame stream into a deduplicated notification feed.
type Aggregator struct {
	ledger       *ledger.Ledger
	localizer    *Localizer
	location     *time.Location
	maxItems     int
	maxAge       time.Duration
	clock        func() time.Time
	idProvider   IDProvider
	reservations ReservationLookup
	logger       *zap.Logger
	suppressed   metric.Int64Counter

	mu       sync.RWMutex
	items    []Item
	keys     map[string]struct{}
	sequence uint64
}

// NewAggregator constructs an empty feed.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Localizer == nil {
		return nil, errMissingLocalizer
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	suppressed, err := otel.Meter(meterName).Int64Counter(suppressedName, metric.WithDescription("Notifications suppressed as local echoes"))
	if err != nil {
		suppressed, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter(suppressedName)
	}
	return &Aggregator{
		ledger:       cfg.Ledger,
		localizer:    cfg.Localizer,
		location:     location,
		maxItems:     cfg.MaxItems,
		maxAge:       cfg.MaxAge,
		clock:        clock,
		idProvider:   idProvider,
		reservations: cfg.Reservations,
		logger:       logger,
		suppressed:   suppressed,
		keys:         make(map[string]struct{}),
	}, nil
}

// Localizer exposes the text renderer, used for relative time formatting.
func (a *Aggregator) Localizer() *Localizer {
	return a.localizer
}

// Observe folds one inbound frame into the feed. Frames echoing a local operation are suppressed and
// their fingerprint cleared.
func (a *Aggregator) Observe(message realtime.Message) {
	if message.Type == realtime.MessageTypeNotificationsHistory {
		a.ingestHistory(message)
		return
	}
	if !notifies(message.Type) {
		return
	}
	if fingerprint, ok := a.ledger.IsLocalMessage(message); ok {
		a.ledger.ClearMessage(message)
		a.suppressed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(message.Type))))
		a.logger.Debug("notification suppressed as local echo", zap.String("fingerprint", fingerprint))
		return
	}
	item, ok := a.synthesize(message)
	if !ok {
		return
	}
	item.Unread = true
	a.insert(item)
}

// Items returns every retained item, most recent first.
func (a *Aggregator) Items() []Item {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sortedLocked()
}

// Entries returns the grouped feed, most recent first. Items sharing a customer and calendar day
// collapse into one group; items without a customer stay standalone.
func (a *Aggregator) Entries() []Entry {
	items := a.Items()
	entries := make([]Entry, 0, len(items))
	groups := make(map[string]int)
	for index := range items {
		item := items[index]
		if item.CustomerID == "" {
			entries = append(entries, Entry{Kind: EntryKindItem, Item: &item})
			continue
		}
		day := time.UnixMilli(item.Timestamp).In(a.location).Format(dayLayout)
		groupKey := item.CustomerID + "|" + day
		position, ok := groups[groupKey]
		if !ok {
			position = len(entries)
			groups[groupKey] = position
			entries = append(entries, Entry{Kind: EntryKindGroup, Group: &GroupEntry{
				CustomerID: item.CustomerID,
				Day:        day,
				Latest:     item,
			}})
		}
		group := entries[position].Group
		group.TotalCount++
		if item.Unread {
			group.UnreadCount++
		}
	}
	return entries
}

// MarkRead flips one item to read. It reports whether the item exists.
func (a *Aggregator) MarkRead(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for index := range a.items {
		if a.items[index].ID == id {
			a.items[index].Unread = false
			return true
		}
	}
	return false
}

// MarkAllRead flips every item to read and returns how many changed.
func (a *Aggregator) MarkAllRead() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := 0
	for index := range a.items {
		if a.items[index].Unread {
			a.items[index].Unread = false
			changed++
		}
	}
	return changed
}

// UnreadCount reports the number of unread items.
func (a *Aggregator) UnreadCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	count := 0
	for _, item := range a.items {
		if item.Unread {
			count++
		}
	}
	return count
}

func (a *Aggregator) ingestHistory(message realtime.Message) {
	var payload realtime.HistoryPayload
	if err := message.Decode(&payload); err != nil {
		a.logger.Warn("notification history rejected", zap.Error(err))
		return
	}
	for _, entry := range payload.Items {
		replayed := realtime.Message{Type: entry.Type, Timestamp: entry.Timestamp, Data: entry.Data}
		parsed, err := realtime.ParseTimestamp(entry.Timestamp)
		if err != nil {
			a.logger.Debug("notification history item skipped", zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		replayed.Time = parsed
		if len(replayed.Data) == 0 {
			replayed.Data = json.RawMessage("{}")
		}
		item, ok := a.synthesize(replayed)
		if !ok {
			continue
		}
		if strings.TrimSpace(entry.ID) != "" {
			item.ID = entry.ID
		}
		item.Unread = entry.Unread
		a.insert(item)
	}
}

func (a *Aggregator) synthesize(message realtime.Message) (Item, bool) {
	text, customerID, ok := a.describe(message)
	if !ok {
		return Item{}, false
	}
	id, err := a.idProvider.NewID()
	if err != nil {
		a.logger.Warn("notification id generation failed", zap.Error(err))
		id = message.Key()
	}
	timestamp := message.Time
	if timestamp.IsZero() {
		timestamp = a.clock()
	}
	return Item{
		ID:         id,
		Text:       text,
		Timestamp:  timestamp.UnixMilli(),
		Type:       message.Type,
		Data:       message.Data,
		CustomerID: customerID,
		key:        message.Key(),
	}, true
}

func (a *Aggregator) describe(message realtime.Message) (string, string, bool) {
	switch {
	case message.Type.IsReservation():
		var payload realtime.ReservationPayload
		if err := message.Decode(&payload); err != nil {
			return "", "", false
		}
		a.completeReservation(&payload)
		customer := payload.WaID.String()
		name := displayName(payload.CustomerName, customer)
		slot := ledger.ReservationSlot(payload.Date, payload.TimeSlot)
		switch message.Type {
		case realtime.MessageTypeReservationCreate:
			return a.localizer.Sprintf(keyReservationCreated, name, slot), customer, true
		case realtime.MessageTypeReservationUpdate:
			return a.localizer.Sprintf(keyReservationUpdated, name, slot), customer, true
		case realtime.MessageTypeReservationCancel:
			return a.localizer.Sprintf(keyReservationCancelled, name), customer, true
		default:
			return a.localizer.Sprintf(keyReservationRestored, name), customer, true
		}
	case message.Type == realtime.MessageTypeConversationMessage:
		var payload realtime.ConversationPayload
		if err := message.Decode(&payload); err != nil {
			return "", "", false
		}
		customer := payload.WaID.String()
		return a.localizer.Sprintf(keyConversationMessage, displayName(payload.CustomerName, customer), preview(payload.Message)), customer, true
	case message.Type == realtime.MessageTypeVacationUpdated:
		return a.localizer.Sprintf(keyVacationsUpdated), "", true
	default:
		return "", "", false
	}
}

func (a *Aggregator) completeReservation(payload *realtime.ReservationPayload) {
	if a.reservations == nil || payload.ID == "" {
		return
	}
	known, ok := a.reservations(payload.ID.String())
	if !ok {
		return
	}
	if payload.WaID == "" {
		payload.WaID = known.WaID
	}
	if strings.TrimSpace(payload.CustomerName) == "" {
		payload.CustomerName = known.CustomerName
	}
	if payload.Date == "" && payload.TimeSlot == "" {
		payload.Date, payload.TimeSlot = known.Date, known.TimeSlot
	}
}

func (a *Aggregator) insert(item Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.keys[item.key]; exists {
		return
	}
	for _, existing := range a.items {
		if existing.ID == item.ID {
			return
		}
	}
	a.sequence++
	item.sequence = a.sequence
	a.items = append(a.items, item)
	a.keys[item.key] = struct{}{}
	a.retainLocked()
}

func (a *Aggregator) retainLocked() {
	if a.maxAge > 0 {
		cutoff := a.clock().Add(-a.maxAge).UnixMilli()
		kept := a.items[:0]
		for _, item := range a.items {
			if item.Timestamp >= cutoff {
				kept = append(kept, item)
			} else {
				delete(a.keys, item.key)
			}
		}
		a.items = kept
	}
	if a.maxItems > 0 && len(a.items) > a.maxItems {
		sorted := a.sortedLocked()
		for _, dropped := range sorted[a.maxItems:] {
			delete(a.keys, dropped.key)
		}
		a.items = sorted[:a.maxItems]
	}
}

func (a *Aggregator) sortedLocked() []Item {
	sorted := make([]Item, len(a.items))
	copy(sorted, a.items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp > sorted[j].Timestamp
		}
		return sorted[i].sequence > sorted[j].sequence
	})
	return sorted
}

func notifies(messageType realtime.MessageType) bool {
	return messageType.IsReservation() ||
		messageType == realtime.MessageTypeConversationMessage ||
		messageType == realtime.MessageTypeVacationUpdated
}

func displayName(name, customer string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return customer
}

func preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= previewLength {
		return string(runes)
	}
	return string(runes[:previewLength]) + "…"
}
