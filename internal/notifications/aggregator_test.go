package notifications

import (
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
)

type sequentialIDs struct {
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("n-%d", p.next), nil
}

func mustLocalizer(t *testing.T, locale string) *Localizer {
	t.Helper()
	localizer, err := NewLocalizer(locale)
	if err != nil {
		t.Fatalf("unexpected localizer error: %v", err)
	}
	return localizer
}

func mustAggregator(t *testing.T, cfg Config) *Aggregator {
	t.Helper()
	if cfg.Localizer == nil {
		cfg.Localizer = mustLocalizer(t, "en")
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = &sequentialIDs{}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC) }
	}
	aggregator, err := NewAggregator(cfg)
	if err != nil {
		t.Fatalf("unexpected aggregator error: %v", err)
	}
	return aggregator
}

func mustMessage(t *testing.T, raw string) realtime.Message {
	t.Helper()
	message, err := realtime.ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return message
}

func conversationFrame(customer, timestamp, text string) string {
	return fmt.Sprintf(`{"type":"conversation_new_message","timestamp":%q,"data":{"wa_id":%q,"customer_name":"Layla","role":"user","message":%q}}`, timestamp, customer, text)
}

func TestAggregatorGroupsByCustomerAndDay(t *testing.T) {
	aggregator := mustAggregator(t, Config{})
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T09:00:00Z", "hello")))
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T09:05:00Z", "are you open?")))
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-02-28T18:00:00Z", "yesterday")))
	aggregator.Observe(mustMessage(t, `{"type":"vacation_period_updated","timestamp":"2026-03-01T10:00:00Z","data":{"periods":[]}}`))

	entries := aggregator.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected three entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Kind != EntryKindItem || entries[0].Item.Text != "Vacation periods updated" {
		t.Fatalf("expected standalone vacation item first, got %+v", entries[0])
	}
	group := entries[1].Group
	if group == nil || group.TotalCount != 2 || group.UnreadCount != 2 || group.Day != "2026-03-01" {
		t.Fatalf("expected same-day group with two items, got %+v", entries[1])
	}
	if group.Latest.Text != "New message from Layla: are you open?" {
		t.Fatalf("expected latest item in group, got %q", group.Latest.Text)
	}
	if entries[2].Group == nil || entries[2].Group.TotalCount != 1 {
		t.Fatalf("expected previous-day group, got %+v", entries[2])
	}
}

func TestAggregatorGroupsUseConfiguredTimezone(t *testing.T) {
	riyadh := time.FixedZone("AST", 3*60*60)
	aggregator := mustAggregator(t, Config{Location: riyadh})
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T20:30:00Z", "late")))
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T22:30:00Z", "later")))

	entries := aggregator.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected the local midnight to split groups, got %+v", entries)
	}
	if entries[0].Group.Day != "2026-03-02" {
		t.Fatalf("expected local day, got %q", entries[0].Group.Day)
	}
}

func TestAggregatorSuppressesLocalEcho(t *testing.T) {
	localOps := ledger.New(ledger.Config{})
	defer localOps.Close()
	aggregator := mustAggregator(t, Config{Ledger: localOps})

	echo := `{"type":"reservation_update","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1","time_slot":"T1"}}`
	localOps.Mark(ledger.ReservationFingerprint(ledger.ActionModify, "R1", "T1"))
	aggregator.Observe(mustMessage(t, echo))
	if len(aggregator.Items()) != 0 {
		t.Fatalf("expected echo to be suppressed")
	}
	if localOps.IsLocal("reservation:modify:R1:T1") {
		t.Fatalf("expected fingerprint to be cleared after the echo")
	}

	aggregator.Observe(mustMessage(t, `{"type":"reservation_update","timestamp":"2026-03-01T10:00:02Z","data":{"id":"R1","wa_id":"C1","time_slot":"T1"}}`))
	items := aggregator.Items()
	if len(items) != 1 || !items[0].Unread {
		t.Fatalf("expected remote update to notify, got %+v", items)
	}
}

func TestAggregatorSuppressesEchoWhoseSlotDiffersFromRequest(t *testing.T) {
	testCases := []struct {
		name     string
		date     string
		timeSlot string
		echo     string
	}{
		{
			name:     "time-only edit with full echo",
			timeSlot: "11:00",
			echo:     `{"type":"reservation_update","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1","date":"2026-03-05","time_slot":"11:00"}}`,
		},
		{
			name:     "full edit with slim echo",
			date:     "2026-03-05",
			timeSlot: "11:00",
			echo:     `{"type":"reservation_update","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1"}}`,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			localOps := ledger.New(ledger.Config{})
			defer localOps.Close()
			aggregator := mustAggregator(t, Config{Ledger: localOps})

			for _, fingerprint := range ledger.ReservationMarks(ledger.ActionModify, "R1", testCase.date, testCase.timeSlot) {
				localOps.Mark(fingerprint)
			}
			aggregator.Observe(mustMessage(t, testCase.echo))
			if items := aggregator.Items(); len(items) != 0 {
				t.Fatalf("expected echo to be suppressed, got %+v", items)
			}
			if localOps.IsLocal("reservation:modify:R1") {
				t.Fatalf("expected coarse fingerprint to be cleared after the echo")
			}
		})
	}
}

func TestAggregatorSuppressesCreationEchoWithoutSlot(t *testing.T) {
	localOps := ledger.New(ledger.Config{})
	defer localOps.Close()
	aggregator := mustAggregator(t, Config{Ledger: localOps})

	for _, fingerprint := range ledger.CreationMarks("C1", "", "") {
		localOps.Mark(fingerprint)
	}
	aggregator.Observe(mustMessage(t, `{"type":"reservation_create","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R7","wa_id":"C1","date":"2026-03-05","time_slot":"09:00"}}`))
	if items := aggregator.Items(); len(items) != 0 {
		t.Fatalf("expected creation echo to be suppressed, got %+v", items)
	}
}

func TestAggregatorDeduplicatesByMessageKey(t *testing.T) {
	aggregator := mustAggregator(t, Config{})
	frame := `{"type":"reservation_create","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1","customer_name":"Omar","date":"2026-03-05","time_slot":"09:00"}}`
	aggregator.Observe(mustMessage(t, frame))
	aggregator.Observe(mustMessage(t, frame))

	items := aggregator.Items()
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	if items[0].Text != "New reservation for Omar on 2026-03-05 09:00" {
		t.Fatalf("unexpected text %q", items[0].Text)
	}
	if items[0].Timestamp != time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("expected epoch millis of the frame, got %d", items[0].Timestamp)
	}
}

func TestAggregatorIgnoresNonNotifyingFrames(t *testing.T) {
	aggregator := mustAggregator(t, Config{})
	for _, raw := range []string{
		`{"type":"conversation_typing","timestamp":"2026-03-01T10:00:00Z","data":{"wa_id":"C1","typing":true}}`,
		`{"type":"typing_ack","timestamp":"2026-03-01T10:00:00Z","data":{}}`,
		`{"type":"vacation_update_nack","timestamp":"2026-03-01T10:00:00Z","data":{"error":"x"}}`,
		`{"type":"customer_document_updated","timestamp":"2026-03-01T10:00:00Z","data":{"wa_id":"C1"}}`,
	} {
		aggregator.Observe(mustMessage(t, raw))
	}
	if len(aggregator.Items()) != 0 {
		t.Fatalf("expected no notifications, got %+v", aggregator.Items())
	}
}

func TestAggregatorMarkRead(t *testing.T) {
	aggregator := mustAggregator(t, Config{})
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T09:00:00Z", "one")))
	aggregator.Observe(mustMessage(t, conversationFrame("C2", "2026-03-01T09:01:00Z", "two")))
	aggregator.Observe(mustMessage(t, conversationFrame("C3", "2026-03-01T09:02:00Z", "three")))

	if aggregator.UnreadCount() != 3 {
		t.Fatalf("expected three unread, got %d", aggregator.UnreadCount())
	}
	if !aggregator.MarkRead("n-1") {
		t.Fatalf("expected n-1 to exist")
	}
	if aggregator.MarkRead("missing") {
		t.Fatalf("did not expect unknown id to be marked")
	}
	if aggregator.UnreadCount() != 2 {
		t.Fatalf("expected two unread, got %d", aggregator.UnreadCount())
	}
	if changed := aggregator.MarkAllRead(); changed != 2 {
		t.Fatalf("expected two changed, got %d", changed)
	}
	if aggregator.UnreadCount() != 0 {
		t.Fatalf("expected no unread items")
	}
}

func TestAggregatorIngestsHistory(t *testing.T) {
	aggregator := mustAggregator(t, Config{})
	live := `{"type":"reservation_cancel","timestamp":"2026-03-01T08:00:00Z","data":{"id":"R1","wa_id":"C1"}}`
	aggregator.Observe(mustMessage(t, live))

	history := `{"type":"notifications_history","timestamp":"2026-03-01T12:00:00Z","data":{"items":[
		{"id":"h-1","type":"reservation_cancel","timestamp":"2026-03-01T08:00:00Z","data":{"id":"R1","wa_id":"C1"},"unread":true},
		{"id":"h-2","type":"conversation_new_message","timestamp":"2026-03-01T07:00:00Z","data":{"wa_id":"C2","role":"user","message":"hi"}},
		{"id":"h-3","type":"conversation_typing","timestamp":"2026-03-01T07:00:00Z","data":{"wa_id":"C2"}},
		{"id":"h-4","type":"conversation_new_message","timestamp":"not a time","data":{"wa_id":"C2"}}
	]}}`
	aggregator.Observe(mustMessage(t, history))
	aggregator.Observe(mustMessage(t, history))

	items := aggregator.Items()
	if len(items) != 2 {
		t.Fatalf("expected live item plus one history item, got %+v", items)
	}
	if items[1].ID != "h-2" || items[1].Unread {
		t.Fatalf("expected read history item h-2, got %+v", items[1])
	}
}

func TestAggregatorRetention(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	aggregator := mustAggregator(t, Config{
		MaxItems: 2,
		MaxAge:   6 * time.Hour,
		Clock:    func() time.Time { return now },
	})
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T01:00:00Z", "too old")))
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T09:00:00Z", "a")))
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T10:00:00Z", "b")))
	aggregator.Observe(mustMessage(t, conversationFrame("C1", "2026-03-01T11:00:00Z", "c")))

	items := aggregator.Items()
	if len(items) != 2 {
		t.Fatalf("expected two retained items, got %d", len(items))
	}
	if items[0].Text != "New message from Layla: c" || items[1].Text != "New message from Layla: b" {
		t.Fatalf("expected newest items retained, got %+v", items)
	}
}

func TestNewAggregatorRequiresLocalizer(t *testing.T) {
	if _, err := NewAggregator(Config{}); err == nil {
		t.Fatalf("expected error without localizer")
	}
}

func TestAggregatorResolvesSlimCancelFromState(t *testing.T) {
	state := realtime.NewState()
	aggregator := mustAggregator(t, Config{Reservations: func(id string) (realtime.Reservation, bool) {
		return state.Reservation(id)
	}})

	frames := []string{
		`{"type":"reservation_create","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1","customer_name":"Omar","date":"2026-03-05","time_slot":"09:00"}}`,
		`{"type":"reservation_cancel","timestamp":"2026-03-01T10:05:00Z","data":{"id":"R1"}}`,
	}
	for _, frame := range frames {
		message := mustMessage(t, frame)
		next, err := realtime.Apply(state, message)
		if err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
		state = next
		aggregator.Observe(message)
	}

	entries := aggregator.Entries()
	if len(entries) != 1 || entries[0].Group == nil {
		t.Fatalf("expected a single group, got %+v", entries)
	}
	group := entries[0].Group
	if group.CustomerID != "C1" || group.TotalCount != 2 {
		t.Fatalf("expected both items grouped under C1, got %+v", group)
	}
	if group.Latest.Text != "Reservation cancelled for Omar" {
		t.Fatalf("expected resolved name in cancel text, got %q", group.Latest.Text)
	}
}
