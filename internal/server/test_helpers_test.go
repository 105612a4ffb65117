package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/notifications"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/gin-gonic/gin"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubRealtime struct {
	status realtime.Status
	state  *realtime.State
}

func (s stubRealtime) Status() realtime.Status {
	return s.status
}

func (s stubRealtime) State() *realtime.State {
	return s.state
}

type testHarness struct {
	handler      http.Handler
	dispatcher   *realtime.Dispatcher
	feed         *notifications.Aggregator
	connectivity *connectivity.Bridge
}

func newTestHarness(t *testing.T, source stubRealtime) testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	localizer, err := notifications.NewLocalizer("en")
	if err != nil {
		t.Fatalf("unexpected localizer error: %v", err)
	}
	feed, err := notifications.NewAggregator(notifications.Config{
		Localizer: localizer,
		Clock:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("unexpected aggregator error: %v", err)
	}
	if source.state == nil {
		source.state = realtime.NewState()
	}
	dispatcher := realtime.NewDispatcher()
	bridge := connectivity.NewBridge(connectivity.Config{Clock: func() time.Time { return fixedNow }})

	handler, err := NewHTTPHandler(Dependencies{
		Realtime:          source,
		Dispatcher:        dispatcher,
		Notifications:     feed,
		Connectivity:      bridge,
		HeartbeatInterval: 20 * time.Millisecond,
		Clock:             func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testHarness{handler: handler, dispatcher: dispatcher, feed: feed, connectivity: bridge}
}

func mustMessage(t *testing.T, raw string) realtime.Message {
	t.Helper()
	message, err := realtime.ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return message
}
