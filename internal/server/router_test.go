package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/requestcache"
	"github.com/gin-gonic/gin"
)

func serve(handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	if !errors.Is(err, errMissingRealtime) {
		t.Fatalf("expected missing realtime error, got %v", err)
	}
	_, err = NewHTTPHandler(Dependencies{Realtime: stubRealtime{}})
	if !errors.Is(err, errMissingDispatcher) {
		t.Fatalf("expected missing dispatcher error, got %v", err)
	}
}

func TestStatusReportsConnectionAndConnectivity(t *testing.T) {
	harness := newTestHarness(t, stubRealtime{status: realtime.Status{State: realtime.StateReconnecting, Attempt: 2, IsReconnecting: true}})
	harness.connectivity.ReportNetwork(false)

	recorder := serve(harness.handler, http.MethodGet, "/status", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload struct {
		Connection struct {
			State          string `json:"state"`
			Attempt        int    `json:"attempt"`
			IsReconnecting bool   `json:"isReconnecting"`
		} `json:"connection"`
		Connectivity struct {
			Online bool   `json:"online"`
			Source string `json:"source"`
		} `json:"connectivity"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Connection.State != "reconnecting" || payload.Connection.Attempt != 2 || !payload.Connection.IsReconnecting {
		t.Fatalf("unexpected connection payload %+v", payload.Connection)
	}
	if payload.Connectivity.Online || payload.Connectivity.Source != "network" {
		t.Fatalf("unexpected connectivity payload %+v", payload.Connectivity)
	}
}

func TestStateServesProjection(t *testing.T) {
	state, err := realtime.Apply(realtime.NewState(), mustMessage(t, `{"type":"reservation_create","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1","date":"2026-03-05","time_slot":"10:00"}}`))
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	harness := newTestHarness(t, stubRealtime{state: state})

	recorder := serve(harness.handler, http.MethodGet, "/state", "")
	var payload struct {
		Reservations map[string][]struct {
			ID       string `json:"id"`
			TimeSlot string `json:"time_slot"`
		} `json:"reservations"`
	}
	decodeBody(t, recorder, &payload)
	records := payload.Reservations["C1"]
	if len(records) != 1 || records[0].ID != "R1" || records[0].TimeSlot != "10:00" {
		t.Fatalf("unexpected reservations %+v", payload.Reservations)
	}
}

func TestNotificationsFeedGroupsAndRendersRelativeTime(t *testing.T) {
	harness := newTestHarness(t, stubRealtime{})
	harness.feed.Observe(mustMessage(t, `{"type":"reservation_create","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1","customer_name":"Amal","date":"2026-03-05","time_slot":"10:00"}}`))
	harness.feed.Observe(mustMessage(t, `{"type":"conversation_new_message","timestamp":"2026-03-01T10:30:00Z","data":{"wa_id":"C1","role":"user","message":"see you"}}`))

	recorder := serve(harness.handler, http.MethodGet, "/notifications", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload struct {
		Entries []struct {
			Kind  string `json:"kind"`
			Group struct {
				CustomerID  string `json:"customerId"`
				TotalCount  int    `json:"totalCount"`
				UnreadCount int    `json:"unreadCount"`
			} `json:"group"`
			RelativeTime string `json:"relativeTime"`
		} `json:"entries"`
		UnreadCount int `json:"unreadCount"`
	}
	decodeBody(t, recorder, &payload)
	if len(payload.Entries) != 1 || payload.Entries[0].Kind != "group" {
		t.Fatalf("expected a single group entry, got %+v", payload.Entries)
	}
	entry := payload.Entries[0]
	if entry.Group.CustomerID != "C1" || entry.Group.TotalCount != 2 || entry.Group.UnreadCount != 2 {
		t.Fatalf("unexpected group %+v", entry.Group)
	}
	if entry.RelativeTime != "1 hour ago" {
		t.Fatalf("expected relative time from the latest item, got %q", entry.RelativeTime)
	}
	if payload.UnreadCount != 2 {
		t.Fatalf("expected two unread, got %d", payload.UnreadCount)
	}

	recorder = serve(harness.handler, http.MethodGet, "/notifications?now=2026-03-04T10:30:00Z", "")
	decodeBody(t, recorder, &payload)
	if payload.Entries[0].RelativeTime != "3 days ago" {
		t.Fatalf("expected injected now to drive relative time, got %q", payload.Entries[0].RelativeTime)
	}

	recorder = serve(harness.handler, http.MethodGet, "/notifications?now=later", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for a bad now, got %d", recorder.Code)
	}
}

func TestNotificationsMarkRead(t *testing.T) {
	harness := newTestHarness(t, stubRealtime{})
	harness.feed.Observe(mustMessage(t, `{"type":"reservation_cancel","timestamp":"2026-03-01T10:00:00Z","data":{"id":"R1","wa_id":"C1"}}`))
	harness.feed.Observe(mustMessage(t, `{"type":"vacation_period_updated","timestamp":"2026-03-01T11:00:00Z","data":{"periods":[]}}`))

	items := harness.feed.Items()
	if len(items) != 2 {
		t.Fatalf("expected two items, got %d", len(items))
	}

	recorder := serve(harness.handler, http.MethodPost, "/notifications/"+items[0].ID+"/read", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var single struct {
		UnreadCount int `json:"unreadCount"`
	}
	decodeBody(t, recorder, &single)
	if single.UnreadCount != 1 {
		t.Fatalf("expected one unread left, got %d", single.UnreadCount)
	}

	recorder = serve(harness.handler, http.MethodPost, "/notifications/missing/read", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", recorder.Code)
	}

	recorder = serve(harness.handler, http.MethodPost, "/notifications/read-all", "")
	var all struct {
		Marked      int `json:"marked"`
		UnreadCount int `json:"unreadCount"`
	}
	decodeBody(t, recorder, &all)
	if all.Marked != 1 || all.UnreadCount != 0 {
		t.Fatalf("unexpected read-all payload %+v", all)
	}
}

func TestConnectivityAcceptsNetworkSignal(t *testing.T) {
	harness := newTestHarness(t, stubRealtime{})

	recorder := serve(harness.handler, http.MethodPost, "/connectivity", `{"online":true}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if !harness.connectivity.Online() {
		t.Fatalf("expected network signal to bring connectivity online")
	}

	for _, body := range []string{`{}`, `{"online":"yes"}`, `not json`} {
		recorder = serve(harness.handler, http.MethodPost, "/connectivity", body)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400 for %q, got %d", body, recorder.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	harness := newTestHarness(t, stubRealtime{})
	recorder := serve(harness.handler, http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", recorder.Code, recorder.Body.String())
	}
}

type stubQueries map[string]any

func (q stubQueries) Get(_ context.Context, key string) (any, error) {
	value, ok := q[key]
	if !ok {
		return nil, requestcache.ErrUnknownQuery
	}
	if err, isErr := value.(error); isErr {
		return nil, err
	}
	return value, nil
}

func TestQueriesRouteMapsCacheErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	harness := newTestHarness(t, stubRealtime{})
	handler, err := NewHTTPHandler(Dependencies{
		Realtime:      stubRealtime{state: realtime.NewState()},
		Queries:       stubQueries{"vacations": []string{"2026-04-01"}, "reservations": requestcache.ErrOffline, "broken": errors.New("boom")},
		Dispatcher:    harness.dispatcher,
		Notifications: harness.feed,
		Connectivity:  harness.connectivity,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	testCases := []struct {
		key    string
		status int
	}{
		{key: "vacations", status: http.StatusOK},
		{key: "reservations", status: http.StatusServiceUnavailable},
		{key: "broken", status: http.StatusBadGateway},
		{key: "missing", status: http.StatusNotFound},
	}
	for _, testCase := range testCases {
		recorder := serve(handler, http.MethodGet, "/queries/"+testCase.key, "")
		if recorder.Code != testCase.status {
			t.Fatalf("expected status %d for %s, got %d", testCase.status, testCase.key, recorder.Code)
		}
	}
}
