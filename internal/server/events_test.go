package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
)

type sseFrame struct {
	event string
	data  string
}

func openEventStream(t *testing.T, url string) <-chan sseFrame {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/event-stream") {
		t.Fatalf("unexpected content type %q", contentType)
	}

	frames := make(chan sseFrame, 16)
	go func() {
		defer close(frames)
		reader := bufio.NewReader(response.Body)
		current := sseFrame{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				if current.event != "" {
					frames <- current
				}
				current = sseFrame{}
			case strings.HasPrefix(line, "event:"):
				current.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return frames
}

func awaitFrame(t *testing.T, frames <-chan sseFrame, event string) sseFrame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", event)
		case frame, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed before %s event", event)
			}
			if frame.event == event {
				return frame
			}
		}
	}
}

func TestEventStreamForwardsDispatcherTopics(t *testing.T) {
	harness := newTestHarness(t, stubRealtime{})
	server := httptest.NewServer(harness.handler)
	t.Cleanup(server.Close)

	frames := openEventStream(t, server.URL+"/events?topics=status,typing")
	awaitFrame(t, frames, eventHeartbeat)

	typing := mustMessage(t, `{"type":"conversation_typing","timestamp":"2026-03-01T10:00:00Z","data":{"wa_id":"C1","typing":true}}`)
	harness.dispatcher.Publish(realtime.Event{Topic: realtime.TopicState, State: realtime.NewState()})
	harness.dispatcher.Publish(realtime.Event{Topic: realtime.TopicTyping, Message: &typing})
	harness.dispatcher.Publish(realtime.Event{Topic: realtime.TopicStatus, Status: &realtime.Status{State: realtime.StateConnected, IsConnected: true}})

	typingFrame := awaitFrame(t, frames, string(realtime.TopicTyping))
	var typingPayload struct {
		Topic   string `json:"topic"`
		Message struct {
			Type string `json:"type"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(typingFrame.data), &typingPayload); err != nil {
		t.Fatalf("failed to decode typing payload: %v", err)
	}
	if typingPayload.Topic != "typing" || typingPayload.Message.Type != "conversation_typing" {
		t.Fatalf("unexpected typing payload %+v", typingPayload)
	}

	statusFrame := awaitFrame(t, frames, string(realtime.TopicStatus))
	var statusPayload struct {
		Status struct {
			State       string `json:"state"`
			IsConnected bool   `json:"isConnected"`
		} `json:"status"`
	}
	if err := json.Unmarshal([]byte(statusFrame.data), &statusPayload); err != nil {
		t.Fatalf("failed to decode status payload: %v", err)
	}
	if statusPayload.Status.State != "connected" || !statusPayload.Status.IsConnected {
		t.Fatalf("unexpected status payload %+v", statusPayload)
	}
}

func TestEventStreamRejectsUnknownTopics(t *testing.T) {
	harness := newTestHarness(t, stubRealtime{})
	recorder := serve(harness.handler, http.MethodGet, "/events?topics=state,billing", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", recorder.Code)
	}
}

func TestParseTopics(t *testing.T) {
	testCases := []struct {
		raw      string
		expected []realtime.Topic
	}{
		{raw: "", expected: streamTopics},
		{raw: "state", expected: []realtime.Topic{realtime.TopicState}},
		{raw: " Status , state,status", expected: []realtime.Topic{realtime.TopicStatus, realtime.TopicState}},
		{raw: "nope", expected: nil},
	}

	for _, testCase := range testCases {
		topics := parseTopics(testCase.raw)
		if len(topics) != len(testCase.expected) {
			t.Fatalf("parseTopics(%q) = %v, expected %v", testCase.raw, topics, testCase.expected)
		}
		for index := range topics {
			if topics[index] != testCase.expected[index] {
				t.Fatalf("parseTopics(%q) = %v, expected %v", testCase.raw, topics, testCase.expected)
			}
		}
	}
}
