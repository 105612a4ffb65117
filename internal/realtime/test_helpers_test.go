package realtime

import (
	"encoding/json"
	"testing"
)

func mustMessage(t *testing.T, messageType MessageType, timestamp string, data any) Message {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":      messageType,
		"timestamp": timestamp,
		"data":      data,
	})
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	message, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return message
}

func mustApply(t *testing.T, state *State, messages ...Message) *State {
	t.Helper()
	current := state
	for _, message := range messages {
		next, err := Apply(current, message)
		if err != nil {
			t.Fatalf("unexpected apply error for %s: %v", message.Type, err)
		}
		current = next
	}
	return current
}

func mustFrame(t *testing.T, messageType MessageType, timestamp string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":      messageType,
		"timestamp": timestamp,
		"data":      data,
	})
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}
	return raw
}

func fixedJitter(value int64) JitterSource {
	return func(n int64) int64 {
		if value >= n {
			return n - 1
		}
		return value
	}
}
