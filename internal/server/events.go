package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventHeartbeat = "heartbeat"
	eventSource    = "calendarsync-agent"
)

var streamTopics = []realtime.Topic{
	realtime.TopicState,
	realtime.TopicTyping,
	realtime.TopicDocument,
	realtime.TopicStatus,
}

type streamEventPayload struct {
	Topic     realtime.Topic    `json:"topic"`
	Message   *realtime.Message `json:"message,omitempty"`
	State     *realtime.State   `json:"state,omitempty"`
	Status    *realtime.Status  `json:"status,omitempty"`
	Timestamp string            `json:"timestamp"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// handleEvents streams dispatcher events as server-sent events. The optional topics query narrows the
// stream, e.g. ?topics=state,status.
func (h *httpHandler) handleEvents(c *gin.Context) {
	topics := parseTopics(c.Query("topics"))
	if len(topics) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_topics"})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.dispatcher.Subscribe(ctx, topics...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("event stream opened", zap.Int("topics", len(topics)))
	c.SSEvent(eventHeartbeat, heartbeatPayload{Source: eventSource, Timestamp: h.clock().UTC().Format(time.RFC3339Nano)})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Topic), streamEventPayload{
				Topic:     event.Topic,
				Message:   event.Message,
				State:     event.State,
				Status:    event.Status,
				Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			return true
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, heartbeatPayload{Source: eventSource, Timestamp: h.clock().UTC().Format(time.RFC3339Nano)})
			return true
		}
	})
	h.logger.Debug("event stream closed")
}

func parseTopics(raw string) []realtime.Topic {
	if strings.TrimSpace(raw) == "" {
		return streamTopics
	}
	known := make(map[realtime.Topic]bool, len(streamTopics))
	for _, topic := range streamTopics {
		known[topic] = true
	}
	var topics []realtime.Topic
	seen := map[realtime.Topic]bool{}
	for _, part := range strings.Split(raw, ",") {
		topic := realtime.Topic(strings.ToLower(strings.TrimSpace(part)))
		if !known[topic] {
			return nil
		}
		if seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}
	return topics
}
