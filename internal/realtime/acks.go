package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// AckFamily groups an ack/nack pair.
type AckFamily string

const (
	AckFamilyVacation AckFamily = "vacation"
	AckFamilyTyping   AckFamily = "typing"
)

// ErrAckAbandoned indicates that a pending acknowledgment was cancelled before it arrived.
var ErrAckAbandoned = errors.New("realtime: acknowledgment abandoned")

// NackError reports a negative acknowledgment to the caller that submitted the operation.
type NackError struct {
	Type      MessageType
	RequestID string
	Reason    string
}

func (e *NackError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("realtime: %s", e.Type)
	}
	return fmt.Sprintf("realtime: %s: %s", e.Type, e.Reason)
}

// AckFamilyOf maps an ack/nack tag to its family.
func AckFamilyOf(messageType MessageType) (AckFamily, bool) {
	switch messageType {
	case MessageTypeVacationAck, MessageTypeVacationNack:
		return AckFamilyVacation, true
	case MessageTypeTypingAck, MessageTypeTypingNack:
		return AckFamilyTyping, true
	default:
		return "", false
	}
}

type pendingAck struct {
	requestID string
	result    chan error
}

// AckRouter correlates inbound acknowledgments with callers awaiting them.
type AckRouter struct {
	mu      sync.Mutex
	pending map[AckFamily][]*pendingAck
}

// NewAckRouter constructs an empty router.
func NewAckRouter() *AckRouter {
	return &AckRouter{pending: make(map[AckFamily][]*pendingAck)}
}

// Expect registers interest in the next acknowledgment for family and requestID. Register before
// issuing the request so a fast acknowledgment cannot be missed. The returned wait func blocks
// until the acknowledgment arrives or ctx ends; cancel releases the registration.
func (r *AckRouter) Expect(family AckFamily, requestID string) (func(ctx context.Context) error, func()) {
	pending := &pendingAck{requestID: requestID, result: make(chan error, 1)}
	r.mu.Lock()
	r.pending[family] = append(r.pending[family], pending)
	r.mu.Unlock()

	cancel := func() {
		if r.remove(family, pending) {
			pending.result <- ErrAckAbandoned
		}
	}
	wait := func(ctx context.Context) error {
		select {
		case err := <-pending.result:
			return err
		case <-ctx.Done():
			r.remove(family, pending)
			return ctx.Err()
		}
	}
	return wait, cancel
}

// Resolve hands an ack/nack message to the matching waiter. It reports whether a waiter claimed it.
// Messages carrying a request id go to the waiter with that id, else to a waiter registered without
// one; messages without a request id go to the oldest waiter of the family.
func (r *AckRouter) Resolve(message Message) bool {
	family, ok := AckFamilyOf(message.Type)
	if !ok {
		return false
	}
	var payload AckPayload
	_ = message.Decode(&payload)

	r.mu.Lock()
	waiters := r.pending[family]
	index := -1
	if payload.RequestID != "" {
		for i, waiter := range waiters {
			if waiter.requestID == payload.RequestID {
				index = i
				break
			}
		}
		if index < 0 {
			for i, waiter := range waiters {
				if waiter.requestID == "" {
					index = i
					break
				}
			}
		}
	} else if len(waiters) > 0 {
		index = 0
	}
	if index < 0 {
		r.mu.Unlock()
		return false
	}
	waiter := waiters[index]
	r.pending[family] = append(waiters[:index:index], waiters[index+1:]...)
	if len(r.pending[family]) == 0 {
		delete(r.pending, family)
	}
	r.mu.Unlock()

	if message.Type.IsNack() {
		waiter.result <- &NackError{Type: message.Type, RequestID: payload.RequestID, Reason: payload.Reason()}
	} else {
		waiter.result <- nil
	}
	return true
}

// Pending reports the number of outstanding waiters for family.
func (r *AckRouter) Pending(family AckFamily) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[family])
}

func (r *AckRouter) remove(family AckFamily, target *pendingAck) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.pending[family]
	for i, waiter := range waiters {
		if waiter == target {
			r.pending[family] = append(waiters[:i:i], waiters[i+1:]...)
			if len(r.pending[family]) == 0 {
				delete(r.pending, family)
			}
			return true
		}
	}
	return false
}
