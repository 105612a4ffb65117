package mutations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/serviceerr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Offline policies.
const (
	PolicyQueue    = "queue"
	PolicyFailFast = "fail_fast"
)

const (
	opGatewayNew          = "mutations.gateway.new"
	opCreateReservation   = "mutations.create_reservation"
	opModifyReservation   = "mutations.modify_reservation"
	opCancelReservation   = "mutations.cancel_reservation"
	opReinstate           = "mutations.reinstate_reservation"
	opUpdateVacations     = "mutations.update_vacations"
	opSendTyping          = "mutations.send_typing"
	opSendMessage         = "mutations.send_message"
	opFetch               = "mutations.fetch"
	defaultAckTimeout     = 10 * time.Second
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 4 << 10
)

var (
	// ErrOffline indicates that a mutation was rejected because the realtime connection is down.
	ErrOffline = errors.New("mutations: offline")
	// ErrThrottled indicates that a typing indicator exceeded the configured rate.
	ErrThrottled = errors.New("mutations: throttled")

	errMissingBaseURL = errors.New("base url is required")
	errInvalidPolicy  = errors.New("offline policy must be queue or fail_fast")
	errMissingID      = errors.New("reservation id is required")
	errMissingWaID    = errors.New("customer id is required")
)

// ServiceError is the coded error returned by this package.
type ServiceError = serviceerr.Error

func newServiceError(operation, reason string, cause error) error {
	return serviceerr.New(operation, reason, cause)
}

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// ReservationRequest carries the editable reservation fields.
type ReservationRequest struct {
	WaID            string `json:"wa_id"`
	CustomerName    string `json:"customer_name,omitempty"`
	Date            string `json:"date,omitempty"`
	TimeSlot        string `json:"time_slot,omitempty"`
	ReservationType *int   `json:"type,omitempty"`
}

// ReservationResult is the backend response to reservation mutations.
type ReservationResult struct {
	ID      realtime.FlexibleID `json:"id"`
	Success bool                `json:"success"`
	Message string              `json:"message,omitempty"`
}

// Config describes the dependencies of a Gateway.
type Config struct {
	BaseURL         string
	HTTPClient      *http.Client
	Ledger          *ledger.Ledger
	Acks            *realtime.AckRouter
	OfflinePolicy   string
	TypingPerSecond float64
	AckTimeout      time.Duration
	Logger          *zap.Logger
}

type queuedCall struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Gateway issues outbound mutations to the backend. Every call registers its local-operation
// fingerprint immediately before the request leaves.
type Gateway struct {
	baseURL    *url.URL
	client     *http.Client
	ledger     *ledger.Ledger
	acks       *realtime.AckRouter
	policy     string
	typing     *rate.Limiter
	ackTimeout time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	online   bool
	queue    []*queuedCall
	flushing bool
}

// NewGateway validates the configuration. The gateway starts offline until SetOnline(true).
func NewGateway(cfg Config) (*Gateway, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, newServiceError(opGatewayNew, "missing_base_url", errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil || baseURL.Host == "" {
		return nil, newServiceError(opGatewayNew, "invalid_base_url", errMissingBaseURL)
	}
	policy := cfg.OfflinePolicy
	if policy == "" {
		policy = PolicyQueue
	}
	if policy != PolicyQueue && policy != PolicyFailFast {
		return nil, newServiceError(opGatewayNew, "invalid_policy", errInvalidPolicy)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	acks := cfg.Acks
	if acks == nil {
		acks = realtime.NewAckRouter()
	}
	typingLimit := rate.Inf
	if cfg.TypingPerSecond > 0 {
		typingLimit = rate.Limit(cfg.TypingPerSecond)
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		baseURL:    baseURL,
		client:     client,
		ledger:     cfg.Ledger,
		acks:       acks,
		policy:     policy,
		typing:     rate.NewLimiter(typingLimit, 1),
		ackTimeout: ackTimeout,
		logger:     logger,
	}, nil
}

// SetOnline records connectivity. Going online flushes queued calls in submission order.
func (g *Gateway) SetOnline(online bool) {
	g.mu.Lock()
	g.online = online
	start := online && len(g.queue) > 0 && !g.flushing
	if start {
		g.flushing = true
	}
	g.mu.Unlock()
	if start {
		go g.flush()
	}
}

// Pending reports the number of queued calls.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// CreateReservation books a new reservation.
func (g *Gateway) CreateReservation(ctx context.Context, request ReservationRequest) (ReservationResult, error) {
	if strings.TrimSpace(request.WaID) == "" {
		return ReservationResult{}, newServiceError(opCreateReservation, "missing_wa_id", errMissingWaID)
	}
	var result ReservationResult
	err := g.submit(ctx, opCreateReservation, func(ctx context.Context) error {
		g.markAll(ledger.CreationMarks(request.WaID, request.Date, request.TimeSlot))
		return g.doJSON(ctx, http.MethodPost, "/api/reservations", request, &result)
	})
	return result, err
}

// ModifyReservation changes an existing reservation.
func (g *Gateway) ModifyReservation(ctx context.Context, id string, request ReservationRequest) (ReservationResult, error) {
	if strings.TrimSpace(id) == "" {
		return ReservationResult{}, newServiceError(opModifyReservation, "missing_id", errMissingID)
	}
	var result ReservationResult
	err := g.submit(ctx, opModifyReservation, func(ctx context.Context) error {
		g.markAll(ledger.ReservationMarks(ledger.ActionModify, id, request.Date, request.TimeSlot))
		return g.doJSON(ctx, http.MethodPatch, "/api/reservations/"+url.PathEscape(id), request, &result)
	})
	return result, err
}

// CancelReservation soft-deletes a reservation.
func (g *Gateway) CancelReservation(ctx context.Context, id string) (ReservationResult, error) {
	return g.reservationAction(ctx, opCancelReservation, ledger.ActionCancel, id, "cancel")
}

// ReinstateReservation restores a cancelled reservation.
func (g *Gateway) ReinstateReservation(ctx context.Context, id string) (ReservationResult, error) {
	return g.reservationAction(ctx, opReinstate, ledger.ActionReinstate, id, "reinstate")
}

// UpdateVacations replaces the vacation list and waits for the server's acknowledgment over the
// realtime connection. A negative acknowledgment is returned as *realtime.NackError.
func (g *Gateway) UpdateVacations(ctx context.Context, periods []realtime.VacationPeriod) error {
	if periods == nil {
		periods = []realtime.VacationPeriod{}
	}
	return g.submit(ctx, opUpdateVacations, func(ctx context.Context) error {
		requestID := uuid.NewString()
		wait, cancel := g.acks.Expect(realtime.AckFamilyVacation, requestID)
		defer cancel()

		g.ledger.Mark(ledger.VacationFingerprint())
		body := map[string]any{"periods": periods, "request_id": requestID}
		if err := g.doJSON(ctx, http.MethodPut, "/api/vacations", body, nil); err != nil {
			return err
		}
		ackCtx, stop := context.WithTimeout(ctx, g.ackTimeout)
		defer stop()
		if err := wait(ackCtx); err != nil {
			var nack *realtime.NackError
			if errors.As(err, &nack) {
				return err
			}
			return fmt.Errorf("awaiting acknowledgment: %w", err)
		}
		return nil
	})
}

// SendTyping reports a typing indicator for a customer conversation, at most at the configured rate.
func (g *Gateway) SendTyping(ctx context.Context, waID string, typing bool) error {
	if strings.TrimSpace(waID) == "" {
		return newServiceError(opSendTyping, "missing_wa_id", errMissingWaID)
	}
	if !g.typing.Allow() {
		return newServiceError(opSendTyping, "throttled", ErrThrottled)
	}
	if !g.isOnline() {
		return newServiceError(opSendTyping, "offline", ErrOffline)
	}
	g.ledger.Mark(ledger.TypingFingerprint(waID))
	if err := g.doJSON(ctx, http.MethodPost, "/api/typing", map[string]any{"wa_id": waID, "typing": typing}, nil); err != nil {
		return newServiceError(opSendTyping, "request_failed", err)
	}
	return nil
}

// SendMessage posts an outbound chat message to a customer.
func (g *Gateway) SendMessage(ctx context.Context, waID, text string) error {
	if strings.TrimSpace(waID) == "" {
		return newServiceError(opSendMessage, "missing_wa_id", errMissingWaID)
	}
	return g.submit(ctx, opSendMessage, func(ctx context.Context) error {
		g.ledger.Mark(ledger.ConversationFingerprint(waID, text))
		return g.doJSON(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(waID)+"/messages", map[string]any{"message": text}, nil)
	})
}

// Fetch performs a REST read. Reads bypass the offline queue and the ledger; the request cache decides
// when they may run.
func (g *Gateway) Fetch(ctx context.Context, path string) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var payload json.RawMessage
	if err := g.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, g.wrap(opFetch, err)
	}
	return payload, nil
}

func (g *Gateway) reservationAction(ctx context.Context, operation, action, id, verb string) (ReservationResult, error) {
	if strings.TrimSpace(id) == "" {
		return ReservationResult{}, newServiceError(operation, "missing_id", errMissingID)
	}
	var result ReservationResult
	err := g.submit(ctx, operation, func(ctx context.Context) error {
		g.ledger.Mark(ledger.ReservationFingerprint(action, id, ""))
		return g.doJSON(ctx, http.MethodPost, "/api/reservations/"+url.PathEscape(id)+"/"+verb, nil, &result)
	})
	return result, err
}

func (g *Gateway) markAll(fingerprints []string) {
	for _, fingerprint := range fingerprints {
		g.ledger.Mark(fingerprint)
	}
}

func (g *Gateway) submit(ctx context.Context, operation string, run func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.online && len(g.queue) == 0 {
		g.mu.Unlock()
		return g.wrap(operation, run(ctx))
	}
	if g.policy == PolicyFailFast {
		g.mu.Unlock()
		return newServiceError(operation, "offline", ErrOffline)
	}
	call := &queuedCall{ctx: ctx, run: run, done: make(chan error, 1)}
	g.queue = append(g.queue, call)
	g.mu.Unlock()
	g.logger.Debug("mutation queued while offline", zap.String("operation", operation))

	select {
	case err := <-call.done:
		return g.wrap(operation, err)
	case <-ctx.Done():
		return newServiceError(operation, "cancelled", ctx.Err())
	}
}

func (g *Gateway) flush() {
	for {
		g.mu.Lock()
		if !g.online || len(g.queue) == 0 {
			g.flushing = false
			g.mu.Unlock()
			return
		}
		call := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		if err := call.ctx.Err(); err != nil {
			call.done <- err
			continue
		}
		call.done <- call.run(call.ctx)
	}
}

func (g *Gateway) isOnline() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

func (g *Gateway) wrap(operation string, err error) error {
	if err == nil {
		return nil
	}
	var nack *realtime.NackError
	if errors.As(err, &nack) {
		return newServiceError(operation, "rejected", err)
	}
	var status *StatusError
	if errors.As(err, &status) {
		return newServiceError(operation, "http_status", err)
	}
	return newServiceError(operation, "request_failed", err)
}

func (g *Gateway) doJSON(ctx context.Context, method, path string, body any, out any) error {
	endpoint := *g.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := g.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(detail))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	g.logger.Debug("mutation completed", zap.String("method", method), zap.String("path", path), zap.Int("status", response.StatusCode))
	return nil
}
