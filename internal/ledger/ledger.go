package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"go.uber.org/zap"
)

const (
	// DefaultTTL bounds how long a local operation is remembered.
	DefaultTTL = 5 * time.Second
	// DefaultOperationTimeout bounds each store call.
	DefaultOperationTimeout = 250 * time.Millisecond
)

// Config describes the dependencies of a Ledger.
type Config struct {
	Store            Store
	TTL              time.Duration
	OperationTimeout time.Duration
	Logger           *zap.Logger
}

// Ledger remembers fingerprints of operations this process originated so their server echoes can be
// recognized. It never returns errors: a failing store reads as "not local".
type Ledger struct {
	store   Store
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// New constructs a ledger. A nil store defaults to a MemoryStore.
func New(cfg Config) *Ledger {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore(nil)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: store, ttl: ttl, timeout: timeout, logger: logger}
}

// TTL reports the fingerprint lifetime.
func (l *Ledger) TTL() time.Duration {
	if l == nil {
		return 0
	}
	return l.ttl
}

// Mark registers fingerprint for the configured TTL.
func (l *Ledger) Mark(fingerprint string) {
	if l == nil || strings.TrimSpace(fingerprint) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.store.Mark(ctx, fingerprint, l.ttl); err != nil {
		l.logger.Warn("ledger mark failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

// IsLocal reports whether fingerprint is currently registered.
func (l *Ledger) IsLocal(fingerprint string) bool {
	if l == nil || strings.TrimSpace(fingerprint) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	found, err := l.store.Contains(ctx, fingerprint)
	if err != nil {
		l.logger.Warn("ledger lookup failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return false
	}
	return found
}

// Clear removes fingerprint ahead of its TTL.
func (l *Ledger) Clear(fingerprint string) {
	if l == nil || strings.TrimSpace(fingerprint) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.store.Remove(ctx, fingerprint); err != nil {
		l.logger.Warn("ledger clear failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}

// IsLocalMessage reports whether an inbound message echoes a registered local operation and returns
// the fingerprint that matched.
func (l *Ledger) IsLocalMessage(message realtime.Message) (string, bool) {
	if l == nil {
		return "", false
	}
	for _, fingerprint := range MessageFingerprints(message) {
		if l.IsLocal(fingerprint) {
			return fingerprint, true
		}
	}
	return "", false
}

// ClearMessage removes every fingerprint an inbound message could have matched, so the fine and
// coarse marks of one local operation go together.
func (l *Ledger) ClearMessage(message realtime.Message) {
	if l == nil {
		return
	}
	for _, fingerprint := range MessageFingerprints(message) {
		l.Clear(fingerprint)
	}
}

// Close releases the store and any pending expiry work.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.store.Close()
}
