package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"go.uber.org/zap"
)

// Source names the signal that last changed connectivity.
type Source string

const (
	SourceNone    Source = ""
	SourceSocket  Source = "socket"
	SourceNetwork Source = "network"
)

// Listener receives the online/offline signal.
type Listener interface {
	SetOnline(online bool)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(online bool)

// SetOnline implements Listener.
func (f ListenerFunc) SetOnline(online bool) {
	f(online)
}

// Snapshot is the bridge's view of connectivity.
type Snapshot struct {
	Online    bool            `json:"online"`
	Source    Source          `json:"source"`
	Socket    realtime.Status `json:"socket"`
	ChangedAt time.Time       `json:"changedAt"`
}

// Config describes the dependencies of a Bridge.
type Config struct {
	Listeners []Listener
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Bridge folds socket status and a secondary network signal into one online flag and forwards it to
// listeners. Whichever source reported last wins.
type Bridge struct {
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []Listener

	notifyMu sync.Mutex
}

// NewBridge constructs an offline bridge.
func NewBridge(cfg Config) *Bridge {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		clock:     clock,
		logger:    logger,
		snapshot:  Snapshot{ChangedAt: clock().UTC()},
		listeners: append([]Listener(nil), cfg.Listeners...),
	}
}

// AddListener registers a listener and immediately sends it the current signal.
func (b *Bridge) AddListener(listener Listener) {
	if listener == nil {
		return
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.mu.Lock()
	b.listeners = append(b.listeners, listener)
	online := b.snapshot.Online
	b.mu.Unlock()
	listener.SetOnline(online)
}

// ReportSocket records a connection manager status.
func (b *Bridge) ReportSocket(status realtime.Status) {
	b.update(SourceSocket, status.IsConnected, &status)
}

// ReportNetwork records the secondary network signal.
func (b *Bridge) ReportNetwork(online bool) {
	b.update(SourceNetwork, online, nil)
}

// Run forwards status events until ctx ends or events closes.
func (b *Bridge) Run(ctx context.Context, events <-chan realtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Status != nil {
				b.ReportSocket(*event.Status)
			}
		}
	}
}

// Online reports the current signal.
func (b *Bridge) Online() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot.Online
}

// Snapshot returns the current view.
func (b *Bridge) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

func (b *Bridge) update(source Source, online bool, status *realtime.Status) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	changed := b.snapshot.Online != online
	b.snapshot.Online = online
	b.snapshot.Source = source
	if status != nil {
		b.snapshot.Socket = *status
	}
	if changed {
		b.snapshot.ChangedAt = b.clock().UTC()
	}
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()

	if !changed {
		return
	}
	b.logger.Info("connectivity changed", zap.Bool("online", online), zap.String("source", string(source)))
	for _, listener := range listeners {
		listener.SetOnline(online)
	}
}
