package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultSaveInterval bounds how often state updates reach the database.
	DefaultSaveInterval = 2 * time.Second
	flushTimeout        = 5 * time.Second
)

var errMissingStore = errors.New("snapshot store is required")

// PersisterConfig describes the dependencies of a Persister. When Source is set, flushes save what it
// returns and state events only wake the persister.
type PersisterConfig struct {
	Store    *Store
	Source   func() *realtime.State
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Persister writes state updates to a Store at most once per interval and once more on shutdown.
type Persister struct {
	store    *Store
	source   func() *realtime.State
	interval time.Duration
	limiter  *rate.Limiter
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	pending *realtime.State
	saved   *realtime.State
}

// NewPersister validates dependencies.
func NewPersister(cfg PersisterConfig) (*Persister, error) {
	if cfg.Store == nil {
		return nil, newServiceError("snapshot.persister.new", "missing_store", errMissingStore)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:    cfg.Store,
		source:   cfg.Source,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		clock:    clock,
		logger:   logger,
	}, nil
}

// Run consumes state events until ctx ends or events closes, then flushes whatever is pending.
func (p *Persister) Run(ctx context.Context, events <-chan realtime.Event) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.shutdownFlush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.State != nil {
				p.Record(event.State)
			}
			if p.limiter.Allow() {
				p.flushLogged(ctx)
			}
		case <-ticker.C:
			p.flushLogged(ctx)
		}
	}
}

// Record remembers the latest state without writing it.
func (p *Persister) Record(state *realtime.State) {
	p.mu.Lock()
	p.pending = state
	p.mu.Unlock()
}

// Flush writes the current state if it differs from the last one saved.
func (p *Persister) Flush(ctx context.Context) error {
	var live *realtime.State
	if p.source != nil {
		live = p.source()
	}
	p.mu.Lock()
	state := p.pending
	if live != nil {
		state = live
	}
	unchanged := state == nil || state == p.saved
	p.mu.Unlock()
	if unchanged {
		return nil
	}
	if err := p.store.Save(ctx, state, p.clock()); err != nil {
		return err
	}
	p.mu.Lock()
	p.saved = state
	p.mu.Unlock()
	return nil
}

func (p *Persister) flushLogged(ctx context.Context) {
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("snapshot save failed", zap.Error(err))
	}
}

func (p *Persister) shutdownFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	p.flushLogged(ctx)
}
