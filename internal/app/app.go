package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/auth"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/config"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/database"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/mutations"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/notifications"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/requestcache"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/server"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/snapshot"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const snapshotLoadTimeout = 5 * time.Second

// Query keys served by the request cache.
const (
	QueryReservations = "reservations"
	QueryVacations    = "vacations"
)

// Options carries the runtime configuration and the seams tests replace.
type Options struct {
	Config     config.AppConfig
	Dialer     realtime.Dialer
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// App is the assembled sync agent.
type App struct {
	Manager       *realtime.Manager
	Ledger        *ledger.Ledger
	Notifications *notifications.Aggregator
	Gateway       *mutations.Gateway
	Queries       *requestcache.Cache
	Connectivity  *connectivity.Bridge
	Snapshots     *snapshot.Store
	Handler       http.Handler

	persister *snapshot.Persister
	db        *gorm.DB
	logger    *zap.Logger
}

// New wires every component. The returned App owns the database and ledger store; call Close.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := database.OpenSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	application := &App{db: db, logger: logger}
	success := false
	defer func() {
		if !success {
			_ = application.Close()
		}
	}()

	application.Snapshots, err = snapshot.NewStore(snapshot.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	application.Ledger = ledger.New(ledger.Config{
		Store:  newLedgerStore(cfg, clock),
		TTL:    cfg.LedgerTTL,
		Logger: logger,
	})

	localizer, err := notifications.NewLocalizer(cfg.Locale)
	if err != nil {
		return nil, err
	}
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	lookupReservation := func(id string) (realtime.Reservation, bool) {
		return application.Manager.State().Reservation(id)
	}
	application.Notifications, err = notifications.NewAggregator(notifications.Config{
		Ledger:       application.Ledger,
		Localizer:    localizer,
		Location:     location,
		MaxItems:     cfg.RetentionMaxItems,
		MaxAge:       cfg.RetentionMaxAge,
		Clock:        clock,
		Reservations: lookupReservation,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := realtime.NewDispatcher()
	acks := realtime.NewAckRouter()

	httpClient := opts.HTTPClient
	dialer := opts.Dialer
	if dialer == nil {
		dialer = realtime.WebSocketDialer{}
	}
	if cfg.SigningSecret != "" {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(cfg.SigningSecret),
			Subject:       cfg.AuthSubject,
			Issuer:        cfg.AuthIssuer,
			Audience:      cfg.AuthAudience,
			TokenTTL:      cfg.TokenTTL,
			Clock:         clock,
		})
		if err != nil {
			return nil, fmt.Errorf("token issuer: %w", err)
		}
		httpClient = authorizedClient(httpClient, issuer)
		if wsDialer, ok := dialer.(realtime.WebSocketDialer); ok {
			wsDialer.HeaderFunc = issuer.Header
			dialer = wsDialer
		}
	}

	application.Gateway, err = mutations.NewGateway(mutations.Config{
		BaseURL:         cfg.APIBaseURL,
		HTTPClient:      httpClient,
		Ledger:          application.Ledger,
		Acks:            acks,
		OfflinePolicy:   cfg.OfflinePolicy,
		TypingPerSecond: cfg.TypingPerSecond,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	application.Queries = requestcache.New(requestcache.Config{Clock: clock, Logger: logger})
	if err := registerQueries(application.Queries, application.Gateway); err != nil {
		return nil, err
	}

	strategy := realtime.DefaultReconnectStrategy(cfg.ReconnectBase)
	strategy.MaxDelay = cfg.ReconnectMaxDelay
	application.Manager, err = realtime.NewManager(realtime.ManagerConfig{
		URL:          realtime.WebSocketURL(cfg.RealtimeBaseURL, cfg.RealtimePath),
		Dialer:       dialer,
		Strategy:     strategy,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		Dispatcher:   dispatcher,
		Acks:         acks,
		Observers:    []realtime.Observer{application.Notifications, application.Queries, invalidateByType(application.Queries)},
		InitialState: application.restoreState(),
		Logger:       logger,
		Clock:        clock,
	})
	if err != nil {
		return nil, err
	}

	application.Connectivity = connectivity.NewBridge(connectivity.Config{
		Listeners: []connectivity.Listener{application.Queries, application.Gateway},
		Clock:     clock,
		Logger:    logger,
	})

	application.persister, err = snapshot.NewPersister(snapshot.PersisterConfig{
		Store:    application.Snapshots,
		Source:   application.Manager.State,
		Interval: cfg.SnapshotSaveInterval,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	application.Handler, err = server.NewHTTPHandler(server.Dependencies{
		Realtime:      application.Manager,
		Queries:       application.Queries,
		Dispatcher:    dispatcher,
		Notifications: application.Notifications,
		Connectivity:  application.Connectivity,
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	success = true
	return application, nil
}

// Run drives the connection loop together with connectivity forwarding and snapshot persistence. It
// returns when ctx ends or the connection manager gives up.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := a.Manager.Dispatcher()
	statusEvents, stopStatus := dispatcher.Subscribe(runCtx, realtime.TopicStatus)
	defer stopStatus()
	stateEvents, stopState := dispatcher.Subscribe(runCtx, realtime.TopicState)
	defer stopState()

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		a.Connectivity.Run(runCtx, statusEvents)
	}()
	go func() {
		defer workers.Done()
		a.persister.Run(runCtx, stateEvents)
	}()

	err := a.Manager.Run(runCtx)
	cancel()
	workers.Wait()
	return err
}

// Close releases the ledger store and the database.
func (a *App) Close() error {
	var errs []error
	if err := a.Ledger.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.db != nil {
		sqlDB, err := a.db.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) restoreState() *realtime.State {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotLoadTimeout)
	defer cancel()
	loaded, err := a.Snapshots.Load(ctx)
	switch {
	case err == nil:
		a.logger.Info("restored persisted snapshot", zap.Time("captured_at", loaded.CapturedAt))
		return loaded.State
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		return realtime.NewState()
	default:
		a.logger.Warn("starting from an empty state", zap.Error(err))
		return realtime.NewState()
	}
}

func authorizedClient(client *http.Client, issuer *auth.TokenIssuer) *http.Client {
	authorized := &http.Client{}
	if client != nil {
		*authorized = *client
	}
	authorized.Transport = &auth.Transport{Issuer: issuer, Base: authorized.Transport}
	return authorized
}

func newLedgerStore(cfg config.AppConfig, clock func() time.Time) ledger.Store {
	if cfg.LedgerBackend != config.LedgerBackendRedis {
		return ledger.NewMemoryStore(clock)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return ledger.NewRedisStore(client, ledger.DefaultRedisPrefix)
}

func registerQueries(cache *requestcache.Cache, gateway *mutations.Gateway) error {
	paths := []struct {
		key  string
		path string
	}{
		{key: QueryReservations, path: "/api/reservations"},
		{key: QueryVacations, path: "/api/vacations"},
	}
	for _, entry := range paths {
		path := entry.path
		err := cache.Register(requestcache.Query{
			Key:      entry.key,
			Entities: []string{entry.key},
			Fetch: func(ctx context.Context) (any, error) {
				return gateway.Fetch(ctx, path)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// invalidateByType marks list queries stale when a frame changes what they return.
func invalidateByType(cache *requestcache.Cache) realtime.Observer {
	return realtime.ObserverFunc(func(message realtime.Message) {
		switch {
		case message.Type.IsReservation(), message.Type == realtime.MessageTypeSnapshot:
			cache.Invalidate(QueryReservations)
		}
		switch message.Type {
		case realtime.MessageTypeVacationUpdated, realtime.MessageTypeVacationAck, realtime.MessageTypeSnapshot:
			cache.Invalidate(QueryVacations)
		}
	})
}
