package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"payline/gateway/internal/config"
	"payline/gateway/internal/engine"
	"payline/gateway/internal/httpapi"
	"payline/gateway/internal/ledger"
	"payline/gateway/internal/messaging"
	"payline/gateway/internal/scheduler"
	"payline/gateway/internal/stats"
	"payline/gateway/internal/storage"
	"payline/gateway/internal/websocket"
)

type App struct {
	cfg        config.Config
	logger     *slog.Logger
	db         *storage.DB
	settler    *scheduler.Settler
	engine     *engine.Engine
	wsHub      *websocket.Hub
	publisher  messaging.Publisher
	dispatcher *messaging.Dispatcher
	httpSrv    *http.Server
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	var (
		db    *storage.DB
		store ledger.Store
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store = storage.NewPostgres(db)
	} else {
		logger.Warn("no database configured, using in-memory ledger store")
		store = storage.NewMemory()
	}

	var delay scheduler.DelayStrategy = scheduler.RandomDelay{Min: cfg.SettleMinDelay, Max: cfg.SettleMaxDelay}
	var outcome scheduler.OutcomeStrategy = scheduler.ValidatorOutcome{}
	if cfg.Deterministic {
		delay = scheduler.FixedDelay{D: cfg.SettleFixedDelay}
		switch cfg.ForcedOutcome {
		case "success":
			outcome = scheduler.ForcedOutcome{Status: ledger.PaymentSuccess}
		case "failed":
			outcome = scheduler.ForcedOutcome{Status: ledger.PaymentFailed}
		}
		logger.Info("deterministic settlement mode", "forced_outcome", cfg.ForcedOutcome)
	}

	settler := scheduler.New(store, delay, outcome, logger, scheduler.Config{
		RetryMax:      cfg.SettleRetryMax,
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
	})

	eng := engine.New(store, settler, logger)
	agg := stats.NewAggregator(store)

	wsHub := websocket.NewHub()
	settler.AddNotifier(wsHub)

	a := &App{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		settler: settler,
		engine:  eng,
		wsHub:   wsHub,
	}

	if cfg.RabbitURL != "" {
		if db == nil {
			logger.Warn("rabbit configured without a database, settlement events disabled")
		} else {
			publisher, err := messaging.NewRabbitPublisher(cfg.RabbitURL, cfg.EventsExchange)
			if err != nil {
				db.Close()
				return nil, err
			}
			writer := messaging.NewOutboxWriter(db.Pool(), logger)
			settler.AddNotifier(writer)
			eng.AddNotifier(writer)
			a.publisher = publisher
			a.dispatcher = messaging.NewDispatcher(db.Pool(), publisher, cfg.OutboxInterval, cfg.OutboxBatch, logger)
		}
	}

	api := httpapi.NewServer(eng, agg, logger)
	wsHandler := websocket.NewHandler(wsHub, eng, logger)
	api.HandleFunc("GET /orders/{orderID}/ws", wsHandler.ServeWS)

	a.httpSrv = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api,
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)

	go a.wsHub.Run(ctx)
	a.settler.Start(ctx)
	if a.dispatcher != nil {
		a.dispatcher.Start(ctx)
	}

	go func() {
		a.logger.Info("gateway http server listening", "addr", a.cfg.HTTPAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGracePeriod)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func Run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer app.Close(ctx)

	return app.Run(ctx)
}
