package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"papertrade/internal/auth"
	"papertrade/internal/config"
	"papertrade/internal/db"
	"papertrade/internal/events"
	"papertrade/internal/health"
	"papertrade/internal/httpserver"
	"papertrade/internal/journal"
	"papertrade/internal/ledger"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/orders"
	"papertrade/internal/portfolio"
	"papertrade/internal/retry"
	"papertrade/internal/trading"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := newLogger(cfg)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type backend struct {
	source marketdata.Source
	store  ledger.Store
	pinger health.Pinger
	close  func()
}

func openBackend(ctx context.Context, cfg config.Config, instruments []model.Instrument) (backend, error) {
	if cfg.LedgerBackend == config.BackendMemory {
		return backend{
			source: marketdata.NewCatalog(instruments, cfg.MaxQuoteAge),
			store:  ledger.NewMemoryStore(),
			close:  func() {},
		}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return backend{}, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return backend{}, err
	}
	instrumentStore := marketdata.NewStore(pool, cfg.MaxQuoteAge)
	if err := instrumentStore.Seed(ctx, instruments); err != nil {
		pool.Close()
		return backend{}, err
	}
	return backend{
		source: instrumentStore,
		store:  ledger.NewPgStore(pool),
		pinger: pool,
		close:  pool.Close,
	}, nil
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	startedAt := time.Now().UTC()

	instruments, err := marketdata.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return err
	}
	be, err := openBackend(ctx, cfg, instruments)
	if err != nil {
		return errors.Wrap(err, "open backend")
	}
	defer be.close()
	log.Info("ledger backend ready", zap.String("backend", cfg.LedgerBackend), zap.Int("instruments", len(instruments)))

	bus := marketdata.NewBus()
	portfolioSvc, err := portfolio.NewService(be.store, be.source, cfg.PortfolioCacheTTL, cfg.Currency, log.Named("portfolio"))
	if err != nil {
		return err
	}
	defer portfolioSvc.Close()

	fanout := events.NewFanout(log.Named("events"), portfolioSvc, events.NewBusSink(bus))
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := events.NewKafkaSink(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), 0)
		defer func() {
			if err := kafkaSink.Close(); err != nil {
				log.Warn("close kafka writer", zap.Error(err))
			}
		}()
		fanout.Add(kafkaSink)
		log.Info("publishing trades to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	if cfg.JournalDir != "" {
		j, err := journal.Open(cfg.JournalDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.Warn("close trade journal", zap.Error(err))
			}
		}()
		n := 0
		if err := j.Replay(func(model.Transaction) error { n++; return nil }); err != nil {
			return err
		}
		fanout.Add(j)
		log.Info("trade journal open", zap.String("dir", cfg.JournalDir), zap.Int("entries", n))
	}

	executor := trading.NewExecutor(
		trading.NewValidator(be.source),
		be.source,
		be.store,
		trading.WithLogger(log.Named("trading")),
		trading.WithSink(fanout),
		trading.WithRetry(cfg.TradeMaxAttempts, cfg.TradeRetryInterval, retry.WithMaxInterval(cfg.TradeRetryMaxInterval)),
		trading.WithCommitTimeout(cfg.CommitTimeout),
		trading.WithCostScale(cfg.AverageCostScale),
	)

	tokens := auth.NewTokens(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		HealthHandler:    health.NewHandler(be.pinger, cfg.LedgerBackend, startedAt, log.Named("health")),
		OrderHandler:     orders.NewHandler(executor, be.store, cfg.DefaultBalanceDecimal(), log.Named("orders")),
		PortfolioHandler: portfolio.NewHandler(portfolioSvc, log.Named("portfolio")),
		MarketHandler:    marketdata.NewHandler(be.source, bus, log.Named("marketdata")),
		AuthHandler:      auth.NewHandler(tokens),
		Tokens:           tokens,
		InternalToken:    cfg.InternalToken,
		WSOrigin:         cfg.WebSocketOrigin,
		WSHandler:        httpserver.NewWSHandler(bus, tokens, cfg.WebSocketOrigin, log.Named("ws")),
		Logger:           log.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown")
}
