// Command appointflowd runs the dispatch engine behind its HTTP API.
//
// Usage:
//
//	appointflowd -config appointflow.yaml
//
// Settings come from the YAML file, then from the environment. With no
// BREVO_API_KEY set, messages go to an in-memory transport and are
// logged instead of delivered.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zakinabdul/appointflow/api"
	"github.com/zakinabdul/appointflow/audithook"
	"github.com/zakinabdul/appointflow/engine"
	"github.com/zakinabdul/appointflow/kafkahook"
	"github.com/zakinabdul/appointflow/store"
	"github.com/zakinabdul/appointflow/store/memory"
	"github.com/zakinabdul/appointflow/store/mongo"
	"github.com/zakinabdul/appointflow/store/postgres"
	"github.com/zakinabdul/appointflow/store/redis"
	"github.com/zakinabdul/appointflow/store/sqlite"
	"github.com/zakinabdul/appointflow/transport"
	"github.com/zakinabdul/appointflow/transport/brevo"
	trmemory "github.com/zakinabdul/appointflow/transport/memory"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to a YAML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, os.Getenv, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, getenv func(string) string, logOut io.Writer) error {
	cfg, err := loadConfig(cfgPath, getenv)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}

	tr, err := newTransport(cfg.Brevo, logger)
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithConfig(cfg.Dispatch),
		engine.WithStore(st),
		engine.WithTransport(tr),
		engine.WithLogger(logger),
	}
	if cfg.Breaker.Enabled {
		bc := transport.DefaultBreakerConfig()
		bc.ConsecutiveFailures = cfg.Breaker.ConsecutiveFailures
		bc.Timeout = cfg.Breaker.Timeout
		opts = append(opts, engine.WithBreaker(bc))
	}
	if cfg.Audit.Enabled {
		var auditOpts []audithook.Option
		if len(cfg.Audit.Actions) > 0 {
			auditOpts = append(auditOpts, audithook.WithActions(cfg.Audit.Actions...))
		}
		auditOpts = append(auditOpts, audithook.WithLogger(logger))
		opts = append(opts, engine.WithExtension(audithook.New(audithook.NewSlogRecorder(logger), auditOpts...)))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		w := kafkahook.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("kafka writer close error", slog.String("error", err.Error()))
			}
		}()
		var hookOpts []kafkahook.Option
		if len(cfg.Kafka.Events) > 0 {
			hookOpts = append(hookOpts, kafkahook.WithEvents(cfg.Kafka.Events...))
		}
		opts = append(opts, engine.WithExtension(kafkahook.New(w, hookOpts...)))
		logger.Info("publishing job events to kafka",
			slog.String("topic", cfg.Kafka.Topic),
			slog.Int("brokers", len(cfg.Kafka.Brokers)),
		)
	}

	eng, err := engine.New(opts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.New(eng, logger).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Dispatch.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("engine stop: %w", err))
	}
	return errors.Join(errs...)
}

// openStore connects the configured backend. The returned func releases
// the connection.
func openStore(ctx context.Context, cfg storeConfig, logger *slog.Logger) (store.Store, func(), error) {
	closeWith := func(s store.Store) func() {
		return func() {
			if err := s.Close(); err != nil {
				logger.Warn("store close error", slog.String("error", err.Error()))
			}
		}
	}

	switch cfg.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, closeWith(s), nil

	case "sqlite":
		s, err := sqlite.New(ctx, cfg.DSN, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, closeWith(s), nil

	case "redis":
		ropts, err := goredis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(ropts)
		s := redis.New(client, redis.WithLogger(logger))
		return s, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close error", slog.String("error", err.Error()))
			}
		}, nil

	case "mongo":
		client, err := mongod.Connect(options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		s := mongo.New(client.Database(cfg.Database), mongo.WithLogger(logger))
		return s, func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
			}
		}, nil

	default:
		logger.Warn("using in-memory store; jobs do not survive a restart")
		s := memory.New()
		return s, closeWith(s), nil
	}
}

func newTransport(cfg brevoConfig, logger *slog.Logger) (transport.Transport, error) {
	if cfg.APIKey == "" {
		logger.Warn("BREVO_API_KEY not set; emails are kept in memory and not delivered")
		return trmemory.New(), nil
	}
	return brevo.New(cfg.APIKey, cfg.Sender)
}
