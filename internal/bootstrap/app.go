// Package bootstrap wires configuration, storage, the queue, workers, event
// publishing and the HTTP API into one process.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/Popie52/notifyqueue/internal/clock"
	"github.com/Popie52/notifyqueue/internal/config"
	"github.com/Popie52/notifyqueue/internal/core"
	"github.com/Popie52/notifyqueue/internal/events"
	"github.com/Popie52/notifyqueue/internal/logging"
	"github.com/Popie52/notifyqueue/internal/mailer"
	"github.com/Popie52/notifyqueue/internal/metrics"
	"github.com/Popie52/notifyqueue/internal/queue"
	"github.com/Popie52/notifyqueue/internal/store"
)

const (
	serviceName            = "notifyqueue"
	defaultShutdownTimeout = 5 * time.Second
)

// Run loads configuration from configPath and serves until SIGINT or SIGTERM.
func Run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(os.Stdout, logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: serviceName,
	})
	slog.SetDefault(log)
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = logging.Writer{Log: log, Level: slog.LevelDebug}
	gin.DefaultErrorWriter = logging.Writer{Log: log, Level: slog.LevelError}

	app, err := New(ctx, cfg, WithLogger(log))
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

type Option func(*App)

func WithLogger(l *slog.Logger) Option { return func(a *App) { a.log = l } }
func WithClock(c clock.Clocker) Option { return func(a *App) { a.clock = c } }

// WithMailer replaces the mailer built from configuration.
func WithMailer(m mailer.Mailer) Option { return func(a *App) { a.mailer = m } }

// WithMetricReader attaches an OpenTelemetry reader to the meter provider.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(a *App) { a.readers = append(a.readers, r) }
}

type App struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clock.Clocker

	store      store.JobStore
	queue      *queue.Queue
	dispatcher *core.Dispatcher
	pool       *core.Pool
	mailer     mailer.Mailer
	relay      *events.Relay
	metrics    *metrics.Metrics
	meters     *sdkmetric.MeterProvider
	readers    []sdkmetric.Reader
	router     *gin.Engine
}

// New builds every component and restores persisted jobs. ctx bounds the
// process lifetime: once it is done the API stops accepting submissions.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default(), clock: clock.New()}
	for _, opt := range opts {
		opt(a)
	}

	a.metrics = metrics.New()
	meterOpts := make([]sdkmetric.Option, 0, len(a.readers))
	for _, r := range a.readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}
	a.meters = sdkmetric.NewMeterProvider(meterOpts...)
	otelRec, err := metrics.NewOTel(a.meters.Meter("github.com/Popie52/notifyqueue"))
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}
	recorder := metrics.Multi{a.metrics, otelRec}

	a.store, err = openStore(ctx, cfg.Queue)
	if err != nil {
		return nil, err
	}

	pub, err := newPublisher(cfg.Events, a.log)
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.relay = events.NewRelay(pub, cfg.Events.Buffer, a.log)

	a.queue = queue.New(
		queue.WithStore(a.store),
		queue.WithClock(a.clock),
		queue.WithMetrics(recorder),
		queue.WithLogger(a.log),
		queue.WithLeaseTimeout(cfg.Worker.LeaseTimeout),
		queue.WithCapacity(cfg.Queue.Capacity),
		queue.WithHistory(cfg.Queue.History),
		queue.WithObserver(a.relay.Observe),
	)
	if err := a.queue.Restore(ctx); err != nil {
		a.store.Close()
		return nil, err
	}

	if a.mailer == nil {
		a.mailer, err = newMailer(cfg.Mail, a.log)
		if err != nil {
			a.store.Close()
			return nil, err
		}
	}

	a.dispatcher = core.NewDispatcher(a.queue, cfg.Worker.MaxAttempts, a.clock, a.log)
	a.pool = core.NewPool(cfg.Worker.Count, "worker", a.queue, a.mailer, core.WorkerConfig{
		Backoff:       core.Backoff{Base: cfg.Worker.BaseDelay, Max: cfg.Worker.MaxDelay},
		SendTimeout:   cfg.Worker.SendTimeout,
		PollInterval:  cfg.Worker.PollInterval,
		SweepInterval: cfg.Worker.SweepInterval,
		Limiter:       core.NewLimiter(cfg.Mail.RatePerSecond, cfg.Mail.Burst),
		Clock:         a.clock,
		Metrics:       recorder,
		Logger:        a.log,
	})

	a.router = newRouter(ctx, a.dispatcher, a.metrics.Handler(), cfg.Mail.UserMail, a.log)

	return a, nil
}

func (a *App) Handler() http.Handler        { return a.router }
func (a *App) Dispatcher() *core.Dispatcher { return a.dispatcher }
func (a *App) Queue() *queue.Queue          { return a.queue }

// Run serves HTTP and runs the workers until ctx is done, then drains: the
// listener closes, the queue stops handing out jobs, in-flight sends settle,
// remaining events are published and the store is closed.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.HTTP.Addr,
		Handler: a.router,
	}

	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRelay()

	var relayWG, poolWG sync.WaitGroup
	relayWG.Go(func() { a.relay.Run(relayCtx) })
	poolWG.Go(func() { a.pool.Run(ctx) })

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	a.log.Info("notifyqueue started",
		"addr", a.cfg.HTTP.Addr,
		"workers", a.pool.Size(),
		"backend", a.cfg.Queue.Backend,
		"pending", a.queue.Len(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	a.log.Info("shutting down http server...")
	timeout := a.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}

	a.queue.Close()
	a.log.Info("waiting for workers to stop...")
	poolWG.Wait()

	stopRelay()
	relayWG.Wait()

	if err := a.store.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close store: %w", err))
	}
	if err := a.meters.Shutdown(context.Background()); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown meters: %w", err))
	}

	a.log.Info("bootstrap exiting")
	return runErr
}

func openStore(ctx context.Context, cfg config.QueueConfig) (store.JobStore, error) {
	switch cfg.Backend {
	case "memory", "":
		return store.Nop{}, nil
	case "file":
		if err := ensureDir(cfg.FilePath); err != nil {
			return nil, err
		}
		return store.NewFileJobStore(cfg.FilePath), nil
	case "sqlite":
		if err := ensureDir(cfg.SQLite.Path); err != nil {
			return nil, err
		}
		return store.NewSQLiteJobStore(cfg.SQLite.Path)
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Postgres.Driver, cfg.Postgres.DSN)
	case "redis":
		return store.OpenRedis(ctx, cfg.Redis.URL, cfg.Redis.Key)
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownBackend, cfg.Backend)
	}
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir for %s: %w", path, err)
	}
	return nil
}

func newMailer(cfg config.MailConfig, log *slog.Logger) (mailer.Mailer, error) {
	switch cfg.Driver {
	case "smtp":
		s, err := mailer.NewSMTP(mailer.SMTPConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp mailer: %w", err)
		}
		return s, nil
	case "log", "":
		return mailer.NewLog(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownMailDriver, cfg.Driver)
	}
}

func newPublisher(cfg config.EventsConfig, log *slog.Logger) (events.Publisher, error) {
	if cfg.NATSURL == "" {
		return events.NewLog(log), nil
	}

	pub, err := events.NewNATS(events.NATSConfig{
		URL:    cfg.NATSURL,
		Prefix: cfg.Prefix,
		Options: []nats.Option{
			nats.Name(serviceName),
			nats.MaxReconnects(-1),
			nats.RetryOnFailedConnect(true),
		},
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}
