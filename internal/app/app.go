// Package app constructs the procflow application: stores, bus, engine, and
// optionally the background scheduler and HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cordum/procflow/internal/api"
	"github.com/cordum/procflow/internal/background"
	"github.com/cordum/procflow/internal/infra/bus"
	"github.com/cordum/procflow/internal/infra/config"
	"github.com/cordum/procflow/internal/infra/locks"
	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/cordum/procflow/internal/infra/metrics"
	"github.com/cordum/procflow/internal/process"
	"github.com/cordum/procflow/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	component              = "app"
	resultQueue            = "procflow-background"
	metricsNamespace       = "procflow"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second
)

// Bus is the message bus the application publishes to and consumes from.
type Bus interface {
	Publish(subject string, packet *protocol.Packet) error
	Subscribe(subject, queue string, handler bus.Handler) error
	Close() error
}

// Deps overrides collaborators that Create would otherwise dial.
type Deps struct {
	Bus Bus
}

// App is a constructed procflow application.
type App struct {
	cfg       *config.Config
	store     *process.RedisStore
	locks     *locks.RedisStore
	bus       Bus
	engine    *process.Engine
	scheduler *background.Scheduler
	registry  *prometheus.Registry

	opsSrv  *http.Server
	opsAddr string
	apiSrv  *http.Server
	apiAddr string

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Create builds the application described by cfg. A nil cfg is loaded from the environment.
func Create(cfg *config.Config) (*App, error) {
	return CreateWith(cfg, Deps{})
}

// CreateWith is Create with injectable dependencies.
func CreateWith(cfg *config.Config, deps Deps) (*App, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	a := &App{cfg: cfg}
	if err := a.init(deps); err != nil {
		_ = a.Close()
		return nil, err
	}
	logging.Info(component, "created",
		"api", a.APIServing(), "api_addr", a.apiAddr,
		"scheduler", a.SchedulerRunning(), "ops_addr", a.opsAddr)
	return a, nil
}

func (a *App) init(deps Deps) error {
	var err error
	if a.store, err = process.NewRedisStore(a.cfg.RedisURL); err != nil {
		return fmt.Errorf("connect redis process store: %w", err)
	}
	if a.locks, err = locks.NewRedisStore(a.cfg.RedisURL); err != nil {
		return fmt.Errorf("connect redis lock store: %w", err)
	}
	if deps.Bus != nil {
		a.bus = deps.Bus
	} else {
		natsBus, err := bus.NewNatsBus(a.cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.bus = natsBus
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewProm(metricsNamespace, a.registry)
	a.engine = process.NewEngine(a.store, a.bus)

	if a.cfg.RunBackgroundSchedulerInCreateApp {
		if err := a.startScheduler(prom); err != nil {
			return err
		}
	}

	if a.opsSrv, a.opsAddr, err = serve(a.cfg.OpsAddr, a.opsHandler()); err != nil {
		return fmt.Errorf("ops server: %w", err)
	}
	if a.cfg.RunAPIEndpoints {
		if a.apiSrv, a.apiAddr, err = serve(a.cfg.APIAddr, api.New(a.engine, a.locks, prom).Handler()); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}
	return nil
}

func (a *App) startScheduler(m metrics.Scheduler) error {
	sched := background.New(&a.cfg.Scheduler, a.engine, a.store, a.locks).WithMetrics(m)
	a.engine.WithSender(sched.ID())

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.scheduler = sched

	err := a.bus.Subscribe(protocol.SubjectTaskResult, resultQueue, func(p *protocol.Packet) error {
		if p == nil || p.TaskResult == nil {
			return nil
		}
		return sched.HandleTaskResult(ctx, p.TaskResult)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectTaskResult, err)
	}
	return nil
}

func (a *App) opsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler(a.registry))
	return mux
}

func serve(addr string, h http.Handler) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(component, "http server error", "addr", addr, "error", err)
		}
	}()
	return srv, ln.Addr().String(), nil
}

// Engine returns the process engine.
func (a *App) Engine() *process.Engine { return a.engine }

// SchedulerRunning reports whether the background scheduler was started.
func (a *App) SchedulerRunning() bool {
	return a.scheduler != nil && a.scheduler.Running()
}

// APIServing reports whether the HTTP API is being served.
func (a *App) APIServing() bool { return a.apiSrv != nil }

// APIAddr is the bound API address, empty when the API is off.
func (a *App) APIAddr() string { return a.apiAddr }

// OpsAddr is the bound health and metrics address.
func (a *App) OpsAddr() string { return a.opsAddr }

// Close stops the scheduler, servers, bus and stores. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		if a.cancel != nil {
			a.cancel()
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		for _, srv := range []*http.Server{a.apiSrv, a.opsSrv} {
			if srv != nil {
				errs = append(errs, srv.Shutdown(ctx))
			}
		}
		if a.bus != nil {
			errs = append(errs, a.bus.Close())
		}
		if a.locks != nil {
			errs = append(errs, a.locks.Close())
		}
		if a.store != nil {
			errs = append(errs, a.store.Close())
		}
		a.closeErr = errors.Join(errs...)
		logging.Info(component, "closed")
	})
	return a.closeErr
}
