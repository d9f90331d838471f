// Package app wires the LangMate server runtime: config, logging, storage backends,
// the event bus, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/auth"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/events"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/httpapi"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/metrics"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/realtime"
)

// App is the LangMate server runtime: it owns storage, the event bus and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	backend *backend
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	svc   *messaging.Service
	local *events.LocalBus
	rdb   redis.UniversalClient
	redis *events.RedisBus
	hub   *realtime.Hub

	handler http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		return nil, err
	}

	be, err := newBackend(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, backend: be, reg: reg, metrics: m}
	if err := a.wire(verifier); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(verifier auth.Verifier) error {
	cfg, log, m := a.cfg, a.log, a.metrics

	a.local = events.NewLocalBus(events.WithDropHook(func(ev events.Event) {
		m.EventDropped("fanout")
		log.Warn("events.fanout.drop", "type", ev.Type, "conversation_id", ev.ConversationID)
	}))

	var pub events.Publisher = a.local
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rb, err := events.NewRedisBus(a.rdb,
			events.WithChannel(cfg.RedisChannel),
			events.WithLogger(log),
			events.WithRedisDropHook(m.EventDropped),
		)
		if err != nil {
			return err
		}
		a.redis = rb
		pub = rb
		log.Info("events.redis.enabled", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)
	}

	svc, err := messaging.New(a.backend.convs, a.backend.log,
		messaging.WithLogger(log),
		messaging.WithMetrics(m),
		messaging.WithPublisher(pub),
		messaging.WithAppendRetry(cfg.AppendAttempts, cfg.AppendBackoff),
	)
	if err != nil {
		return err
	}
	a.svc = svc

	a.hub = realtime.NewHub(log, m)
	ws, err := realtime.NewGateway(log, a.hub, svc, verifier, realtime.Config{
		InsecureSkipVerify: cfg.WSInsecureSkipCheck,
		OriginRequired:     cfg.WSOriginRequired,
		AllowedOrigins:     cfg.WSAllowedOrigins,
		SendQueueSize:      cfg.WSSendQueueSize,
		HeartbeatInterval:  cfg.WSHeartbeat,
		HeartbeatTimeout:   cfg.WSHeartbeatTimeout,
		RateEvents:         cfg.WSRateEvents,
		RateWindow:         cfg.WSRateWindow,
	}, m)
	if err != nil {
		return err
	}

	api, err := httpapi.NewHandler(log, svc, verifier)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, a.backend, a.reg, ws, api)
	a.handler = WithRequestID(WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log))
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Service returns the messaging service.
func (a *App) Service() *messaging.Service { return a.svc }

// Run starts the HTTP server, the event relay and the realtime hub, and blocks until
// ctx is canceled or one of them fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	sub := a.local.Subscribe(realtime.SubscriptionBuffer)
	g.Go(func() error {
		defer sub.Close()
		a.hub.Run(gctx, sub)
		return nil
	})

	if a.redis != nil {
		g.Go(func() error {
			_, done := a.redis.Run(gctx, a.local)
			if err := <-done; err != nil && gctx.Err() == nil {
				a.log.Error("events.redis.fail", "err", err)
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		base := runtimeBaseURL(ln.Addr().String())
		a.log.Info("server.start",
			"addr", ln.Addr().String(),
			"http", base,
			"ws", wsBaseURL(base)+"/ws",
			"store", a.backend.kind,
			"auth", a.cfg.AuthMode,
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() error {
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	errs = append(errs, a.backend.Close())
	return errors.Join(errs...)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
