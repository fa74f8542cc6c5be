// Package app is the composition root: it builds every adapter and
// component from Config and owns their startup/shutdown ordering. Grounded
// in the teacher's main.go wiring, generalized from a single hardwired
// process into the additive run-mode composition controller ⊂ monitor ⊂
// dispatcher (spec §5/§9), and upgraded from the teacher's bare
// log.Fatal(http.ListenAndServe(...)) to an errgroup-driven ordered
// shutdown (HTTP -> Dispatcher -> Reconciler -> Monitors -> Adapters).
package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jihunglin/skalds/internal/api"
	"github.com/jihunglin/skalds/internal/cache"
	"github.com/jihunglin/skalds/internal/clock"
	"github.com/jihunglin/skalds/internal/config"
	"github.com/jihunglin/skalds/internal/dispatcher"
	"github.com/jihunglin/skalds/internal/eventlog"
	"github.com/jihunglin/skalds/internal/fanout"
	"github.com/jihunglin/skalds/internal/idempotency"
	"github.com/jihunglin/skalds/internal/leaderelect"
	"github.com/jihunglin/skalds/internal/reconciler"
	"github.com/jihunglin/skalds/internal/skaldmon"
	"github.com/jihunglin/skalds/internal/state"
	"github.com/jihunglin/skalds/internal/store"
	"github.com/jihunglin/skalds/internal/taskmon"

	"github.com/redis/go-redis/v9"
)

// App holds every constructed component; Run starts the subset cfg.RunMode
// implies and blocks until ctx is cancelled or the HTTP server fails, then
// shuts down in reverse dependency order.
type App struct {
	cfg *config.Config
	clk clock.Clock

	redisClient *redis.Client
	cache       cache.Cache
	store       *store.PostgresStore
	publisher   *eventlog.RedisStreamsPublisher

	skaldStore *state.SkaldStore
	taskStore  *state.TaskStore

	skaldMon   *skaldmon.Monitor
	taskMon    *taskmon.Monitor
	recon      *reconciler.Reconciler
	dispatch   *dispatcher.Dispatcher
	elector    *leaderelect.Elector

	skaldHub *fanout.Hub
	taskHub  *fanout.Hub
	debugHub *fanout.DebugHub

	httpServer *http.Server
}

// Build dials every external collaborator and wires every component. It
// does not start any background loop; call Run for that.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	clk := clock.Real{}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, err
	}

	pgStore, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	publisher := eventlog.NewRedisStreamsPublisher(redisClient, cfg.EventStreamFanout)

	skaldStore := state.NewSkaldStore()
	taskStore := state.NewTaskStore()

	skaldMon := skaldmon.New(redisCache, skaldStore, clk, skaldmon.Config{
		SyncInterval:   cfg.SkaldSyncInterval,
		StaleThreshold: cfg.SkaldStaleThreshold,
		EvictThreshold: cfg.SkaldEvictThreshold,
		StuckWindow:    cfg.StuckWindow,
	})

	recon := reconciler.New(pgStore, taskStore, publisher, clk, reconciler.Config{
		AssignmentTimeout: cfg.AssignmentTimeout,
		SweepInterval:     cfg.AssignmentTimeout / 3,
	})

	taskMon := taskmon.New(redisCache, pgStore, taskStore, skaldStore, publisher, recon, clk, taskmon.Config{
		SyncInterval:         cfg.TaskSyncInterval,
		StuckWindow:          cfg.StuckWindow,
		OrphanCancelInterval: cfg.OrphanCancelPeriod,
	})

	disp := dispatcher.New(pgStore, skaldStore, publisher, clk, dispatcher.Config{
		Interval:           cfg.DispatchInterval,
		Policy:             cfg.DispatchPolicy,
		CircuitFailureN:    5,
		CircuitCooldown:    30 * time.Second,
		PerSkaldRatePerSec: 20,
		PerSkaldBurst:      40,
	})

	var elector *leaderelect.Elector
	if cfg.Includes(config.ModeDispatcher) && cfg.DispatcherLeaderLock {
		elector = leaderelect.New(redisClient, clk, cfg.NodeID, cfg.DispatcherLeaderLeaseTTL)
		elector.SetCallbacks(func(leaderCtx context.Context) {
			disp.Run(leaderCtx)
		}, nil)
	}

	skaldHub := fanout.NewSkaldHub(skaldStore, clk, fanout.Config{
		KeepAlive: cfg.SSEKeepAlive, BackpressureHigh: cfg.SSEBackpressureHigh,
	})
	taskHub := fanout.NewTaskHub(taskStore, clk, fanout.Config{
		KeepAlive: cfg.SSEKeepAlive, BackpressureHigh: cfg.SSEBackpressureHigh,
	})
	debugHub := fanout.NewDebugHub()
	skaldStore.Subscribe(func(c state.SkaldChange) {
		if body, err := json.Marshal(c); err == nil {
			debugHub.Publish(body)
		}
	})
	taskStore.Subscribe(func(c state.TaskChange) {
		if body, err := json.Marshal(c); err == nil {
			debugHub.Publish(body)
		}
	})

	idemStore := idempotency.New(redisCache)

	app := &App{
		cfg: cfg, clk: clk,
		redisClient: redisClient, cache: redisCache, store: pgStore, publisher: publisher,
		skaldStore: skaldStore, taskStore: taskStore,
		skaldMon: skaldMon, taskMon: taskMon, recon: recon, dispatch: disp, elector: elector,
		skaldHub: skaldHub, taskHub: taskHub, debugHub: debugHub,
	}

	apiServer := api.New(pgStore, skaldStore, taskStore, recon, publisher, redisCache, idemStore,
		skaldHub, taskHub, cfg, clk, app.componentStatuses)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/system/events/ws", debugHub.ServeHTTP)

	app.httpServer = &http.Server{
		Addr:         cfg.BindHost + ":" + strconv.Itoa(cfg.BindPort),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPHandlerTimeout,
		WriteTimeout: 0, // SSE streams are long-lived; no blanket write deadline
	}

	return app, nil
}

// componentStatuses backs GET /api/system/status (spec §6), reporting which
// components this process's run mode actually starts.
func (a *App) componentStatuses() []api.ComponentStatus {
	statuses := []api.ComponentStatus{
		{Name: "http_api", Running: true},
		{Name: "skald_monitor", Running: a.cfg.Includes(config.ModeMonitor)},
		{Name: "task_monitor", Running: a.cfg.Includes(config.ModeMonitor)},
		{Name: "reconciler", Running: a.cfg.Includes(config.ModeMonitor)},
		{Name: "dispatcher", Running: a.cfg.Includes(config.ModeDispatcher), Details: string(a.cfg.DispatchPolicy)},
	}
	if a.elector != nil {
		statuses = append(statuses, api.ComponentStatus{
			Name: "dispatcher_leader_lock", Running: a.elector.IsLeader(), Details: a.cfg.NodeID,
		})
	}
	return statuses
}

// Run blocks until ctx is cancelled or the HTTP server fails (e.g. the port
// cannot be bound), then shuts down in the order spec §5 names: HTTP ->
// Dispatcher -> Reconciler -> Monitors -> Adapters. The HTTP server's error,
// if any, is returned.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		log.Printf("app: http listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error { a.debugHub.Run(gctx); return nil })

	if a.cfg.Includes(config.ModeMonitor) {
		g.Go(func() error { a.skaldMon.Run(gctx); return nil })
		g.Go(func() error { a.taskMon.Run(gctx); return nil })
		g.Go(func() error { a.recon.RunAssignmentTimeoutSweep(gctx); return nil })
	}
	if a.cfg.Includes(config.ModeDispatcher) {
		switch {
		case a.elector != nil:
			// Elector runs dispatch.Run itself, scoped to a leader-only
			// context, only while this process holds the lease.
			g.Go(func() error { a.elector.Run(gctx); return nil })
		default:
			g.Go(func() error { a.dispatch.Run(gctx); return nil })
		}
	}

	select {
	case <-ctx.Done():
	case <-gctx.Done(): // a Go func returned an error
	}
	a.shutdown()
	return g.Wait()
}

// shutdown tears down in dependency order, each stage bounded by a slice of
// the configured grace period so one stuck adapter can't block the rest.
func (a *App) shutdown() {
	stageTimeout := a.cfg.ShutdownGrace / 4
	if stageTimeout <= 0 {
		stageTimeout = 2 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("app: http shutdown: %v", err)
	}
	cancel()

	// Dispatcher, Reconciler, and Monitors are all driven off gctx, which is
	// derived from Run's ctx and is also cancelled by errgroup once any Go
	// func returns an error — that context cancellation is what actually stops
	// their ticker loops; this function only needs to close the adapters
	// after giving those loops a moment to observe cancellation.
	time.Sleep(stageTimeout)

	if err := a.publisher.Close(); err != nil {
		log.Printf("app: event publisher close: %v", err)
	}
	if c, ok := a.cache.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			log.Printf("app: cache close: %v", err)
		}
	}
	if err := a.redisClient.Close(); err != nil {
		log.Printf("app: event-log redis client close: %v", err)
	}
	a.store.Close()
}
