package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matrixcore/homeserver/internal/access"
	"github.com/matrixcore/homeserver/internal/backfill"
	"github.com/matrixcore/homeserver/internal/config"
	"github.com/matrixcore/homeserver/internal/fedout"
	"github.com/matrixcore/homeserver/internal/fedserver"
	"github.com/matrixcore/homeserver/internal/fetch"
	"github.com/matrixcore/homeserver/internal/keys"
	"github.com/matrixcore/homeserver/internal/logging"
	"github.com/matrixcore/homeserver/internal/notify"
	"github.com/matrixcore/homeserver/internal/peers"
	"github.com/matrixcore/homeserver/internal/roomdag"
	"github.com/matrixcore/homeserver/internal/store"
	"github.com/matrixcore/homeserver/internal/verify"
	"github.com/matrixcore/homeserver/internal/vm"
)

// App wires every component into one running process: the federation HTTP
// server, the per-event admission machine, the fetch coordinator, and the
// background maintenance worker, all sharing one storage engine.
type App struct {
	Logger *zap.Logger

	Engine   *store.Engine
	Store    *store.Store
	DAG      *roomdag.Manager
	Peers    *peers.Pool
	Notify   *notify.Client
	VM       *vm.VM
	Fetch    *fetch.Coordinator
	Keys     *keys.Server
	Sweeper  *backfill.Sweeper
	Temporal *backfill.TemporalClient

	FedServer *fedserver.Server
	HTTP      *http.Server
}

// Start starts the federation server and the backfill sweeper, then blocks
// until ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.HTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Fatal("federation server exited", zap.Error(err))
		}
	}()
	a.Logger.Info("federation server listening", zap.String("addr", a.HTTP.Addr))

	if err := a.Sweeper.Start(ctx); err != nil {
		a.Logger.Fatal("unable to start backfill sweeper", zap.Error(err))
	}

	<-ctx.Done()
	a.Stop()
}

// Stop shuts every component down in dependency order: sweeper before its
// fetch coordinator's pools, HTTP server before the store it reads from.
func (a *App) Stop() {
	a.Sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HTTP.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("federation server shutdown failed", zap.Error(err))
	}

	if a.Temporal != nil {
		a.Temporal.Close()
	}
	if a.Notify != nil {
		if err := a.Notify.Close(); err != nil {
			a.Logger.Error("notification client close failed", zap.Error(err))
		}
	}
	if err := a.Engine.Close(); err != nil {
		a.Logger.Error("storage engine close failed", zap.Error(err))
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize builds a fully wired App from environment configuration,
// mirroring the teacher's Initialize(ctx) *App constructor shape.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}

	dataDir := config.Env("HOMESERVER_DATA_DIR", "./data")
	engine, err := store.OpenEngine(store.EngineOptions{Dir: dataDir})
	if err != nil {
		logger.Fatal("unable to open storage engine", zap.Error(err))
	}
	st := store.New(engine, logger)
	dag := roomdag.New(st)

	pool := peers.New(peers.Options{
		Timeout: time.Duration(config.EnvInt("FEDERATION_TIMEOUT_SECONDS", 15)) * time.Second,
		RPS:     config.EnvInt("FEDERATION_RPS", 20),
		Burst:   config.EnvInt("FEDERATION_BURST", 40),
	}, logger)

	nt, err := notify.New(ctx, logger)
	if err != nil {
		logger.Fatal("unable to connect notification client", zap.Error(err))
	}

	keyServer, err := keys.New(pool, logger)
	if err != nil {
		logger.Fatal("unable to establish signing identity", zap.Error(err))
	}

	accessChecker := access.New(st)
	eventVerifier := verify.New(keyServer)

	nodeID := config.Env("MATRIX_SERVER_NAME", keyServer.ServerName)
	roomConcurrency := config.EnvInt("FETCH_ROOM_CONCURRENCY", 4)

	// machine is constructed without a Fetcher first since fetch.New itself
	// needs the machine to resubmit retrieved events; the two are then tied
	// together, the same forward-reference the teacher's activity/workflow
	// context pair resolves via a shared *App.
	machine := vm.New(st, nt, accessChecker, eventVerifier, nil, logger)
	fc := fetch.New(st, dag, pool, machine, roomConcurrency, logger)
	machine.Fetch = fc
	machine.Sender = fedout.NewSender(pool, nodeID, logger)

	fedSrv := &fedserver.Server{
		VM:            machine,
		Store:         st,
		DAG:           dag,
		Keys:          keyServer,
		Logger:        logger,
		NodeID:        nodeID,
		ServerVersion: config.Env("HOMESERVER_VERSION", "dev"),
	}

	addr := config.Env("FEDERATION_ADDR", ":8448")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           fedSrv.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := &backfill.Sweeper{
		Store:  st,
		DAG:    dag,
		Fetch:  fc,
		Logger: logger,
	}

	var temporalClient *backfill.TemporalClient
	if config.EnvBool("TEMPORAL_ENABLED", false) {
		temporalClient, err = backfill.NewTemporalClient(ctx, logger)
		if err != nil {
			logger.Fatal("unable to establish temporal connection", zap.Error(err))
		}
	}

	return &App{
		Logger:    logger,
		Engine:    engine,
		Store:     st,
		DAG:       dag,
		Peers:     pool,
		Notify:    nt,
		VM:        machine,
		Fetch:     fc,
		Keys:      keyServer,
		Sweeper:   sweeper,
		Temporal:  temporalClient,
		FedServer: fedSrv,
		HTTP:      httpServer,
	}
}
