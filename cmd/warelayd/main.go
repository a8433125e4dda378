package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/talkincode/warelay/config"
	"github.com/talkincode/warelay/internal/adminapi"
	"github.com/talkincode/warelay/internal/app"
	"github.com/talkincode/warelay/internal/bridge"
	"github.com/talkincode/warelay/internal/observe"
	"github.com/talkincode/warelay/internal/rehydrate"
	"github.com/talkincode/warelay/internal/sessionstore"
	"github.com/talkincode/warelay/internal/shutdown"
	"go.uber.org/zap"
)

var (
	confFile = flag.String("c", "/etc/warelay.yml", "config file path")
	initDB   = flag.Bool("initdb", false, "drop and recreate the schema, then exit")
	showVer  = flag.Bool("v", false, "print version and exit")
)

var version = "dev"

func main() {
	flag.Parse()
	if *showVer {
		fmt.Println("warelayd", version)
		return
	}

	cfg := config.LoadConfig(*confFile)
	application := app.NewApplication(cfg)
	application.Init(cfg)

	if *initDB {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	store := sessionstore.NewStore(application.DB(), cfg.Session, application.Bus(), nil)
	collector := observe.NewCollector(nil)
	if err := application.Bus().Subscribe(sessionstore.TopicTransition, collector.HandleTransition); err != nil {
		zap.L().Error("bus subscribe failed", zap.Error(err))
	}

	wire, err := bridge.NewWhatsmeowBridge(application.DB(), cfg.Database.Type)
	if err != nil {
		zap.L().Fatal("bridge init failed", zap.Error(err))
	}

	coordinator := shutdown.New(nil,
		cfg.Session.OperationWait(),
		cfg.Session.CallbackTimeout(),
		cfg.Session.ShutdownCeiling())

	engine := rehydrate.New(cfg.Session, store, wire, collector, coordinator, nil)
	application.StartMaintenanceJobs(store, engine)

	server := adminapi.NewServer(cfg, store, collector, engine, wire)

	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(engineCtx); err != nil && err != context.Canceled {
			zap.L().Error("engine stopped", zap.Error(err))
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	// Teardown order: stop HTTP intake, stop the engine loop, close the wire
	// clients, then release storage and the scheduler.
	coordinator.OnShutdown("http", server.Shutdown)
	coordinator.OnShutdown("engine", func(ctx context.Context) error {
		stopEngine()
		select {
		case <-engineDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	coordinator.OnShutdown("bridge", func(ctx context.Context) error {
		return wire.Close()
	})
	coordinator.OnShutdown("app", func(ctx context.Context) error {
		application.Release()
		return nil
	})

	go func() {
		<-engine.Ready()
		zap.L().Info("warelayd ready",
			zap.String("version", version),
			zap.String("listen", fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)))
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	reason := ""
	select {
	case s := <-sig:
		reason = "signal " + s.String()
	case err := <-serverErr:
		if err != nil {
			zap.L().Error("http server failed", zap.Error(err))
			reason = "http server failure"
		} else {
			reason = "http server closed"
		}
	}

	os.Exit(coordinator.Shutdown(reason))
}
