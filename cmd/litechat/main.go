package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/litechat/litechat/internal/api"
	"github.com/litechat/litechat/internal/config"
	"github.com/litechat/litechat/internal/group"
	"github.com/litechat/litechat/internal/health"
	"github.com/litechat/litechat/internal/logging"
	"github.com/litechat/litechat/internal/metrics"
	"github.com/litechat/litechat/internal/script"
	"github.com/litechat/litechat/internal/server"
	"github.com/litechat/litechat/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/litechat.yaml", "path to configuration file")
	envPath := flag.String("env", ".env", "path to .env file with DB_* settings")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:    logging.ParseLevel(cfg.Log.Level),
		FilePath: cfg.Log.File,
	})
	if err != nil {
		slog.Error("failed to set up logging", "err", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("litechat starting", "config", *configPath)

	env, err := config.LoadEnv(*envPath)
	if err != nil {
		logging.Fatal("failed to load database settings", "err", err)
	}

	// The credential store must be reachable at startup; runtime
	// outages degrade logins but keep the chat loop serving.
	db, err := store.Open(env)
	if err != nil {
		logging.Fatal("failed to connect to credential store", "err", err)
	}

	m := metrics.New()

	reg := server.NewRegistry(server.WriteFD)
	gm := group.NewManager(reg.SendToNicks)
	gm.SetCountHook(m.SetGroups)
	gm.Load(cfg.Groups.SnapshotPath)

	srv := server.New(cfg, reg, gm, db, nil, m)

	bridge, err := script.NewBridge(cfg.Scripts.Dir, srv)
	if err != nil {
		logging.Fatal("failed to load scripts", "err", err)
	}
	srv.SetScripts(bridge)
	if err := bridge.Watch(); err != nil {
		slog.Warn("script hot-reload not available", "err", err)
	}

	hc := health.NewChecker(db, cfg.DBHealth)
	hc.Start()

	apiServer := api.NewServer(srv, gm, hc, m, cfg.Listen)
	if err := apiServer.Start(); err != nil {
		logging.Fatal("failed to start management API", "err", err)
	}

	// The event loop owns teardown; a write to a vanished peer must
	// surface as an error, not kill the process.
	signal.Ignore(syscall.SIGPIPE)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down...", "signal", sig)
		srv.Shutdown()
	}()

	// Run blocks until Shutdown; it drains the workers and closes
	// every socket before returning.
	runErr := srv.Run()

	done := make(chan struct{})
	go func() {
		bridge.Close()
		apiServer.Stop()
		hc.Stop()
		if err := gm.Save(cfg.Groups.SnapshotPath); err != nil {
			slog.Error("failed to save group snapshot", "err", err)
		}
		db.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}

	if runErr != nil {
		logging.Fatal("server failed", "err", runErr)
	}
	slog.Info("litechat stopped")
}
