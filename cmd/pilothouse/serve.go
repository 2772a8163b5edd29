package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"gorm.io/gorm"

	"pilothouse/server/internal/config"
	"pilothouse/server/internal/contextmon"
	"pilothouse/server/internal/events"
	"pilothouse/server/internal/handoff"
	"pilothouse/server/internal/httpapi"
	"pilothouse/server/internal/lifecycle"
	"pilothouse/server/internal/logging"
	"pilothouse/server/internal/ptyattach"
	"pilothouse/server/internal/realtime"
	"pilothouse/server/internal/store"
	"pilothouse/server/internal/supervisor"
	"pilothouse/server/internal/ticketflow"
	"pilothouse/server/internal/tmux"
	"pilothouse/server/internal/waitdetect"
)

const httpShutdownTimeout = 5 * time.Second

// runServe assembles the daemon and blocks until the context is
// cancelled or a component fails.
func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel})

	gdb, err := store.OpenAndMigrate(cfg.StorageDSN)
	if err != nil {
		return err
	}
	repo := store.New(gdb)

	bus := events.NewBus(logger.With("component", "bus"))

	adapter := tmux.NewAdapterWithSocket(&tmux.RealExec{}, cfg.TmuxSocket)
	if cfg.Supervisor.CommandTimeoutS > 0 {
		adapter.SetCommandTimeout(cfg.Supervisor.CommandTimeout())
	}

	sup := supervisor.New(supervisor.Config{
		PollInterval:     cfg.Supervisor.PollInterval(),
		RingCapacity:     cfg.Supervisor.RingCapacity,
		ResetWindow:      cfg.Supervisor.ResetWindow,
		StopGrace:        cfg.Supervisor.StopGrace(),
		AssistantCommand: cfg.AssistantCommand,
	}, adapter, repo, bus, logger.With("component", "supervisor"))

	machine := ticketflow.NewMachine(repo, sup, bus, logger.With("component", "ticketflow"))
	sup.AttachTicketFlow(machine)

	monitor := contextmon.NewMonitor(contextmon.Options{
		ThresholdPercent:  float64(cfg.Context.ThresholdPercent),
		HysteresisPercent: float64(cfg.Context.HysteresisPercent),
		PollInterval:      cfg.Context.PollInterval(),
		Debounce:          cfg.Context.Debounce(),
	}, bus, logger.With("component", "contextmon"))
	sup.AttachContextSource(monitor)

	detector := waitdetect.NewDetector(waitdetect.Config{
		Debounce:     cfg.Waiting.Debounce(),
		ClearDelay:   cfg.Waiting.ClearDelay(),
		OutputWindow: cfg.Waiting.OutputWindow,
	}, bus, logger.With("component", "waitdetect"))

	orch := handoff.New(cfg.Handoff, repo, sup, adapter, bus, logger.With("component", "handoff"))
	ptyMgr := ptyattach.NewManager(adapter, bus, logger.With("component", "ptyattach"))
	hub := realtime.NewHub(cfg.Realtime, sup, ptyMgr, adapter, bus, logger.With("component", "realtime"))

	api := httpapi.NewServer(httpapi.Deps{
		Hooks:     detector,
		Telemetry: monitor,
		WSHandler: hub.Handle,
		APIKey:    cfg.APIKey,
		Logger:    logger.With("component", "httpapi"),
	})
	addr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
	srv := &http.Server{Addr: addr, Handler: api.Handler()}

	notify := newNotifier(repo, bus, logger.With("component", "notifier"))
	watch := newWatchPump(detector, monitor, bus)

	mgr := lifecycle.NewManager(logger.With("component", "lifecycle"))

	// Shutdown unwinds in reverse-add order: hub first, storage last.
	mgr.AddShutdown("store", func(context.Context) error { return closeDB(gdb) })
	mgr.AddShutdown("bus", func(context.Context) error { bus.Close(); return nil })
	mgr.AddShutdown("ptyattach", func(context.Context) error { ptyMgr.DetachAll(); return nil })
	mgr.AddShutdown("supervisor", sup.Stop)
	mgr.AddShutdown("contextmon", func(context.Context) error { monitor.Stop(); return nil })
	mgr.AddShutdown("waitdetect", func(context.Context) error { detector.Stop(); return nil })
	mgr.AddShutdown("handoff", func(context.Context) error { orch.Stop(); return nil })
	mgr.AddShutdown("realtime", hub.Close)

	mgr.AddRun("supervisor", func(runCtx context.Context) error {
		if err := sup.Start(runCtx); err != nil {
			return err
		}
		<-runCtx.Done()
		return nil
	})
	mgr.AddRun("contextmon", func(runCtx context.Context) error {
		if err := monitor.Start(runCtx); err != nil {
			return err
		}
		<-runCtx.Done()
		return nil
	})
	mgr.AddRun("waitdetect", func(runCtx context.Context) error {
		if err := detector.Start(runCtx); err != nil {
			return err
		}
		<-runCtx.Done()
		return nil
	})
	mgr.AddRun("handoff", func(runCtx context.Context) error {
		orch.Start(runCtx)
		<-runCtx.Done()
		return nil
	})
	mgr.AddRun("realtime", func(runCtx context.Context) error {
		hub.Start(runCtx)
		<-runCtx.Done()
		return nil
	})
	mgr.AddRun("notifier", notify.run)
	mgr.AddRun("watch-pump", watch.run)
	mgr.AddRun("http", func(runCtx context.Context) error {
		return serveHTTP(runCtx, srv)
	})

	logger.Info("pilothouse starting", "addr", addr, "storage_dsn", cfg.StorageDSN)
	return mgr.StartAndWait(ctx)
}

// serveHTTP runs the listener and shuts it down itself when the run
// context cancels; lifecycle shutdown jobs only fire after every run job
// has returned.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	gdb, err := store.OpenAndMigrate(cfg.StorageDSN)
	if err != nil {
		return err
	}
	return closeDB(gdb)
}

func closeDB(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
