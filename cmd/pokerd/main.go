package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pokerarena/holdem"
	"pokerarena/internal/auth"
	"pokerarena/internal/config"
	"pokerarena/internal/eventlog"
	"pokerarena/internal/gateway"
	"pokerarena/internal/httpapi"
	"pokerarena/internal/lock"
	"pokerarena/internal/store"
	"pokerarena/internal/table"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "pokerd",
	})

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("configuration invalid", "err", err)
	}

	st, storeMode, err := store.NewFromConfig(cfg)
	if err != nil {
		logger.Fatal("store init failed", "err", err)
	}
	defer st.Close()

	clock := quartz.NewReal()
	authSvc := auth.NewService(st, clock, logger, cfg.SessionSigningSecret, cfg.SessionTTL)
	events := eventlog.New(st, clock, logger)
	locks := lock.New()
	manager := table.NewManager()

	gw := gateway.New(cfg, authSvc, st, manager, clock, logger)
	svc := table.NewService(table.Deps{
		Config:      cfg,
		Store:       st,
		Manager:     manager,
		Locks:       locks,
		Events:      events,
		Auth:        authSvc,
		Broadcaster: gw,
		Clock:       clock,
		Logger:      logger,
	})
	gw.Bind(svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ensureDefaultTable(ctx, cfg, svc, st, logger)

	api := httpapi.New(cfg, st, authSvc, svc, manager, events, logger)
	router := chi.NewRouter()
	router.Use(withCORS)
	api.Routes(router)
	router.Get("/v1/ws", gw.HandlePlayerWS)
	router.Get("/v1/ws/observe/{tableID}", func(w http.ResponseWriter, r *http.Request) {
		gw.HandleObserverWS(w, r, chi.URLParam(r, "tableID"))
	})
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "store", storeMode,
			"protocol", cfg.ProtocolVersion)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		// End every live table before the listener goes away so clients
		// get a final table_status and a clean close.
		for _, mt := range manager.List() {
			if err := svc.EndTable(context.Background(), table.EndRequest{
				TableID: mt.ID,
				Reason:  "server_shutdown",
				Source:  "admin",
			}); err != nil {
				logger.Warn("shutdown end failed", "table", mt.ID, "err", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Fatal("server failed", "err", err)
	}
}

// ensureDefaultTable keeps at least one joinable table available so
// freshly registered agents always have somewhere to play.
func ensureDefaultTable(ctx context.Context, cfg config.Config, svc *table.Service, st store.Store, logger *log.Logger) {
	waiting, err := st.ListTables(ctx, store.TableStatusWaiting)
	if err != nil {
		logger.Warn("table listing failed", "err", err)
		return
	}
	if len(waiting) > 0 {
		return
	}
	rec, err := svc.CreateTable(ctx, "", holdem.TableConfig{
		SmallBlind:        1,
		BigBlind:          2,
		MaxSeats:          6,
		InitialStack:      1000,
		ActionTimeoutMs:   cfg.ActionTimeoutMs,
		MinPlayersToStart: cfg.MinPlayersToStart,
	})
	if err != nil {
		logger.Warn("default table create failed", "err", err)
		return
	}
	logger.Info("default table ready", "table", rec.ID)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Email")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
