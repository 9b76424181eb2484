// camofyd is camofy's supervisory daemon: it owns the mihomo engine's
// lifecycle, composes its configuration from subscription and user
// profile YAML, schedules periodic subscription/GeoIP refreshes, and
// exposes all of it over an HTTP+WebSocket API for a companion UI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/camofy/camofy/internal/api"
	"github.com/camofy/camofy/internal/api/handlers"
	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/auth"
	"github.com/camofy/camofy/internal/compose"
	"github.com/camofy/camofy/internal/config"
	"github.com/camofy/camofy/internal/core"
	"github.com/camofy/camofy/internal/events"
	"github.com/camofy/camofy/internal/geoip"
	"github.com/camofy/camofy/internal/profiles"
	"github.com/camofy/camofy/internal/scheduler"
	"github.com/camofy/camofy/internal/selection"
	"github.com/camofy/camofy/internal/telemetry"
	"github.com/camofy/camofy/internal/wshub"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.Load()
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Info().Str("data_root", cfg.DataRoot).Msg("camofy starting")

	shutdownTracing, err := telemetry.Init(telemetry.Config{
		Enabled:      cfg.OTLPEndpoint != "",
		OTLPEndpoint: cfg.OTLPEndpoint,
		ServiceName:  "camofy",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	appCfg, err := appconfig.Load(cfg.DataRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load app config")
	}

	bus := events.NewBus()
	composer := compose.New(cfg.DataRoot)
	selectionMem := selection.New(appCfg)
	authSvc := auth.New(appCfg)
	geoipUpdater := geoip.New(cfg.DataRoot)
	coreCtl := core.New(cfg.DataRoot, appCfg, composer, selectionMem, geoipUpdater, bus)
	profileStore := profiles.New(cfg.DataRoot, appCfg, composer, coreCtl, bus)

	sched := scheduler.New(appCfg,
		func(ctx context.Context) error { return updateAllSubscriptions(ctx, profileStore, appCfg) },
		func(ctx context.Context) error { return geoipUpdater.Update(ctx) },
	)

	hub := wshub.New(bus, func() []events.AppEvent {
		running, pid := coreCtl.RunningStatus()
		var pidPtr *int
		if running {
			pidPtr = &pid
		}
		snap := []events.AppEvent{events.CoreStatusChanged(running, pidPtr)}
		if op := coreCtl.OperationSnapshot(); op != nil {
			if raw, err := json.Marshal(op); err == nil {
				snap = append(snap, events.CoreOperationUpdated(raw))
			}
		}
		return snap
	})

	h := &handlers.Handlers{
		Cfg:       appCfg,
		Profiles:  profileStore,
		Core:      coreCtl,
		Selection: selectionMem,
		Scheduler: sched,
		Auth:      authSvc,
		Bus:       bus,
		Hub:       hub,
	}

	router := api.NewRouter(cfg, h, authSvc)

	ctx, cancelBoot := context.WithTimeout(context.Background(), 2*time.Minute)
	coreCtl.AutoStartIfConfigured(ctx)
	cancelBoot()

	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	go sched.Start(schedCtx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down gracefully")
		cancelSched()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", httpServer.Addr).Msg("camofy is listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func updateAllSubscriptions(ctx context.Context, store *profiles.Store, cfg *appconfig.Store) error {
	active, ok := cfg.Snapshot().ActiveSubscription()
	if !ok {
		return errors.New("skipped:no_active_subscription")
	}
	if err := store.FetchRemote(ctx, active.ID); err != nil {
		log.Error().Err(err).Str("profile", active.ID).Msg("scheduled subscription fetch failed")
		return err
	}
	return nil
}
