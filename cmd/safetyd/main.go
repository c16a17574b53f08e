package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tenuto.io/safety/internal/audit"
	"tenuto.io/safety/internal/batch"
	"tenuto.io/safety/internal/cascade"
	"tenuto.io/safety/internal/config"
	"tenuto.io/safety/internal/httpapi"
	"tenuto.io/safety/internal/obs"
	"tenuto.io/safety/internal/security"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("SAFETY_BUILD_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Audit sink and the recorder shared by every security component.
	var (
		sink   audit.Sink
		pgSink *audit.PGSink
	)
	switch cfg.Audit.Sink {
	case "http":
		sink = audit.NewHTTPSink(cfg.Audit.Endpoint)
	case "postgres":
		pgSink, err = audit.OpenPG(cfg.Audit.DSN)
		if err != nil {
			log.Fatalf("open audit db: %v", err)
		}
		sink = pgSink
	default:
		sink = audit.LogSink{}
	}
	recorder := audit.NewRecorder(
		audit.WithCapacity(cfg.Audit.Capacity),
		audit.WithSink(sink),
	)

	engine, err := security.NewEngine(recorder, security.EngineConfig{
		DetectorPolicy: security.DetectorPolicy{
			Window:                 cfg.DetectorWindow(),
			RapidDeletionThreshold: cfg.Detector.RapidDeletionThreshold,
			FailureThreshold:       cfg.Detector.FailureThreshold,
			AfterHoursStart:        cfg.Detector.AfterHoursStart,
			AfterHoursEnd:          cfg.Detector.AfterHoursEnd,
			FlagAfterHoursBulk:     cfg.Detector.FlagAfterHoursBulk,
		},
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	client := cascade.NewClient(cfg.Engine.BaseURL,
		cascade.WithTimeout(cfg.EngineTimeout()),
		cascade.WithRetry(cfg.Engine.RetryAttempts, cfg.EngineBackoff()),
	)

	stream := batch.NewStream()
	orchestrator := batch.New(client, recorder,
		batch.WithStream(stream),
		batch.WithPace(cfg.BatchPace()),
	)

	var probe httpapi.ReadyProbe
	if pgSink != nil {
		probe.DB = pgSink.DB()
	}
	api := httpapi.New(engine, client, orchestrator, stream, version,
		httpapi.WithReadyProbe(probe),
		httpapi.WithRateLimit(cfg.HTTP.RatePerSecond, cfg.HTTP.RateBurst),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTP.IdleTimeout) * time.Second,
	}

	log.Printf("Starting safetyd %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeout)*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	engine.Close(ctx)
	if pgSink != nil {
		_ = pgSink.Close()
	}
	log.Println("Stopped")
}
