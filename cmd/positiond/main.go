package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/onsite-data/position.report/internal/api"
	"github.com/onsite-data/position.report/internal/beacon"
	"github.com/onsite-data/position.report/internal/config"
	"github.com/onsite-data/position.report/internal/db"
	"github.com/onsite-data/position.report/internal/engine"
	"github.com/onsite-data/position.report/internal/ingest"
	"github.com/onsite-data/position.report/internal/track"
)

var (
	configPath = flag.String("config", "runtime.json", "Path to the runtime config file")
	layoutPath = flag.String("layout", "layout.json", "Path to the beacon layout file")
	dbPath     = flag.String("db", "positions.db", "Path to the position archive database (empty disables)")
	retention  = flag.Duration("retention", 7*24*time.Hour, "Archive retention window (0 disables pruning)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadRuntime(*configPath)
	if err != nil {
		log.Fatalf("failed to load runtime config: %v", err)
	}
	layout, err := config.LoadLayout(*layoutPath)
	if err != nil {
		log.Fatalf("failed to load layout: %v", err)
	}
	beacons, err := layout.RegistryBeacons()
	if err != nil {
		log.Fatalf("failed to load layout: %v", err)
	}

	registry := beacon.NewRegistry(beacons, layout.Settings.GetSignalPropagationFactor())
	log.Printf("registry loaded: %d beacons, n=%v", registry.Len(), registry.PropagationFactor())

	store := track.NewStore(cfg.TrackConfig())

	var database *db.DB
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open position archive: %v", err)
		}
		defer database.Close()
	}

	hub := api.NewHub()
	go hub.Run()
	defer hub.Close()

	// Every applied report fans out here: live websocket clients first,
	// then the archive. Both sinks are best-effort.
	publish := func(snap track.Snapshot) {
		hub.Publish(snap)
		if database != nil && snap.X != nil {
			fix := &db.PositionFix{
				TrackerID:     snap.TrackerID,
				X:             *snap.X,
				Y:             *snap.Y,
				Confidence:    snap.Confidence,
				BeaconCount:   snap.BeaconCount,
				MeasurementMs: snap.LastMeasurementTime,
			}
			if err := database.RecordFix(fix); err != nil {
				log.Printf("failed to archive fix for %s: %v", snap.TrackerID, err)
			}
		}
	}

	eng := engine.New(cfg.EngineConfig(), registry, store, publish)
	defer eng.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// MQTT subscription feeding the coordinator
	subscriber := ingest.NewSubscriber(cfg.MQTT, eng)
	if err := subscriber.Connect(); err != nil {
		log.Fatalf("failed to start MQTT subscriber: %v", err)
	}
	defer subscriber.Close()

	// periodic archive pruning
	if database != nil && *retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cutoff := time.Now().Add(-*retention).UnixMilli()
					if removed, err := database.PruneFixesBefore(cutoff); err != nil {
						log.Printf("archive prune failed: %v", err)
					} else if removed > 0 {
						log.Printf("archive pruned %d fixes", removed)
					}
				case <-ctx.Done():
					log.Printf("prune routine terminated")
					return
				}
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(store, registry, database, hub, *layoutPath, layout)
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.GetPort()),
			Handler: api.LoggingMiddleware(apiServer.ServeMux()),
		}

		go func() {
			log.Printf("HTTP server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
