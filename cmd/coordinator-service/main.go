package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/Foundup/Foundups-Agent-sub000/internal/auth"
	"github.com/Foundup/Foundups-Agent-sub000/internal/breaker"
	"github.com/Foundup/Foundups-Agent-sub000/internal/config"
	"github.com/Foundup/Foundups-Agent-sub000/internal/coordinator"
	"github.com/Foundup/Foundups-Agent-sub000/internal/health"
	"github.com/Foundup/Foundups-Agent-sub000/internal/httpserver"
	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
	"github.com/Foundup/Foundups-Agent-sub000/internal/registry"
	"github.com/Foundup/Foundups-Agent-sub000/internal/router"
	"github.com/Foundup/Foundups-Agent-sub000/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := telemetry.NewMemorySink(512)
	sinks := telemetry.MultiSink{telemetry.LogSink{}, events}

	var journal *telemetry.PGJournal
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		journal = telemetry.NewPGJournal(db)
		journalSink := telemetry.NewJournalSink(journal)
		defer journalSink.Close()
		sinks = append(sinks, journalSink)
	}

	reg := registry.New()
	spawner := coordinator.NewStaticSpawner(cfg.SpawnCap)
	coord := coordinator.New(coordinator.Config{
		TTL:             cfg.TTL,
		SuggestionLimit: cfg.SuggestionLimit,
	}, reg, spawner, sinks)
	go func() {
		if err := coord.Run(ctx); err != nil && err != context.Canceled {
			log.Fatalf("coordinator loop: %v", err)
		}
	}()
	seedPool(ctx, coord, cfg.Pool)

	breakers := breaker.NewSet(cfg.FailureThreshold, cfg.Cooldown)
	executors := buildExecutors(cfg, coord)
	rt := router.New(router.Config{
		DefaultOrder:   cfg.TierOrder(),
		DefaultTimeout: defaultTimeout(cfg),
		TierTimeouts:   tierTimeouts(cfg),
	}, breakers, executors, sinks)

	monitor := health.New(health.Config{
		Interval:      cfg.HealthInterval,
		MissThreshold: cfg.MissThreshold,
		StaleAfter:    cfg.TTL,
	}, coord, &health.StaticProber{}, sinks)
	go func() {
		if err := monitor.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("health monitor: %v", err)
		}
	}()

	if journal != nil && len(cfg.KafkaBrokers) > 0 {
		producer, err := telemetry.NewKafkaProducer(telemetry.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		var archiver telemetry.Archiver
		if cfg.S3Bucket != "" {
			archiver, err = telemetry.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("s3 archiver: %v", err)
			}
		}
		streamer := telemetry.NewStreamer(journal, producer, archiver, telemetry.StreamerConfig{})
		go func() {
			if err := streamer.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("telemetry streamer: %v", err)
			}
		}()
	}

	var pinger httpserver.Pinger
	if journal != nil {
		pinger = journal
	}
	server := httpserver.New(coord, rt, events, pinger, auth.Config{
		Secret:   cfg.AuthSecret,
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("Resource Coordinator listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("coordinator server error: %v", err)
		}
	}()

	waitForShutdown(httpServer, cancel)
}

// seedPool registers the configured endpoints by cycling each through a
// shared grant and release, so they show up as idle pooled records from
// the first snapshot on.
func seedPool(ctx context.Context, coord *coordinator.Coordinator, pool []models.ResourceKey) {
	for _, key := range pool {
		handle, err := coord.Allocate(ctx, coordinator.AllocateInput{
			RequesterID: "bootstrap",
			Preferences: models.PreferenceList{{Key: key}},
		})
		if err != nil {
			log.Printf("seed pool %s: %v", key, err)
			continue
		}
		_ = handle.Release(ctx)
	}
}

// buildExecutors wires one executor per configured tier. The service ships
// deterministic defaults; deployments swap in real backends behind the
// TierExecutor boundary.
func buildExecutors(cfg config.Config, coord *coordinator.Coordinator) []router.TierExecutor {
	executors := make([]router.TierExecutor, 0, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		executors = append(executors, &router.AllocatingExecutor{
			ID:            tier.ID,
			Coord:         coord,
			RequesterID:   "tier-" + tier.ID,
			Preferences:   preferPool(cfg.Pool),
			SpawnFallback: true,
		})
	}
	return executors
}

func preferPool(pool []models.ResourceKey) models.PreferenceList {
	prefs := make(models.PreferenceList, 0, len(pool))
	for _, key := range pool {
		prefs = append(prefs, models.Preference{Key: key, Exclusive: true})
	}
	return prefs
}

func tierTimeouts(cfg config.Config) map[string]time.Duration {
	out := make(map[string]time.Duration, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		out[tier.ID] = tier.Timeout
	}
	return out
}

func defaultTimeout(cfg config.Config) time.Duration {
	max := time.Duration(0)
	for _, tier := range cfg.Tiers {
		if tier.Timeout > max {
			max = tier.Timeout
		}
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	return max
}

func waitForShutdown(srv *http.Server, cancel context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	ctx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("coordinator graceful shutdown: %v", err)
	}
}
