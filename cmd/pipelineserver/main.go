// Resume pipeline orchestrator server - serves the session SSE/message API
// and runs the Strategist → Craftsman → Producer pipeline per session.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resume-agent/pipeline/pkg/api"
	"github.com/resume-agent/pipeline/pkg/bus"
	"github.com/resume-agent/pipeline/pkg/config"
	"github.com/resume-agent/pipeline/pkg/coordinator"
	"github.com/resume-agent/pipeline/pkg/events"
	"github.com/resume-agent/pipeline/pkg/gate"
	"github.com/resume-agent/pipeline/pkg/notify"
	"github.com/resume-agent/pipeline/pkg/persistence"
	"github.com/resume-agent/pipeline/pkg/ratelimit"
	"github.com/resume-agent/pipeline/pkg/sessionlock"
	"github.com/resume-agent/pipeline/pkg/usage"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting resume pipeline server")
	log.Printf("HTTP Port: %s", cfg.HTTPPort)

	store, err := persistence.Open(ctx, persistence.Config{URL: cfg.DatabaseURL})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	log.Println("Connected to PostgreSQL, schema up to date")

	var redisClient *redis.Client
	if cfg.RedisBusEnabled || cfg.RedisRateLimitEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		defer redisClient.Close()
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
	}

	var msgLimiter ratelimit.Limiter
	if cfg.RedisRateLimitEnabled {
		msgLimiter = ratelimit.NewRedisLimiter(redisClient, "pipeline:msgrate",
			ratelimit.MessageRateLimit, ratelimit.MessageRateWindow)
	} else {
		msgLimiter = ratelimit.NewMemoryLimiter(ratelimit.MessageRateLimit, ratelimit.MessageRateWindow)
	}

	agentBus := bus.New()
	if cfg.RedisBusEnabled {
		// Bridge craftsman-addressed traffic published by sibling
		// processes into the local bus, so a revision handler running
		// here sees requests regardless of which process emitted them.
		rbus := bus.NewRedisBus(redisClient, "pipeline:bus")
		go func() {
			for msg := range rbus.Subscribe(ctx, "craftsman") {
				if err := agentBus.Publish(ctx, msg); err != nil {
					log.Printf("Redis bus bridge publish failed: %v", err)
				}
			}
		}()
	}

	broker := events.NewBroker()
	running := events.NewRunningSet()
	connections := events.NewManager(cfg.MaxSSEPerUser, cfg.MaxTotalSSEConnections)
	attempts := events.NewAttemptRegistry(ratelimit.SSEConnectRateLimit, ratelimit.SSEConnectRateWindow, cfg.MaxSSERateUsers)
	locks := sessionlock.NewManager(cfg.MaxProcessingSessionsPerUser, cfg.MaxProcessingSessions, cfg.ProcessingTTL)
	waiter := gate.NewWaiter(store, 0)
	accumulator := usage.New()

	var notifier coordinator.Notifier
	slackSvc, err := notify.NewService(notify.Config{
		Token:        cfg.SlackToken,
		Channel:      cfg.SlackChannel,
		DashboardURL: cfg.DashboardURL,
	})
	if err != nil {
		log.Fatalf("Failed to configure Slack notifier: %v", err)
	}
	if slackSvc != nil {
		notifier = slackSvc
		log.Println("Slack pipeline-error notifications enabled")
	}

	if cfg.LLMGatewayURL == "" {
		log.Fatalf("LLM_GATEWAY_URL is required")
	}

	dispatcher := &pipelineDispatcher{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		running:  running,
		bus:      agentBus,
		waiter:   waiter,
		usage:    accumulator,
		rates:    defaultRateCard(),
		llm:      newGatewayClient(cfg.LLMGatewayURL),
		notifier: notifier,
	}

	server := api.NewServer(api.Config{
		Store:       store,
		Auth:        &api.TrustedHeaderAuthenticator{},
		Dispatcher:  dispatcher,
		Events:      connections,
		Broker:      broker,
		Attempts:    attempts,
		Running:     running,
		Locks:       locks,
		Waiter:      waiter,
		MsgLimiter:  msgLimiter,
		Idempotency: ratelimit.NewIdempotencyStore(),

		MaxMessageBodyBytes:       cfg.MaxMessageBodyBytes,
		MaxCreateSessionBodyBytes: cfg.MaxCreateSessionBodyBytes,
	})

	// Periodic reap of processing-slot entries whose goroutine died
	// without releasing; the timer must not keep the process alive.
	reapTicker := time.NewTicker(time.Minute)
	defer reapTicker.Stop()
	go func() {
		for range reapTicker.C {
			if reaped := locks.ReapStale(time.Now()); len(reaped) > 0 {
				log.Printf("Reaped %d stale processing entries", len(reaped))
			}
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		log.Println("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
	if err := server.Start(":" + cfg.HTTPPort); err != nil {
		log.Printf("HTTP server stopped: %v", err)
	}
}

// defaultRateCard carries the per-1M-token tier prices the blended-cost
// formula weighs. The prices are fixed in the binary; no configuration
// setting overrides them.
func defaultRateCard() usage.RateCard {
	return usage.RateCard{
		InputLight: 0.25, InputMid: 3.00, InputPrimary: 15.00,
		OutputLight: 1.25, OutputMid: 15.00, OutputPrimary: 75.00,
	}
}
