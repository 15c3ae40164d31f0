package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentgate/backend/internal/api"
	"github.com/agentgate/backend/internal/broker"
	"github.com/agentgate/backend/internal/config"
	"github.com/agentgate/backend/internal/core"
	"github.com/agentgate/backend/internal/evidence"
	"github.com/agentgate/backend/internal/gateway"
	"github.com/agentgate/backend/internal/health"
	"github.com/agentgate/backend/internal/infra"
	"github.com/agentgate/backend/internal/invoker"
	"github.com/agentgate/backend/internal/killswitch"
	"github.com/agentgate/backend/internal/ledger"
	"github.com/agentgate/backend/internal/policy"
	"github.com/agentgate/backend/internal/quarantine"
	"github.com/agentgate/backend/internal/ratelimit"
	"github.com/agentgate/backend/internal/redact"
	"github.com/agentgate/backend/internal/rollout"
	"github.com/agentgate/backend/internal/slo"
	"github.com/agentgate/backend/internal/stream"
	"github.com/agentgate/backend/internal/tenancy"
	"github.com/agentgate/backend/internal/trace"
	"github.com/agentgate/backend/internal/webhooks"
)

func main() {
	log.Println("🚀 Starting AgentGate...")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("❌ configuration: %v", err)
	}

	// Trace store: append-only system of record.
	redactor := redact.New(redact.ParseMode(cfg.PII.Mode), cfg.PII.TokenSalt)
	store, err := trace.Open(cfg.Trace.DSN, trace.Options{Redactor: redactor})
	if err != nil {
		log.Fatalf("❌ trace store: %v", err)
	}
	defer store.Close()

	// Shared KV for kill switches and rate limiting.
	var kv infra.KV
	if cfg.Server.RedisURL != "" {
		rkv, err := infra.NewRedisKV(cfg.Server.RedisURL)
		if err != nil {
			log.Fatalf("❌ redis: %v", err)
		}
		kv = rkv
	} else {
		log.Println("⚠️ REDIS_URL unset, using in-process KV (single replica only)")
		kv = infra.NewMemoryKV()
	}

	// Alert webhooks.
	registry := webhooks.NewRegistry()
	if cfg.Webhook.URL != "" {
		registry.Register("", cfg.Webhook.URL, cfg.Webhook.Secret, nil)
	}
	dispatcher := webhooks.NewDispatcher(registry, 4)
	dispatcher.Start()
	defer dispatcher.Shutdown()

	// Dependency health; recovery fires exactly once per transition.
	tracker := health.NewTracker(func(tr health.Transition) {
		if tr.To == health.StateUp && tr.From == health.StateDown {
			dispatcher.Emit(webhooks.EventSLORecovered, "", map[string]interface{}{
				"dependency": tr.Dependency,
				"event":      "health.recovered",
			})
		}
	})

	// Kill-switch controller, mirroring every mutation into the trace and
	// out to webhooks.
	recorder := func(ctx context.Context, rec core.KillRecord, active bool) {
		if err := store.ReflectKillSwitch(ctx, rec, active); err != nil {
			log.Printf("⚠️ kill-switch reflection failed: %v", err)
		}
		event := webhooks.EventKillCleared
		if active {
			event = webhooks.EventKillActivated
		}
		dispatcher.Emit(event, "", map[string]interface{}{
			"scope":  string(rec.Scope),
			"target": rec.Target,
			"by":     rec.SetBy,
		})
	}
	kill := killswitch.NewController(kv, recorder, tracker, killswitch.Config{})

	// Policy engine: builtin allowlists or remote evaluator, strict
	// provenance in production.
	var verifier *policy.Verifier
	if cfg.Policy.PackageSecret != "" {
		verifier = policy.NewHMACVerifier([]byte(cfg.Policy.PackageSecret))
	}
	var remote policy.Evaluator
	if cfg.Policy.OPAURL != "" {
		re, err := policy.NewRemoteEvaluator(cfg.Policy.OPAURL, policy.MTLSConfig{
			Required: cfg.Policy.MTLSRequired,
			CertFile: cfg.Policy.MTLSCertFile,
			KeyFile:  cfg.Policy.MTLSKeyFile,
			CAFile:   cfg.Policy.MTLSCAFile,
		}, tracker)
		if err != nil {
			log.Fatalf("❌ policy evaluator: %v", err)
		}
		remote = re
	}
	engine := policy.NewEngine(policy.Config{
		Remote:   remote,
		Verifier: verifier,
		Strict:   cfg.Policy.RequireSigned,
	})
	if cfg.Policy.Path != "" && !cfg.Policy.RequireSigned {
		if err := engine.LoadFile(cfg.Policy.Path); err != nil {
			log.Fatalf("❌ policy bundle: %v", err)
		}
	}

	// Credential broker.
	brk, err := broker.New(broker.Config{
		Kind:          broker.Kind(cfg.Broker.Kind),
		HMACSecret:    cfg.Broker.HMACSecret,
		URL:           cfg.Broker.URL,
		ClientID:      cfg.Broker.ClientID,
		ClientSecret:  cfg.Broker.ClientSecret,
		RevocationURL: cfg.Broker.RevocationURL,
	})
	if err != nil {
		log.Fatalf("❌ broker: %v", err)
	}

	// Quarantine coordinator.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alert := func(event, tenantID string, data map[string]interface{}) {
		dispatcher.Emit(webhooks.EventType(event), tenantID, data)
	}
	quar := quarantine.New(store, kill, brk, quarantine.Config{
		Window:        cfg.Quarantine.Window,
		DenyThreshold: cfg.Quarantine.DenyThreshold,
		Alert:         alert,
	})
	quar.Start(ctx)
	defer quar.Stop()

	// SLO monitor feeding webhooks.
	monitor := slo.New(slo.Config{
		Window:             cfg.SLO.Window,
		AvailabilityTarget: cfg.SLO.AvailabilityTarget,
		LatencyP95Target:   cfg.SLO.LatencyP95,
	}, func(event, detail string) {
		hook := webhooks.EventSLOBreach
		if event == slo.EventRecovered {
			hook = webhooks.EventSLORecovered
		}
		dispatcher.Emit(hook, "", map[string]interface{}{"detail": detail})
	})

	// Live trace stream.
	streamer := stream.NewStreamer()
	go streamer.Run()
	defer streamer.Stop()

	// Tool invoker.
	var inv invoker.Invoker
	if cfg.Server.ToolInvokerURL != "" {
		inv = invoker.NewHTTPInvoker(cfg.Server.ToolInvokerURL)
	} else {
		log.Println("⚠️ TOOL_INVOKER_URL unset, using echo invoker")
		inv = invoker.NewEcho()
	}

	limiter := ratelimit.New(kv, ratelimit.Config{
		DefaultPerMinute: cfg.RateLimit.PerMinute,
		TenantPerMinute:  cfg.RateLimit.TenantOverrides,
	})
	pipeline := gateway.New(gateway.Config{
		Store:    store,
		Kill:     kill,
		Limiter:  limiter,
		Engine:   engine,
		Broker:   brk,
		Invoker:  inv,
		Observer: quar,
		Publish:  streamer,
		SLO:      monitor,
	})

	// Rollouts over signed packages, gated by the live error rate.
	rollouts := rollout.New(store, verifier, monitor, rollout.Config{Alert: alert})

	// Evidence signing.
	var signer *evidence.Signer
	switch cfg.Signing.Backend {
	case "ed25519":
		signer, err = evidence.NewSignerFromKeyFile(cfg.Signing.KeyFile)
		if err != nil {
			log.Fatalf("❌ signing key: %v", err)
		}
	default:
		signer = evidence.NewHMACSigner([]byte(cfg.Signing.Key), "env")
	}
	exporter := evidence.New(store, signer, redactor)

	// Transparency log with optional external anchoring.
	transparency := ledger.New(store, ledger.Config{AllowedSchemes: cfg.Anchor.AllowedSchemes})
	if cfg.Anchor.URL != "" {
		anchorer, err := transparency.NewHTTPAnchorer(cfg.Anchor.URL)
		if err != nil {
			log.Fatalf("❌ anchor: %v", err)
		}
		transparency = ledger.New(store, ledger.Config{
			Anchorer:       anchorer,
			AllowedSchemes: cfg.Anchor.AllowedSchemes,
		})
	}

	server := api.NewServer(api.Deps{
		Pipeline:          pipeline,
		Store:             store,
		Kill:              kill,
		Engine:            engine,
		Quarantine:        quar,
		Rollouts:          rollouts,
		Exporter:          exporter,
		Ledger:            transparency,
		Streamer:          streamer,
		Monitor:           monitor,
		Tracker:           tracker,
		Auth:              tenancy.NewAuthenticator(store),
		Admin:             api.NewAdminAuth(cfg.Admin.JWTSecret, cfg.Admin.APIKey, cfg.Admin.AllowAPIKey),
		Dispatcher:        dispatcher,
		SupportedVersions: cfg.Server.SupportedVersions,
		PolicyPath:        cfg.Policy.Path,
	})

	// Retention sweeper.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := store.PurgeExpired(ctx, now.UTC()); err != nil {
					log.Printf("⚠️ retention sweep failed: %v", err)
				}
			}
		}
	}()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Println("📦 shutting down")
		cancel()
		os.Exit(0)
	}()

	if err := server.Start(cfg.Server.Port); err != nil {
		log.Fatalf("❌ server: %v", err)
	}
}
