// Command worker runs the execution fabric: task queue consumers, the
// scheduler, the A2A broker and the schema-repair pipeline, plus health
// and metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aamlabs/agent-fabric/internal/a2a"
	"github.com/aamlabs/agent-fabric/internal/adapter/observability"
	"github.com/aamlabs/agent-fabric/internal/adapter/queue/redisq"
	"github.com/aamlabs/agent-fabric/internal/arbitrator"
	"github.com/aamlabs/agent-fabric/internal/config"
	"github.com/aamlabs/agent-fabric/internal/domain"
	"github.com/aamlabs/agent-fabric/internal/fabric"
	"github.com/aamlabs/agent-fabric/internal/flags"
	"github.com/aamlabs/agent-fabric/internal/intel"
	"github.com/aamlabs/agent-fabric/internal/pii"
	"github.com/aamlabs/agent-fabric/internal/resilience"
	"github.com/aamlabs/agent-fabric/internal/scheduler"
	"github.com/aamlabs/agent-fabric/internal/stream"
	"github.com/aamlabs/agent-fabric/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: Redis backs the queue, flags, and the canonical stream. A
	// missing REDIS_URL falls back to in-process storage for local runs.
	var rdb *redis.Client
	queue := domain.TaskQueue(redisq.NewMemoryQueue())
	if cfg.RedisURL != "" {
		opt, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", perr))
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		queue = redisq.New(rdb)
	} else {
		slog.Warn("REDIS_URL unset, using in-process queue; tasks will not survive restarts")
	}

	exec := resilience.NewExecutor(resilience.DefaultProfiles())

	// Fabric planes and the action router.
	registry := fabric.NewRegistry()
	if path := os.Getenv("FABRIC_OVERRIDES"); path != "" {
		if err := registry.LoadOverrides(path); err != nil {
			slog.Error("fabric overrides load failed", slog.String("path", path), slog.Any("error", err))
			os.Exit(1)
		}
	}

	var routerOpts []fabric.RouterOption
	if len(cfg.KafkaBrokers) > 0 {
		bus, berr := fabric.NewKafkaPublisher(cfg.KafkaBrokers)
		if berr != nil {
			slog.Warn("kafka connect failed, event_bus plane disabled", slog.Any("error", berr))
		} else {
			defer bus.Close()
			routerOpts = append(routerOpts, fabric.WithEventPublisher(bus))
		}
	}
	var pgPool *pgxpool.Pool
	if cfg.DBURL != "" {
		staging, serr := fabric.NewPGStagingWriter(ctx, cfg.DBURL)
		if serr != nil {
			slog.Warn("warehouse connect failed, data_warehouse plane disabled", slog.Any("error", serr))
		} else {
			defer staging.Close()
			routerOpts = append(routerOpts, fabric.WithStagingWriter(staging))
		}
		pgPool, err = newPGPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Warn("db connect failed, approvals run without persistence", slog.Any("error", err))
		} else {
			defer pgPool.Close()
		}
	}
	router := fabric.NewRouter(registry, exec, routerOpts...)

	// A2A: discovery, shift-left PII, delegation, broker.
	directory := a2a.NewDirectory()
	gate := pii.NewContextSharingProtocol()
	engine := a2a.NewEngine(directory, gate, router, a2a.EngineConfig{
		DefaultPolicy: domain.PIIPolicy(cfg.PIIPolicy),
	})
	engine.Start(ctx, time.Minute)
	defer engine.Stop()
	broker := a2a.NewBroker(directory, engine, router, cfg.A2AResponseTimeout)

	// Intelligence pipeline.
	memory := intel.NewQdrantMemory(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.RAGCollection)
	if err := memory.EnsureCollection(ctx); err != nil {
		slog.Warn("qdrant unavailable, mapping memory disabled", slog.Any("error", err))
	}
	llm := intel.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	var approvals *intel.ApprovalManager
	if pgPool != nil {
		repo := intel.NewPGApprovalRepository(pgPool)
		if err := repo.Migrate(ctx); err != nil {
			slog.Error("approval schema migration failed", slog.Any("error", err))
			os.Exit(1)
		}
		approvals = intel.NewApprovalManager(repo, memory, cfg.ApprovalWebhookURL)
	}
	pipeline := intel.NewPipeline(memory, llm, exec, approvals, cfg.RAGShortCircuit)

	// Feature flags with pub/sub invalidation.
	var flagStore *flags.Store
	if rdb != nil {
		flagStore = flags.NewStore(rdb)
		listener := flags.NewListener(rdb, flagStore)
		listener.Start(ctx)
		defer listener.Stop()
	}

	var publisher *stream.Publisher
	if rdb != nil {
		publisher = stream.NewPublisher(rdb, cfg.IdempotencyTTL)
	}

	locks := arbitrator.New()

	// Task handlers.
	handlers := worker.NewHandlerRegistry()
	handlers.Register("schema_repair", schemaRepairHandler(pipeline, publisher, flagStore))
	handlers.Register("routed_action", routedActionHandler(router, locks))
	handlers.Register("a2a_message", a2aMessageHandler(broker))
	handlers.Register("expire_approvals", func(ctx domain.Context, t domain.Task) (map[string]any, error) {
		expired := engine.ExpireOverdue(time.Now())
		result := map[string]any{"delegations_expired": len(expired)}
		if approvals != nil {
			tenant, _ := t.Payload["tenant_id"].(string) // empty sweeps all tenants
			n, err := approvals.ExpireOverdue(ctx, tenant, time.Now())
			if err != nil {
				return nil, err
			}
			result["approvals_expired"] = n
		}
		return result, nil
	})
	handlers.Register("cleanup_stale_tasks", func(ctx domain.Context, _ domain.Task) (map[string]any, error) {
		n, err := queue.CleanupStale(ctx, cfg.StaleTaskThreshold)
		if err != nil {
			return nil, err
		}
		return map[string]any{"reclaimed": n}, nil
	})

	pool := worker.NewPool(queue, handlers, worker.PoolConfig{
		Policy:     worker.PolicyAuto,
		MinWorkers: cfg.MinWorkers,
		MaxWorkers: cfg.MaxWorkers,
		Worker: worker.Config{
			MaxConcurrentTasks: cfg.WorkerConcurrency,
			HeartbeatInterval:  cfg.WorkerHeartbeatInterval,
			ShutdownTimeout:    cfg.WorkerShutdownTimeout,
		},
		ScaleUpThreshold:    cfg.ScaleUpThreshold,
		ScaleDownThreshold:  cfg.ScaleDownThreshold,
		ScaleCooldownUp:     cfg.ScaleCooldownUp,
		ScaleCooldownDown:   cfg.ScaleCooldownDown,
		HealthCheckInterval: cfg.HealthCheckInterval,
		UnhealthyThreshold:  cfg.UnhealthyThreshold,
		MetricsInterval:     cfg.MetricsInterval,
	})
	pool.Start(ctx)
	defer pool.Stop()

	sched := scheduler.New(queue, scheduler.Config{
		TickInterval:      cfg.SchedulerTickInterval,
		MaxConcurrentJobs: cfg.SchedulerMaxConcurrent,
	})
	sched.Start(ctx)
	defer sched.Stop()
	seedMaintenanceJobs(sched)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           healthMux(queue, exec, rdb),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("health server listening", slog.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.Any("error", err))
	}
}

func newPGPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("op=main.newPGPool: %w", err)
	}
	pgCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("op=main.newPGPool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=main.newPGPool: %w", err)
	}
	return pool, nil
}

// schemaRepairHandler decodes a drift event from the task payload, skips
// duplicate batches, and runs the repair pipeline when the tenant's flag
// allows it.
func schemaRepairHandler(pipeline *intel.Pipeline, publisher *stream.Publisher, flagStore *flags.Store) domain.TaskHandler {
	return func(ctx domain.Context, t domain.Task) (map[string]any, error) {
		var drift domain.DriftEvent
		if err := decodePayload(t.Payload, &drift); err != nil {
			return nil, fmt.Errorf("op=schemaRepairHandler task=%s: %w", t.ID, err)
		}
		if drift.TenantID == "" {
			drift.TenantID = t.TenantID
		}

		if flagStore != nil && !flagStore.IsEnabled(ctx, "schema_repair", drift.TenantID) {
			return map[string]any{"skipped": "schema_repair disabled"}, nil
		}
		if batchID, ok := t.Payload["batch_id"].(string); ok && publisher != nil {
			first, err := publisher.FirstDelivery(ctx, drift.TenantID, batchID)
			if err != nil {
				slog.Warn("idempotency check failed, processing anyway", slog.Any("error", err))
			} else if !first {
				return map[string]any{"skipped": "duplicate batch", "batch_id": batchID}, nil
			}
		}

		repair, err := pipeline.Repair(ctx, drift)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"overall_action":  string(repair.OverallAction),
			"fields":          len(repair.FieldProposals),
			"auto_applied":    repair.AutoApplied,
			"hitl_queued":     repair.HITLQueued,
			"rejected":        repair.Rejected,
			"mean_confidence": repair.MeanConfidence,
		}, nil
	}
}

// routedActionHandler lets queued tasks reach target systems through the
// fabric router, the only sanctioned path outbound. Tasks targeting a
// concrete entity serialize on a per-entity lock so concurrent workers do
// not interleave writes to the same record.
func routedActionHandler(router *fabric.Router, locks *arbitrator.Arbitrator) domain.TaskHandler {
	return func(ctx domain.Context, t domain.Task) (map[string]any, error) {
		var payload domain.ActionPayload
		if err := decodePayload(t.Payload, &payload); err != nil {
			return nil, fmt.Errorf("op=routedActionHandler task=%s: %w", t.ID, err)
		}

		if payload.EntityID != "" {
			resource := fmt.Sprintf("%s:%s", payload.TargetSystem, payload.EntityID)
			owner := t.WorkerID
			if owner == "" {
				owner = t.ID
			}
			if _, err := locks.Acquire(ctx, resource, owner, true); err != nil {
				return nil, fmt.Errorf("op=routedActionHandler task=%s: %w", t.ID, err)
			}
			defer func() { _ = locks.Release(resource, owner) }()
		}

		correlationID, _ := t.Metadata["correlation_id"].(string)
		action, err := router.Route(ctx, t.TenantID, payload, t.AgentID, correlationID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"action_id":      action.ID,
			"status":         string(action.Status),
			"execution_path": action.ExecutionPath,
		}, nil
	}
}

// a2aMessageHandler feeds queued protocol envelopes into the broker, so
// agent messages can ride the task fabric for async delivery.
func a2aMessageHandler(broker *a2a.Broker) domain.TaskHandler {
	return func(ctx domain.Context, t domain.Task) (map[string]any, error) {
		var msg a2a.Message
		if err := decodePayload(t.Payload, &msg); err != nil {
			return nil, fmt.Errorf("op=a2aMessageHandler task=%s: %w", t.ID, err)
		}
		if msg.TenantID == "" {
			msg.TenantID = t.TenantID
		}
		reply, err := broker.Send(ctx, msg)
		if err != nil {
			return nil, err
		}
		result := map[string]any{"message_id": msg.ID}
		if reply != nil {
			result["reply_type"] = string(reply.Type)
			result["reply_id"] = reply.ID
		}
		return result, nil
	}
}

func decodePayload(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func seedMaintenanceJobs(sched *scheduler.Scheduler) {
	jobs := []domain.ScheduledJob{
		{
			Name:     "expire-approvals",
			Schedule: domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 3600},
			TaskType: "expire_approvals",
			Priority: domain.PriorityBackground,
			TenantID: "system",
			Enabled:  true,
		},
		{
			Name:     "cleanup-stale-tasks",
			Schedule: domain.Schedule{Type: domain.ScheduleInterval, IntervalSeconds: 300},
			TaskType: "cleanup_stale_tasks",
			Priority: domain.PriorityBackground,
			TenantID: "system",
			Enabled:  true,
		},
	}
	for _, job := range jobs {
		if _, err := sched.CreateJob(job); err != nil {
			slog.Error("maintenance job create failed", slog.String("name", job.Name), slog.Any("error", err))
		}
	}
}

// healthMux exposes liveness, readiness with breaker snapshots, and
// Prometheus metrics.
func healthMux(queue domain.TaskQueue, exec *resilience.Executor, rdb *redis.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		body := map[string]any{"status": "ready"}

		if rdb != nil {
			if err := rdb.Ping(req.Context()).Err(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body["redis"] = err.Error()
			}
		}
		if depth, err := queue.PendingDepth(req.Context()); err == nil {
			body["pending_depth"] = depth
		}

		snapshots := exec.Snapshots()
		open := 0
		for _, s := range snapshots {
			if s.State == resilience.StateOpen.String() {
				open++
			}
		}
		body["breakers"] = snapshots
		if open > 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	return r
}
