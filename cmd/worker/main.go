// Package main implements the pipeline worker. It consumes "execute task"
// events from the trigger queue, runs each through the executor, and hosts
// the periodic jobs: promoting delayed events, sweeping expired deadlines,
// and refreshing queue-depth metrics.
//
// The worker holds no coordination state in memory. Admission control,
// task status, and release markers all live in Redis, so any number of
// workers can run side by side.
//
// Usage:
//
//	go run ./cmd/worker
//
// Prometheus metrics are exposed on WORKER_METRICS_ADDR (default :8080).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/folkg/auto-coach/pkg/config"
	"github.com/folkg/auto-coach/pkg/executor"
	"github.com/folkg/auto-coach/pkg/graph"
	"github.com/folkg/auto-coach/pkg/logger"
	"github.com/folkg/auto-coach/pkg/metrics"
	"github.com/folkg/auto-coach/pkg/provider"
	"github.com/folkg/auto-coach/pkg/rate"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/sweeper"
	"github.com/folkg/auto-coach/pkg/trigger"
)

func main() {
	cfg := config.Load()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	st := store.New(rdb)
	g := graph.New(rdb)
	q := trigger.New(rdb)
	rc := rate.New(rdb, cfg.MaxParallelCap)

	providerClient := provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderTimeout,
		provider.Classifier{DeniedIsThrottle: cfg.DeniedIsThrottle})
	exec := executor.New(st, rc, g, q, providerClient, provider.NewStoredCredentials(rdb))
	sw := sweeper.New(st, g)

	ctx, cancel := context.WithCancel(context.Background())

	// Metrics server
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info().Str("addr", cfg.WorkerMetricsAddr).Msg("Metrics server listening")
		if err := http.ListenAndServe(cfg.WorkerMetricsAddr, nil); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	// Periodic jobs. The delayed-event mover runs every second so retry
	// schedules land close to their computed time; the sweeper guarantees
	// forward progress for anything the queue loses.
	c := cron.New(cron.WithSeconds())
	c.AddFunc("* * * * * *", func() {
		if _, err := q.MoveDue(ctx, time.Now()); err != nil {
			logger.Log.Error().Err(err).Msg("Delayed-event mover failed")
		}
	})
	c.AddFunc("@every 30s", func() {
		report, err := sw.Sweep(ctx)
		if err != nil {
			logger.Log.Error().Err(err).Msg("Sweep failed")
			return
		}
		if report.TimedOut > 0 {
			logger.Log.Warn().Int("timed_out", report.TimedOut).Msg("Sweep expired tasks")
		}
	})
	c.AddFunc("@every 5s", func() {
		for name, depth := range q.Depths(ctx) {
			metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
		}
		if snap, err := rc.Snapshot(ctx); err == nil {
			metrics.RateMaxParallel.Set(float64(snap.MaxParallel))
			metrics.RateInProgress.Set(float64(snap.InProgress))
		}
	})
	c.Start()
	defer c.Stop()

	logger.Log.Info().Msg("Worker started. Waiting for tasks...")
	runLoop(ctx, q, exec)
}

// runLoop consumes trigger events until the context is cancelled. Store
// failures requeue the event for redelivery; every other outcome is the
// executor's own decision and the event is acked.
func runLoop(ctx context.Context, q *trigger.Queue, exec *executor.Executor) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			taskID, err := q.Dequeue(ctx)
			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				logger.Log.Error().Err(err).Msg("Dequeue failed")
				time.Sleep(time.Second)
				continue
			}

			res, err := exec.Execute(ctx, taskID)
			if err != nil {
				logger.Log.Error().Err(err).Str("task_id", taskID).Msg("Execution hit store failure, requeueing")
				if rqErr := q.Requeue(ctx, taskID); rqErr != nil {
					logger.Log.Error().Err(rqErr).Str("task_id", taskID).Msg("Requeue failed")
				}
				continue
			}

			logger.Log.Debug().
				Str("task_id", taskID).
				Str("action", string(res.Action)).
				Msg("Task handled")
			if err := q.Ack(ctx, taskID); err != nil {
				logger.Log.Error().Err(err).Str("task_id", taskID).Msg("Ack failed")
			}
		}
	}
}
