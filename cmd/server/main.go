// Package main implements the pipeline's invocation surface: the HTTP
// endpoints the external scheduler and trigger queue call to dispatch
// computed roster changes, execute individual tasks, and run the deadline
// sweeper.
//
// Endpoints:
//
//	POST /dispatch/{kind}  - turn an optimizer change set into tasks
//	POST /execute          - run one task attempt (body: {"taskId": ...})
//	POST /sweep            - expire tasks past their deadline
//	GET  /tasks/{id}       - inspect a task record
//	GET  /stats            - rate controller snapshot and queue depths
//	POST /pause, /resume   - global admission pause
//	GET  /metrics          - Prometheus metrics
//
// All invocation endpoints are idempotent and report internal retry
// decisions as success-with-detail; only durable-store failures surface as
// HTTP errors.
package main

import (
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/folkg/auto-coach/pkg/config"
	"github.com/folkg/auto-coach/pkg/dispatch"
	"github.com/folkg/auto-coach/pkg/executor"
	"github.com/folkg/auto-coach/pkg/graph"
	"github.com/folkg/auto-coach/pkg/logger"
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
	creds := provider.NewStoredCredentials(rdb)

	a := &app{
		store:      st,
		dispatcher: dispatch.New(st, g, q, cfg.TaskDeadline),
		executor:   executor.New(st, rc, g, q, providerClient, creds),
		sweeper:    sweeper.New(st, g),
		rate:       rc,
		queue:      q,
	}

	if cfg.APIKey == "" {
		logger.Log.Warn().Msg("API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	router := setupRouter(a, cfg.APIKey)

	logger.Log.Info().Str("addr", cfg.ServerAddr).Msg("Server listening")
	if err := http.ListenAndServe(cfg.ServerAddr, router); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
