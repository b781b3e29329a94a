// Package main implements coachctl, the operator CLI for the mutation
// pipeline. It talks directly to the durable store, so it works even when
// the HTTP surface is down.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/folkg/auto-coach/pkg/config"
	"github.com/folkg/auto-coach/pkg/rate"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/trigger"
)

func main() {
	cfg := config.Load()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx := context.Background()

	root := &cobra.Command{
		Use:   "coachctl",
		Short: "Operate the roster mutation pipeline",
	}

	root.AddCommand(&cobra.Command{
		Use:   "task <id>",
		Short: "Show a mutation task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := store.New(rdb).Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show rate controller state and queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := rate.New(rdb, cfg.MaxParallelCap).Snapshot(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"rate":   snapshot,
				"queues": trigger.New(rdb).Depths(ctx),
			})
		},
	})

	var pauseSeconds int
	var pauseReason string
	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause all provider submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Duration(pauseSeconds) * time.Second
			if err := rate.New(rdb, cfg.MaxParallelCap).Pause(ctx, pauseReason, d); err != nil {
				return err
			}
			fmt.Printf("paused for %s: %s\n", d, pauseReason)
			return nil
		},
	}
	pauseCmd.Flags().IntVarP(&pauseSeconds, "duration", "d", 60, "pause duration in seconds")
	pauseCmd.Flags().StringVarP(&pauseReason, "reason", "r", "manual pause", "reason recorded with the pause")
	root.AddCommand(pauseCmd)

	root.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Clear a global pause",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rate.New(rdb, cfg.MaxParallelCap).Resume(ctx); err != nil {
				return err
			}
			fmt.Println("resumed")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
