// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

// Command offsync is the ops/debug CLI for the offline sync engine: inspect
// sync status, force a cycle, and clear the queue history.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/planventa/offsync/engine"
	"github.com/planventa/offsync/localstore"
	"github.com/planventa/offsync/netmon"
	"github.com/planventa/offsync/syncqueue"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "offsync",
		Short:         "Offline-first sync engine for the Planventa organizer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cfgFile)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.offsync.yaml)")
	root.AddCommand(newStatusCmd(), newSyncCmd(), newClearHistoryCmd())
	return root
}

func initConfig(cfgFile string) error {
	viper.SetDefault("database", "offsync.db")
	viper.SetDefault("interval", "30s")
	viper.SetEnvPrefix("OFFSYNC")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".offsync")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil // config file is optional
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

type app struct {
	store  *localstore.Store
	queue  *syncqueue.Queue
	engine *engine.Engine
}

func buildApp() (*app, error) {
	store, err := localstore.Open(viper.GetString("database"), localstore.DefaultConfig())
	if err != nil {
		return nil, err
	}

	queue := syncqueue.New(store)
	monitor := netmon.New(netmon.DefaultConfig(viper.GetString("probe_url")))

	var tokens engine.TokenSource
	if token := viper.GetString("token"); token != "" {
		tokens = engine.StaticToken(token)
	} else {
		tokens = &engine.StoreTokenSource{Store: store}
	}

	api := engine.NewAPIClient(viper.GetString("base_url"), tokens, 10*time.Second)
	cfg := engine.DefaultConfig()
	if interval := viper.GetDuration("interval"); interval > 0 {
		cfg.Interval = interval
	}

	return &app{
		store:  store,
		queue:  queue,
		engine: engine.New(store, queue, monitor, api, cfg),
	}, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending/completed/failed counts and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			stats, err := a.engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pending:   %d\n", stats.Pending)
			fmt.Printf("completed: %d\n", stats.Completed)
			fmt.Printf("failed:    %d\n", stats.Failed)
			if stats.LastSyncTime.IsZero() {
				fmt.Println("last sync: never")
			} else {
				fmt.Printf("last sync: %s\n", stats.LastSyncTime.Format(time.RFC3339))
			}

			failed, err := a.queue.ListFailed(cmd.Context())
			if err != nil {
				return err
			}
			for _, entry := range failed {
				fmt.Printf("  failed #%d %s %s record=%s retries=%d\n",
					entry.ID, entry.Op, entry.Collection, entry.RecordID(), entry.Retries)
			}
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Force one full sync cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.store.Close()

			if viper.GetString("base_url") == "" {
				return fmt.Errorf("base_url is not configured")
			}
			if err := a.engine.SyncNow(cmd.Context()); err != nil {
				return err
			}
			stats, err := a.engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("sync complete: %d pending, %d failed\n", stats.Pending, stats.Failed)
			return nil
		},
	}
}

func newClearHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-history",
		Short: "Delete completed and failed queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.store.Close()
			return a.queue.ClearHistory(cmd.Context())
		},
	}
}
