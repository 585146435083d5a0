// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

// invhub is the operational CLI for the offline-first inventory mirror:
// flush the pending queue, hydrate the local store and inspect queue health.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gonzagiaco/fin-inventory-hub-sub000/localstore"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/remote"
	"github.com/gonzagiaco/fin-inventory-hub-sub000/syncer"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "invhub",
		Short: "Offline-first inventory mirror and sync tool",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("base-url", "", "Remote service base URL")
	rootCmd.PersistentFlags().String("api-key", "", "Remote service API key")
	rootCmd.PersistentFlags().String("db", "invhub.db", "Path to the local SQLite mirror")
	bindFlag(rootCmd, "base_url", "base-url")
	bindFlag(rootCmd, "api_key", "api-key")
	bindFlag(rootCmd, "db", "db")

	rootCmd.AddCommand(syncCmd(), hydrateCmd(), statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	viper.SetEnvPrefix("INVHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func buildEngine() (*localstore.Store, *syncer.Engine, error) {
	baseURL := viper.GetString("base_url")
	if baseURL == "" {
		return nil, nil, errors.New("base URL not configured (set INVHUB_BASE_URL or --base-url)")
	}

	store, err := localstore.Open(viper.GetString("db"))
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	svc := remote.NewSupabaseService(remote.Config{
		BaseURL: baseURL,
		APIKey:  viper.GetString("api_key"),
	})
	return store, syncer.NewEngine(store, svc, logger), nil
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush the pending queue, then refresh the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, engine, err := buildEngine()
			if err != nil {
				return err
			}
			defer store.Close()
			return engine.SyncNow(cmd.Context())
		},
	}
}

func hydrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hydrate",
		Short: "Replace the local mirror with the remote tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, engine, err := buildEngine()
			if err != nil {
				return err
			}
			defer store.Close()
			return engine.PullAll(cmd.Context())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending queue depth and dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := localstore.Open(viper.GetString("db"))
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			depth, err := store.QueueDepth(ctx)
			if err != nil {
				return err
			}
			dead, err := store.DeadLetters(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("pending operations: %d\n", depth)
			fmt.Printf("dead letters:       %d\n", len(dead))
			for _, op := range dead {
				fmt.Printf("  #%d %s %s %s (retries %d/%d)\n",
					op.ID, op.OperationType, op.TableName, op.RecordID, op.RetryCount, op.MaxRetries)
			}
			return nil
		},
	}
}
