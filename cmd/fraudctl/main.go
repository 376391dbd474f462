// Command fraudctl is the operator tool for fraudscope: chain verification,
// policy replay, offline scoring and queue loading.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/config"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "fraudctl",
		Short:         "fraudctl - operator tool for the fraudscope scoring engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: $FRAUDSCOPE_CONFIG or configs/config.yaml)")

	loadConfig := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFile(configPath)
		}
		return config.Load()
	}

	rootCmd.AddCommand(verifyCmd(loadConfig))
	rootCmd.AddCommand(replayCmd(loadConfig))
	rootCmd.AddCommand(fallbackCmd(loadConfig))
	rootCmd.AddCommand(scoreCmd(loadConfig))
	rootCmd.AddCommand(enqueueCmd(loadConfig))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type configLoader func() (*config.Config, error)

// openStore connects to the configured audit database.
func openStore(ctx context.Context, cfg *config.Config) (*audit.PostgresStore, func(), error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database url is required (DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store := audit.NewPostgresStore(db)
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return store, func() { _ = db.Close() }, nil
}

// streamsFor returns the streams a command covers: one when stream is set,
// otherwise all of them.
func streamsFor(stream, total int) ([]int, error) {
	if stream >= 0 {
		if stream >= total {
			return nil, fmt.Errorf("stream %d out of range (0-%d)", stream, total-1)
		}
		return []int{stream}, nil
	}
	out := make([]int, total)
	for i := range out {
		out[i] = i
	}
	return out, nil
}
