package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kshalu/fraudscope/internal/ingest"
	"github.com/kshalu/fraudscope/internal/logging"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/server"
	"github.com/kshalu/fraudscope/internal/transaction"
)

const maxLine = 1 << 20

// eachTransaction calls fn for every non-blank line of path ("-" is stdin).
func eachTransaction(path string, fn func(line int, tx *transaction.Transaction, err error) error) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		tx, err := transaction.Decode(sc.Bytes())
		if err := fn(line, tx, err); err != nil {
			return err
		}
	}
	return sc.Err()
}

func scoreCmd(load configLoader) *cobra.Command {
	var persist bool

	cmd := &cobra.Command{
		Use:   "score [file.jsonl]",
		Short: "Score transactions from a JSON lines file",
		Long: `Score runs each transaction through the full pipeline and prints one
result per line followed by aggregate stats. By default profiles and audit
records stay in memory; --persist uses the configured database and Redis.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !persist {
				cfg.Database.URL = ""
				cfg.Redis.URL = ""
			}
			cfg.Tracing.OTLPEndpoint = ""

			ctx := cmd.Context()
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), "warn", "text")
			app, err := server.NewApp(ctx, cfg, Version, server.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = eachTransaction(args[0], func(line int, tx *transaction.Transaction, err error) error {
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", line, err)
					return nil
				}
				res, err := app.Pipeline.Score(ctx, tx)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %s: %v\n", line, pipeline.KindOf(err), err)
					return nil
				}
				return enc.Encode(res)
			})
			if err != nil {
				return err
			}
			return enc.Encode(app.Pipeline.Stats().Snapshot())
		},
	}

	cmd.Flags().BoolVar(&persist, "persist", false, "write to the configured database and Redis")
	return cmd
}

func enqueueCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue [file.jsonl]",
		Short: "Send transactions to the ingest queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, "text")
			client, err := ingest.NewClient(ctx, cfg.SQS, logger)
			if err != nil {
				return err
			}

			sent, skipped := 0, 0
			err = eachTransaction(args[0], func(line int, tx *transaction.Transaction, err error) error {
				if err != nil {
					skipped++
					fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", line, err)
					return nil
				}
				if err := client.SendTransaction(ctx, tx); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}
				sent++
				return nil
			})
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d transactions, skipped %d\n", sent, skipped)
			return err
		},
	}
	return cmd
}
