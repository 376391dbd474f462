package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/policy"
)

const pageSize = 500

func verifyCmd(load configLoader) *cobra.Command {
	var stream int

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify audit hash chains",
		Long: `Walk each audit stream from the first record, recomputing hashes and
checking links and signatures. Exits non-zero if any chain is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			streams, err := streamsFor(stream, cfg.Audit.Chain.Streams)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeDB, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			verifier := audit.NewVerifier(audit.NewSigner(cfg.Audit.HMACSecret))
			out := cmd.OutOrStdout()
			broken := 0
			for _, s := range streams {
				report, err := verifier.VerifyStream(ctx, store, s, pageSize)
				if err != nil {
					return fmt.Errorf("verify stream %d: %w", s, err)
				}
				status := "OK"
				if !report.Valid {
					status = "BROKEN"
					broken++
				}
				fmt.Fprintf(out, "stream %d: %s records=%d head=%d %s\n",
					s, status, report.Records, report.HeadSequence, report.HeadHash)
				for _, b := range report.Breaks {
					fmt.Fprintf(out, "  seq %d %s (%s): %s\n", b.Sequence, b.Kind, b.RecordID, b.Detail)
				}
			}
			if broken > 0 {
				return fmt.Errorf("%d of %d streams failed verification", broken, len(streams))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&stream, "stream", "s", -1, "verify a single stream")
	return cmd
}

func replayCmd(load configLoader) *cobra.Command {
	var (
		stream     int
		limit      int
		allowBelow float64
		blockAbove float64
		version    string
		changed    bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-run stored decisions under new thresholds",
		Long: `Replay re-evaluates the decision policy over audited records without
re-scoring. Models and features are not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("allow-below") {
				allowBelow = cfg.Policy.AllowBelow
			}
			if !cmd.Flags().Changed("block-above") {
				blockAbove = cfg.Policy.BlockAbove
			}
			pol, err := policy.New(cfg.Policy.Version, policy.Thresholds{
				Version:    version,
				AllowBelow: allowBelow,
				BlockAbove: blockAbove,
			})
			if err != nil {
				return err
			}
			streams, err := streamsFor(stream, cfg.Audit.Chain.Streams)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, closeDB, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var total, flipped int
			for _, s := range streams {
				var after int64
				for limit <= 0 || total < limit {
					page, err := store.List(ctx, s, after, pageSize)
					if err != nil {
						return fmt.Errorf("list stream %d: %w", s, err)
					}
					if len(page) == 0 {
						break
					}
					for _, rec := range page {
						after = rec.Sequence
						res := pipeline.Replay(rec, pol)
						total++
						if res.Changed {
							flipped++
						}
						if !changed || res.Changed {
							if err := enc.Encode(res); err != nil {
								return err
							}
						}
						if limit > 0 && total >= limit {
							break
						}
					}
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "replayed %d decisions, %d changed\n", total, flipped)
			return nil
		},
	}

	cmd.Flags().IntVarP(&stream, "stream", "s", -1, "replay a single stream")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after n records (0 = all)")
	cmd.Flags().Float64Var(&allowBelow, "allow-below", 0, "scores below this are allowed")
	cmd.Flags().Float64Var(&blockAbove, "block-above", 0, "scores at or above this are blocked")
	cmd.Flags().StringVar(&version, "threshold-version", "replay", "version label for the replay thresholds")
	cmd.Flags().BoolVar(&changed, "changed", false, "print only decisions whose outcome would change")
	return cmd
}

func fallbackCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback [file]",
		Short: "Inspect records written to the audit fallback file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := load()
				if err != nil {
					return err
				}
				path = cfg.Audit.FallbackPath
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			records, err := audit.ReadFallback(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			bad := 0
			for _, rec := range records {
				status := "ok"
				if sum, err := rec.ComputeHash(); err != nil || sum != rec.Hash {
					status = "HASH MISMATCH"
					bad++
				}
				fmt.Fprintf(out, "%s stream=%d seq=%d tx=%s outcome=%s %s\n",
					rec.ID, rec.Stream, rec.Sequence, rec.Decision.TransactionID,
					strings.ToUpper(string(rec.Decision.Outcome)), status)
			}
			fmt.Fprintf(out, "%d records, %d with bad hashes\n", len(records), bad)
			if bad > 0 {
				return fmt.Errorf("fallback file %s has %d corrupt records", path, bad)
			}
			return nil
		},
	}
	return cmd
}
