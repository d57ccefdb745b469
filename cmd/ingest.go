package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-reconciler/internal/ingest"
	"github.com/sells-group/listing-reconciler/internal/model"
)

var (
	ingestSource    string
	ingestSheet     string
	ingestPolicy    string
	ingestNoClose   bool
	ingestBatchOnly bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Reconcile scrape output files into the canonical store",
	Long: `Reads candidate records from JSONL, CSV, or XLSX files and runs a full
reconciliation pass: dedup against existing entities, confidence-based
field merge, change detection, and soft-delete bookkeeping for listings
that stopped appearing.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		ctx := cmd.Context()
		if ingestPolicy != "" {
			cfg.Reconcile.PolicyPath = ingestPolicy
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := initReconciler(st)
		if err != nil {
			return err
		}

		var records []model.CandidateRecord
		for _, path := range args {
			batch, err := ingest.ReadFile(ctx, path, ingest.Options{
				Source:            ingestSource,
				DefaultConfidence: cfg.Ingest.DefaultConfidence,
				SheetName:         ingestSheet,
			})
			if err != nil {
				return err
			}
			records = append(records, batch...)
		}
		zap.L().Info("files loaded", zap.Int("files", len(args)), zap.Int("records", len(records)))

		if ingestBatchOnly {
			// Submit into the current pass without advancing or closing it,
			// for mid-pass incremental batches.
			res, err := rec.Submit(ctx, records, ingestSource)
			if err != nil {
				return err
			}
			zap.L().Info("batch reconciled",
				zap.String("batch_id", res.BatchID),
				zap.Int("imported", res.Imported),
				zap.Int("updated", res.Updated),
				zap.Int("duplicates", res.Duplicates),
				zap.Int("errors", res.Errors))
			return nil
		}

		if ingestNoClose {
			pass, err := rec.BeginPass(ctx)
			if err != nil {
				return err
			}
			res, err := rec.Submit(ctx, records, ingestSource)
			if err != nil {
				return err
			}
			zap.L().Info("pass left open",
				zap.Int64("pass", pass),
				zap.String("batch_id", res.BatchID),
				zap.Int("imported", res.Imported))
			return nil
		}

		summary, err := rec.Run(ctx, records, ingestSource)
		if err != nil {
			return err
		}
		zap.L().Info("pass complete",
			zap.Int64("pass", summary.Pass),
			zap.Int("inserted", summary.Inserted),
			zap.Int("updated", summary.Updated),
			zap.Int("duplicates", summary.Duplicates),
			zap.Int("errors", summary.Errors),
			zap.Int("soft_deleted", summary.SoftDeleted),
			zap.Int("restored", summary.Restored))
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source strategy name stamped on records")
	ingestCmd.Flags().StringVar(&ingestSheet, "sheet", "", "XLSX sheet name (default: first sheet)")
	ingestCmd.Flags().StringVar(&ingestPolicy, "policy", "", "merge policy YAML path (overrides reconcile.policy_path)")
	ingestCmd.Flags().BoolVar(&ingestNoClose, "no-close", false, "begin a pass but skip missed-entity bookkeeping")
	ingestCmd.Flags().BoolVar(&ingestBatchOnly, "batch-only", false, "submit into the current pass without advancing it")
	rootCmd.AddCommand(ingestCmd)
}
