package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/store"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Inspect import batch history",
}

var batchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.BatchFilter{Limit: limit}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		batches, err := st.ListBatches(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "batches list")
		}

		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}

		formatBatchesList(os.Stdout, batches)
		return nil
	},
}

var batchesShowCmd = &cobra.Command{
	Use:   "show <batch-id>",
	Short: "Show full details of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		batch, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "batches show")
		}
		if batch == nil {
			return eris.Errorf("batch %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(batch)
	},
}

func init() {
	batchesListCmd.Flags().Duration("since", 0, "time window (e.g. 24h)")
	batchesListCmd.Flags().Int("limit", 50, "max number of batches to display")

	batchesCmd.AddCommand(batchesListCmd)
	batchesCmd.AddCommand(batchesShowCmd)
	rootCmd.AddCommand(batchesCmd)
}

// formatBatchesList writes a tabular list of batches to w.
func formatBatchesList(out io.Writer, batches []model.ImportBatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tPASS\tSTATUS\tINS\tUPD\tDUP\tERR\tSTARTED")
	for i := range batches {
		b := &batches[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			b.BatchID, b.Source, b.Pass, b.Status,
			b.Inserted, b.Updated, b.Duplicates, b.Errored,
			b.StartedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
