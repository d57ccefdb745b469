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

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the change event log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entity, _ := cmd.Flags().GetString("entity")
		batch, _ := cmd.Flags().GetString("batch")
		action, _ := cmd.Flags().GetString("action")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		events, err := st.ListEvents(ctx, store.EventFilter{
			EntityID: entity,
			BatchID:  batch,
			Action:   model.Action(action),
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "events list")
		}

		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		}

		formatEventsList(os.Stdout, events)
		return nil
	},
}

func init() {
	eventsCmd.Flags().String("entity", "", "filter by entity ID")
	eventsCmd.Flags().String("batch", "", "filter by batch ID")
	eventsCmd.Flags().String("action", "", "filter by action (INSERT, UPDATE, DELETE, RESTORE)")
	eventsCmd.Flags().Int("limit", 100, "max number of events to display")
	eventsCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(eventsCmd)
}

// formatEventsList writes a tabular list of change events to w.
func formatEventsList(out io.Writer, events []model.ChangeEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tACTION\tENTITY\tFIELD\tOLD\tNEW\tAT")
	for i := range events {
		ev := &events[i]
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.Action, ev.EntityID, ev.FieldName,
			formatValue(ev.OldValue), formatValue(ev.NewValue),
			ev.OccurredAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func formatValue(v any) string {
	if v == nil {
		return "-"
	}
	if m, ok := v.(map[string]any); ok {
		return fmt.Sprintf("{%d fields}", len(m))
	}
	return truncate(fmt.Sprintf("%v", v), 30)
}
