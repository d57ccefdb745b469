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

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Inspect canonical entities",
	Long:  "Commands for listing and viewing deduplicated canonical listings.",
}

// -- entities list --

var entitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canonical entities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		active, _ := cmd.Flags().GetString("active")
		since, _ := cmd.Flags().GetDuration("modified-since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.EntityFilter{Limit: limit}
		switch active {
		case "true":
			v := true
			filter.Active = &v
		case "false":
			v := false
			filter.Active = &v
		}
		if since > 0 {
			filter.ModifiedAfter = time.Now().Add(-since)
		}

		entities, err := st.ListEntities(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "entities list")
		}

		if len(entities) == 0 {
			fmt.Fprintln(os.Stderr, "No entities found.")
			return nil
		}

		formatEntitiesList(os.Stdout, entities)
		return nil
	},
}

// -- entities show --

var entitiesShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Show full details of an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entity, err := st.GetEntity(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "entities show")
		}
		if entity == nil {
			return eris.Errorf("entity %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entity)
	},
}

func init() {
	entitiesListCmd.Flags().String("active", "", "filter by liveness (true, false)")
	entitiesListCmd.Flags().Duration("modified-since", 0, "only entities touched within this window (e.g. 24h)")
	entitiesListCmd.Flags().Int("limit", 50, "max number of entities to display")

	entitiesCmd.AddCommand(entitiesListCmd)
	entitiesCmd.AddCommand(entitiesShowCmd)
	rootCmd.AddCommand(entitiesCmd)
}

// formatEntitiesList writes a tabular list of entities to w.
func formatEntitiesList(out io.Writer, entities []model.CanonicalEntity) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tPRICE\tACTIVE\tMISSED\tLAST_SEEN")
	for i := range entities {
		e := &entities[i]
		title, _ := model.AsString(e.Fields[model.FieldTitle])
		price := "-"
		if v, ok := e.Price(); ok {
			price = fmt.Sprintf("%.0f", v)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
			e.EntityID, truncate(title, 40), price, e.IsActive,
			e.MissedPassCount, e.LastSeenAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
