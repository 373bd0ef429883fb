package cmd

import (
	"fmt"

	"github.com/nutthakorn7/zcrai-sub000/storage"
	"github.com/spf13/cobra"
)

// newEventsCmd creates the 'events' command group
func newEventsCmd() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Event store utilities",
	}
	eventsCmd.AddCommand(newEventsSchemaCmd())
	return eventsCmd
}

// newEventsSchemaCmd prints the ClickHouse DDL the event store reads from
func newEventsSchemaCmd() *cobra.Command {
	var table string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the ClickHouse events table DDL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ddl, err := storage.EventsTableDDL(table)
			if err != nil {
				return fmt.Errorf("invalid table name: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ddl)
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "events", "Events table name")
	return cmd
}
