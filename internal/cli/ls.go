package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const ledgerTimeout = 10 * time.Second

func newLsCmd(a *app) *cobra.Command {
	var (
		limit  int
		offset int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List recorded machines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), ledgerTimeout)
			defer cancel()

			machines, total, err := st.ListMachines(ctx, limit, offset)
			if err != nil {
				return fmt.Errorf("list machines: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(machines)
			}
			if len(machines) == 0 {
				fmt.Fprintln(out, "No machines recorded")
				return nil
			}
			fmt.Fprintf(out, "%-26s %-11s %-8s %-20s %s\n", "ID", "STATE", "PID", "CREATED", "ERROR")
			for _, m := range machines {
				fmt.Fprintf(out, "%-26s %-11s %-8d %-20s %s\n",
					m.ID, m.State, m.PID, m.CreatedAt.Local().Format(time.DateTime), m.Error)
			}
			if shown := offset + len(machines); shown < total {
				fmt.Fprintf(out, "(%d of %d shown)\n", len(machines), total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of machines to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of machines to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}
