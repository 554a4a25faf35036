package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"alertrelay/internal/retention"
	"alertrelay/internal/storage"
	logx "alertrelay/pkg/logx"
)

func newStateCommand(opts *options) *cobra.Command {
	state := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit delivery records",
	}

	var (
		dest   string
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List delivery records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status = strings.ToLower(strings.TrimSpace(status))
			if status != "" && status != storage.StatusFiring && status != storage.StatusResolved {
				return fmt.Errorf("--status must be %s or %s", storage.StatusFiring, storage.StatusResolved)
			}
			st, err := openStore(opts, true)
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.List(cmd.Context(), storage.Filter{Destination: dest, Status: status, Limit: limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			printf(tw, "ALERT KEY\tDESTINATION\tSTATUS\tMESSAGE\tUPDATED\n")
			for _, r := range recs {
				printf(tw, "%s\t%s\t%s\t%s\t%s\n", r.AlertKey, r.Destination, r.Status, r.MessageID, r.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&dest, "dest", "", "only this destination")
	list.Flags().StringVar(&status, "status", "", "only firing or resolved")
	list.Flags().IntVar(&limit, "limit", 0, "max records (0 = all)")

	forget := &cobra.Command{
		Use:   "forget <alert_key> <destination>",
		Short: "Delete one record so the next firing sends a new message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(opts, false)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(cmd.Context(), args[0], args[1]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("no record for %q at %q", args[0], args[1])
				}
				return err
			}
			printf(cmd.OutOrStdout(), "forgot %s at %s\n", args[0], args[1])
			return nil
		},
	}

	state.AddCommand(list, forget)
	return state
}

func newPruneCommand(opts *options) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete resolved records older than --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			st, err := openStore(opts, false)
			if err != nil {
				return err
			}
			defer st.Close()

			svc, err := retention.New(retention.Config{MaxAge: olderThan}, st, logx.Nop())
			if err != nil {
				return err
			}
			n, err := svc.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "pruned %d resolved record(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", retention.DefaultMaxAge, "age threshold, e.g. 72h")
	return cmd
}
