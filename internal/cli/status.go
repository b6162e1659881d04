package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/claimflow/claimflow/internal/apperr"
	"github.com/claimflow/claimflow/internal/job"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <invocation-id> <file-name>",
		Short: "Print a Job Record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := job.Key{InvocationID: args[0], FileName: args[1]}
			if err := key.Validate(); err != nil {
				return err
			}

			store, closeStore, err := opts.openStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer closeStore() //nolint:errcheck

			rec, err := store.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if rec == nil {
				return apperr.New(apperr.KindNotFound, "cli.status", "no job record for %s %s", key.InvocationID, key.FileName)
			}

			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return fmt.Errorf("encode job record: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
