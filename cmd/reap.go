package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newReapCmd creates the 'reap' subcommand, a one-shot cleanup suited to a
// cron job.
func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Expires stale tasks and deletes old temporary files once",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := appInstance.Close(cmd.Context()); cerr != nil && err == nil {
					err = fmt.Errorf("close app: %w", cerr)
				}
			}()
			if err := appInstance.Reap(cmd.Context()); err != nil {
				return fmt.Errorf("reap: %w", err)
			}
			return nil
		},
	}
}
