package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newMaintainCmd() *cobra.Command {
	var storeKind string
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass and exit",
		Long:  "Prunes recent events older than the configured max age and evicts stale slave presence, then prints the report as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, storeKind, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.maintainer.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&storeKind, "store", storeRedis, "Ledger backend (redis|memory)")
	return cmd
}
