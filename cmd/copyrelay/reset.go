package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/copyrelay/internal/domain"
)

func newResetCmd() *cobra.Command {
	var (
		yes      bool
		flagOnly bool
		value    bool
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the ledger or set the reset flag",
		Long: `Without --flag-only, clears pending orders, filled trades, recent events,
the master account snapshot and slave presence, then raises the reset flag.
Slave config and broker time are kept. Requires --yes.

With --flag-only, only writes the reset flag (--value, --reason).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagOnly && !yes {
				return fmt.Errorf("refusing to clear the ledger without --yes")
			}
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, storeRedis, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var info domain.ResetInfo
			if flagOnly {
				info, err = a.control.SetResetFlag(cmd.Context(), value, reason)
			} else {
				log.Warn().Str("prefix", cfg.Prefix).Msg("Clearing ledger")
				info, err = a.control.FullReset(cmd.Context())
			}
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(info)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the full ledger reset")
	cmd.Flags().BoolVar(&flagOnly, "flag-only", false, "Only write the reset flag")
	cmd.Flags().BoolVar(&value, "value", true, "Reset flag value with --flag-only")
	cmd.Flags().StringVar(&reason, "reason", "", "Reset flag reason with --flag-only")
	return cmd
}
