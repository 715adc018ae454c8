package main

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"leadbot/src/lock"
	"leadbot/src/logger"
)

func newLeadsCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Print the leads recorded on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			if day == "" {
				day = time.Now().In(loc).Format(time.DateOnly)
			} else if _, err := time.ParseInLocation(time.DateOnly, day, loc); err != nil {
				return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
			}

			recorder, store, err := openRecorder(cmd.Context(), cfg, lock.NewMemory(lockOptions(cfg), logger.Logger), logger.With("leads"))
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := recorder.LeadsForDay(cmd.Context(), day)
			if err != nil {
				return err
			}
			out, err := sonic.ConfigStd.MarshalIndent(rows, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode leads: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day as YYYY-MM-DD in the configured timezone (default today)")
	return cmd
}
