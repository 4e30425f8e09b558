package main

import (
	"github.com/spf13/cobra"

	"github.com/switchboard-dev/switchboard/pkg/config"
	"github.com/switchboard-dev/switchboard/pkg/logger"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

var purgeDays int

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete request records older than N days and reclaim space",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		deleted, err := st.Purge(ctx, purgeDays)
		if err != nil {
			return err
		}
		logger.G(ctx).WithFields(map[string]any{
			"days":    purgeDays,
			"deleted": deleted,
		}).Info("purge complete")
		return nil
	},
}

func init() {
	purgeCmd.Flags().IntVar(&purgeDays, "days", 30, "delete request records older than this many days")
}
