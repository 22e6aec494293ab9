package main

import (
	"github.com/spf13/cobra"

	"github.com/poesterlin/tolino-calibre-sync/internal/config"
)

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Start a cycle in a running sync --watch",
		Long: `Send SIGHUP to the sync --watch process that holds the lock on the
configured state file, so it syncs now instead of at the next poll.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			pid, err := triggerSync(config.LockPath(cc.Cfg.Sync.StateFile))
			if err != nil {
				return err
			}

			cc.Statusf("Triggered sync (PID %d)\n", pid)

			return nil
		},
	}
}
