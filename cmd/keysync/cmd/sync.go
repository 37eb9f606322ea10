package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize every signed-in user with the server",
	Long: `Runs the sync scheduler until interrupted. With --once a single pass runs
and its result is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		if syncOnce {
			res, err := d.engine.Sync(ctx)
			for _, r := range res.Shares {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s events=%d resynced=%t removed=%t\n",
					r.UserID, r.ShareID, r.Events, r.Resynced, r.Removed)
			}
			return err
		}

		outcomes, cancel := d.engine.Outcomes()
		defer cancel()
		if err := d.engine.Start(ctx); err != nil {
			return err
		}
		d.engine.ForceSync()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		for {
			select {
			case sig := <-quit:
				logger.Info("stopping sync", slog.String("signal", sig.String()))
				d.engine.Stop()
				return nil
			case o, ok := <-outcomes:
				if !ok {
					return nil
				}
				switch {
				case o.Skipped:
					logger.Info("pass skipped", slog.String("reason", o.Reason))
				case o.Err != nil:
					logger.Warn("pass failed", slog.String("error", o.Err.Error()))
				default:
					logger.Info("pass complete", slog.Bool("new_data", o.HadNewData))
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "Run one pass and exit")
}
