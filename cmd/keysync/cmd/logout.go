package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutSession string

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget a session; the last session of a user removes their local data",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.engine.Logout(ctx, logoutSession); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s signed out\n", logoutSession)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
	logoutCmd.Flags().StringVar(&logoutSession, "session", "", "Session ID to sign out")
	logoutCmd.MarkFlagRequired("session")
}
