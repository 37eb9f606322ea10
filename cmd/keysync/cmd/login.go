package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginUser string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open a development session and store it on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		resp, err := d.client.Login(ctx, loginUser)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := d.engine.Login(ctx, resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (session %s)\n", resp.UserID, resp.SessionID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginUser, "user", "u", "", "User to sign in")
	loginCmd.MarkFlagRequired("user")
}
