package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keysync/remote"
	"github.com/jmcleod/keysync/vault"
)

var (
	itemsUser    string
	itemsShare   string
	itemsTrashed bool
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List cached items of a user without decrypting them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := openDevice(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		state := remote.StateActive
		if itemsTrashed {
			state = remote.StateTrashed
		}
		list, err := d.engine.Items(ctx, itemsUser, vault.Filter{ShareID: itemsShare, State: state})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SHARE\tITEM\tKIND\tREVISION\tMODIFIED")
		for _, it := range list.Items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				it.ShareID, it.ItemID, it.Kind, it.Revision, it.ModifyTime.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, c := range list.Corrupt {
			fmt.Fprintf(cmd.ErrOrStderr(), "unreadable record %s: %v\n", c.ID, c.Err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(itemsCmd)
	itemsCmd.Flags().StringVarP(&itemsUser, "user", "u", "", "User whose items to list")
	itemsCmd.Flags().StringVar(&itemsShare, "share", "", "Only list items of this share")
	itemsCmd.Flags().BoolVar(&itemsTrashed, "trashed", false, "List trashed items instead of active ones")
	itemsCmd.MarkFlagRequired("user")
}
