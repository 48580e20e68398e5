package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Invalidate the session and clear stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, _, store, err := newFlow()
		if err != nil {
			return err
		}
		defer store.Close()

		snap := f.Initialize()
		if !snap.Authenticated {
			fmt.Println("Not logged in.")
			return nil
		}
		// Local state is cleared even when the server call fails; a token
		// we cannot revoke is still a token we stop using.
		f.Logout(cmd.Context())
		fmt.Println("Logged out.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
