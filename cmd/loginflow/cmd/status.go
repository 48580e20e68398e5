package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mochi-id/loginflow/protocol"
)

var statusRemote bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, _, store, err := newFlow()
		if err != nil {
			return err
		}
		defer store.Close()

		snap := f.Initialize()
		if statusRemote && snap.Authenticated {
			if snap, err = f.RefreshIdentity(cmd.Context()); err != nil {
				fmt.Printf("Server check failed: %v\n", err)
			}
		}

		if !snap.Authenticated {
			fmt.Println("Not logged in.")
			if snap.User.Email != "" {
				fmt.Printf("Last used email: %s\n", snap.User.Email)
			}
			return nil
		}

		fmt.Printf("Logged in as %s\n", snap.User.Email)
		if snap.HasIdentity {
			fmt.Printf("Identity: %s (%s)\n", snap.IdentityName, snap.IdentityPrivacy)
		} else {
			fmt.Println("Identity: not set up yet")
		}
		if exp := protocol.TokenExpiry(snap.Token); !exp.IsZero() {
			fmt.Printf("Token expires: %s\n", exp.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "validate the token against the server")
	rootCmd.AddCommand(statusCmd)
}
