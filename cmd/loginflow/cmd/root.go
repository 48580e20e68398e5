package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	bboltstore "github.com/mochi-id/loginflow/credstore/bbolt"
	"github.com/mochi-id/loginflow/flow"
	"github.com/mochi-id/loginflow/protocol"
	"github.com/mochi-id/loginflow/session"
)

var (
	serverURL string
	storePath string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "loginflow",
	Short: "Client for passwordless multi-factor login",
	Long: `Drives a passwordless login against a deployment: email one-time codes,
authenticator apps, recovery codes. Credentials are kept in a local store
between runs.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8422", "deployment base URL")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "credential store path (default: user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log protocol traffic")
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore opens the persistent credential store, creating its directory
// on first use.
func openStore() (*bboltstore.Store, error) {
	path := storePath
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config dir: %w", err)
		}
		path = filepath.Join(dir, "loginflow", "credentials.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return bboltstore.NewFromFile(path, nil, bboltstore.WithLogger(logger()))
}

// newFlow wires a client, session manager, and orchestrator over the
// persistent store. The caller closes the returned store.
func newFlow() (*flow.Flow, *session.Manager, *bboltstore.Store, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := protocol.New(serverURL, protocol.WithLogger(logger()))
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	sess := session.New(store, session.WithLogger(logger()))
	return flow.New(client, sess, flow.WithLogger(logger())), sess, store, nil
}
