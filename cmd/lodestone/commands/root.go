package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	dataDir    string
	verbose    bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lodestone",
		Short: "Lodestone end-to-end encrypted group communication client",
	}

	cmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "localhost:7645", "Server address (host[:port], ws:// or wss://)")
	cmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", defaultDataDir(), "Directory for the identity store and instance lock")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection and protocol events")

	cmd.AddCommand(connectCmd())
	cmd.AddCommand(resetCmd())
	return cmd
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "lodestone")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lodestone"
	}
	return filepath.Join(home, ".local", "share", "lodestone")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd().Execute()
}
