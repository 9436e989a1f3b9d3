package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lodestone-chat/lodestone/pkg/identity"
)

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Wipe the local identity, trust store, and group keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(dataDir, "identity.db")
			ids, err := identity.Open(path)
			if err != nil {
				return err
			}
			defer ids.Close()
			if err := ids.Reset(); err != nil {
				return err
			}
			fmt.Printf("Identity store reset (%s)\n", path)
			fmt.Println("The next connect will register as a new device")
			return nil
		},
	}
}
