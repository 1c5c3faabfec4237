package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/datadir"
	"github.com/mcp-ambassador/ambassador/pkg/storage/sqlite"
)

// newAdminCmd creates the admin command group.
func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations on the local data directory",
	}
	cmd.AddCommand(newRotateKeyCmd())
	return cmd
}

// newRotateKeyCmd creates the admin rotate-key command. Rotation requires
// both the current admin key and the recovery token.
func newRotateKeyCmd() *cobra.Command {
	var currentKey, recoveryToken string

	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the admin key",
		Long: `Rotate the admin key. The current key and the recovery token must both
be presented; a new key pair is minted and the recovery token file is
rewritten.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if currentKey == "" || recoveryToken == "" {
				return fmt.Errorf("both --current-key and --recovery-token are required")
			}

			ctx := cmd.Context()
			dataDir := datadir.Resolve(viper.GetString("data-dir"))
			store, err := sqlite.Open(ctx, datadir.DatabasePath(dataDir))
			if err != nil {
				return err
			}
			defer store.Close()

			manager := auth.NewAdminKeyManager(store.AdminKeys(), dataDir)
			creds, err := manager.Rotate(ctx, currentKey, recoveryToken)
			if err != nil {
				return err
			}

			fmt.Printf("New admin key (store it now, it will not be shown again): %s\n", creds.AdminKey)
			fmt.Printf("Recovery token rewritten at %s\n", manager.RecoveryTokenPath())
			return nil
		},
	}

	cmd.Flags().StringVar(&currentKey, "current-key", "", "Current admin key")
	cmd.Flags().StringVar(&recoveryToken, "recovery-token", "", "Recovery token from the data directory")
	return cmd
}
