package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"portless/internal/certs"
	"portless/internal/state"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Install the local CA into the platform trust store",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		cfgDir, err := state.Locate(state.DefaultPort)
		if err != nil {
			return err
		}
		cfg := state.LoadConfig(cfgDir.Path, log)
		dir, err := state.Locate(state.ProxyPort(cfg))
		if err != nil {
			return err
		}

		manager := certs.NewManager(dir, log)
		if err := manager.EnsureDefaults(); err != nil {
			return err
		}
		if trusted, err := manager.Trusted(); err == nil && trusted {
			fmt.Println("The portless CA is already trusted.")
			return nil
		}
		if err := manager.InstallTrust(); err != nil {
			return err
		}
		fmt.Println("The portless CA is now trusted. https://*.localhost URLs will verify.")
		return nil
	},
}
