// Package cli wires the portless command tree.
package cli

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"portless/internal/runner"
)

var rootCmd = &cobra.Command{
	Use:           "portless <name> <command> [args...]",
	Short:         "Stable .localhost URLs for local dev servers",
	Long: `portless gives every dev server a stable URL like http://myapp.localhost:1355
instead of a random port. A single proxy daemon routes by hostname to apps
registered by this command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 {
			return cmd.Help()
		}
		force, _ := cmd.Flags().GetBool("force")
		command := args[1:]
		// The contract allows a trailing --force after the child command.
		if last := len(command) - 1; command[last] == "--force" {
			force = true
			command = command[:last]
		}
		code, err := runner.Run(runner.Options{
			Name:    args[0],
			Command: command,
			Force:   force,
			Log:     newLogger(),
		})
		if err != nil {
			return err
		}
		if code != 0 {
			os.Exit(code)
		}
		return nil
	},
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.Flags().Bool("force", false, "Take over the hostname even if another live process registered it")

	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(trustCmd)
}
