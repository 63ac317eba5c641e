package main

import (
	"fmt"
	"os"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/commands"
	"github.com/SpatiumPortae/dropzone/cmd/dropzone/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Set with ldflags.
var version = "v0.0.0"

// rootCmd is the top level `dropzone` command on which the other subcommands are attached to.
var rootCmd = &cobra.Command{
	Use:   "dropzone",
	Short: "Dropzone sends files between devices that meet on a rendezvous server.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := viper.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
			return fmt.Errorf("binding verbose flag: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

// Entry point of the application.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		if err := config.Init(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	})
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug information to a file on the format `.dropzone-[command].log` in the current directory")
	rootCmd.AddCommand(commands.Serve(version))
	rootCmd.AddCommand(commands.Peers())
	rootCmd.AddCommand(commands.Send(version))
	rootCmd.AddCommand(commands.Receive(version))
	rootCmd.AddCommand(commands.Unpack())
	rootCmd.AddCommand(commands.Config())
	rootCmd.AddCommand(commands.Version(version))
}
