package commands

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/config"
	"github.com/alecthomas/chroma/quick"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ------------------------------------------------------- Config ------------------------------------------------------

func Config() *cobra.Command {
	subcommands := []*cobra.Command{
		configPathCmd(),
		configViewCmd(),
		configGetCmd(),
		configSetCmd(),
		configEditCmd(),
		configResetCmd(),
	}
	validArgs := make([]string, 0, len(subcommands))
	for _, sub := range subcommands {
		validArgs = append(validArgs, sub.Name())
	}
	configCmd := &cobra.Command{
		Use:       "config",
		Short:     "View and configure options",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: validArgs,
		Run:       func(cmd *cobra.Command, args []string) {},
	}
	configCmd.AddCommand(subcommands...)
	return configCmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Output the path of the config file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), viper.ConfigFileUsed())
		},
	}
}

func configViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "View the config file with syntax highlighting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.ConfigFileUsed()
			contents, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading config file (%s): %w", path, err)
			}
			if err := quick.Highlight(cmd.OutOrStdout(), string(contents), "yaml", "terminal256", "onedark"); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), string(contents))
			}
			return nil
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Output the effective value of an option",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := config.Current()
			if err != nil {
				return err
			}
			value, ok := current.Map()[args[0]]
			if !ok {
				return fmt.Errorf("%w: %s", config.ErrUnknownKey, args[0])
			}
			if list, ok := value.([]string); ok {
				value = strings.Join(list, ",")
			}
			suffix := ""
			if config.IsDefault(args[0]) {
				suffix = " (default)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v%s\n", value, suffix)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist an option to the config file",
		Long:  "The set command writes an option to the config file. Lists, such as stun_servers, are given comma separated.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "relay" && args[1] != "" {
				if err := validateAddress(args[1]); err != nil {
					return fmt.Errorf("%w: (%s) is not a valid relay address", err, args[1])
				}
			}
			return config.Set(args[0], args[1])
		},
	}
}

func configEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Open the config file in $EDITOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.ConfigFileUsed()
			// The editor variable may carry arguments, only the executable is looked up.
			editor, _, _ := strings.Cut(os.Getenv("EDITOR"), " ")
			if editor == "" {
				//lint:ignore ST1005 error string is command output
				return fmt.Errorf("Could not find default editor (is the $EDITOR variable set?)\nOptionally you can open the file (%s) manually", path)
			}
			editorCmd := exec.Command(editor, path)
			editorCmd.Stdin = os.Stdin
			editorCmd.Stdout = os.Stdout
			editorCmd.Stderr = os.Stderr
			if err := editorCmd.Run(); err != nil {
				return fmt.Errorf("opening config file (%s) in editor (%s): %w", path, editor, err)
			}
			return nil
		},
	}
}

func configResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the config file to the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.ConfigFileUsed()
			if err := os.WriteFile(path, config.GetDefault().Yaml(), 0o644); err != nil {
				return fmt.Errorf("writing config file (%s): %w", path, err)
			}
			return nil
		},
	}
}
