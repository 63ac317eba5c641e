package commands

import (
	"fmt"

	"github.com/SpatiumPortae/dropzone/internal/semver"
	"github.com/spf13/cobra"
)

func Version(version string) *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Display the installed version of dropzone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			relay, _ := cmd.Flags().GetString("relay")
			if relay == "" {
				return nil
			}
			if err := validateAddress(relay); err != nil {
				return err
			}
			serverVersion, err := semver.GetRendezvousVersion(cmd.Context(), relay)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rendezvous server: %s\n", serverVersion)
			notice, err := semver.Check(version, serverVersion)
			if err != nil {
				return err
			}
			if notice != "" {
				fmt.Fprintln(cmd.OutOrStdout(), notice)
			}
			return nil
		},
	}
	versionCmd.Flags().StringP("relay", "r", "", "also check compatibility with the rendezvous server at this address")
	return versionCmd
}
