package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/spf13/cobra"
)

const peersTimeout = 10 * time.Second

func Peers() *cobra.Command {
	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "List the peers connected to the rendezvous server",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{"relay": "relay", "name": "name"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateRelay(); err != nil {
				return err
			}
			lgr, closeLog, err := setupLoggingFromViper("peers")
			if err != nil {
				return err
			}
			defer closeLog()
			cfg, err := clientConfig(lgr)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), peersTimeout)
			defer cancel()
			c, err := client.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()
			peers, err := c.WaitPeers(ctx)
			if err != nil {
				return fmt.Errorf("waiting for peer list: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(peers) == 0 {
				fmt.Fprintln(out, "No other peers connected")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\n", p.ID, p.Name)
			}
			return w.Flush()
		},
	}
	peersCmd.Flags().StringP("relay", "r", "", relayFlagDesc)
	peersCmd.Flags().StringP("name", "n", "", "name shown to other peers")
	return peersCmd
}
