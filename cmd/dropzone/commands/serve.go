package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/internal/rendezvous"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Serve(version string) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the rendezvous server",
		Long:  "The serve command runs the rendezvous server, which relays signaling between peers and advertises itself on the local network.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, map[string]string{"port": "server_port"}); err != nil {
				return err
			}
			if cmd.Flags().Changed("no-advertise") {
				noAdvertise, _ := cmd.Flags().GetBool("no-advertise")
				viper.Set("advertise", !noAdvertise)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			port := viper.GetInt("server_port")
			if port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %d", port)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			server := rendezvous.NewServer(port, version,
				rendezvous.WithLogger(logger.New()),
				rendezvous.WithAdvertise(viper.GetBool("advertise")),
			)
			return server.Start(ctx)
		},
	}
	serveCmd.Flags().IntP("port", "p", rendezvous.DEFAULT_PORT, "port to run the rendezvous server on (env PORT)")
	serveCmd.Flags().Bool("no-advertise", false, "do not advertise the server on the local network")
	return serveCmd
}
