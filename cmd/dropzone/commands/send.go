package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/config"
	sender_ui "github.com/SpatiumPortae/dropzone/cmd/dropzone/tui/sender"
	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/SpatiumPortae/dropzone/internal/file"
	"github.com/SpatiumPortae/dropzone/internal/negotiator"
	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/SpatiumPortae/dropzone/internal/sender"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// -------------------------------------------------------- Send -------------------------------------------------------

func Send(version string) *cobra.Command {
	sendCmd := &cobra.Command{
		Use:   "send --to <peer> file1 file2...",
		Short: "Send one or more files to a peer",
		Long:  "The send command offers one or more files, or directories, to a peer connected to the same rendezvous server. The peer is identified by its id or its name.",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return bindFlags(cmd, map[string]string{
				"relay":     "relay",
				"name":      "name",
				"tui-style": "tui_style",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetString("to")
			if to == "" {
				return errors.New("a target peer is required (--to)")
			}
			if err := validateRelay(); err != nil {
				return err
			}
			lgr, closeLog, err := setupLoggingFromViper("send")
			if err != nil {
				return err
			}
			defer closeLog()
			cfg, err := clientConfig(lgr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch viper.GetString("tui_style") {
			case config.StyleRich:
				if _, err := sender_ui.New(ctx, cfg, to, args, sender_ui.WithVersion(version)).Run(); err != nil {
					return fmt.Errorf("running rich send command: %w", err)
				}
				fmt.Println("")
			case config.StyleRaw:
				if err := handleSendCommandRaw(ctx, cmd, cfg, version, to, args); err != nil {
					return fmt.Errorf("running raw send command: %w", err)
				}
			default:
				return errors.New("invalid tui style provided")
			}
			return nil
		},
	}
	sendCmd.Flags().StringP("to", "t", "", "id or name of the receiving peer")
	sendCmd.Flags().StringP("relay", "r", "", relayFlagDesc)
	sendCmd.Flags().StringP("name", "n", "", "name shown to other peers")
	sendCmd.Flags().StringP("tui-style", "s", "", tuiStyleFlagDesc)
	return sendCmd
}

// ------------------------------------------------------ Handlers -----------------------------------------------------

func handleSendCommandRaw(ctx context.Context, cmd *cobra.Command, cfg client.Config, version, to string, paths []string) error {
	out := cmd.OutOrStdout()
	selection, err := file.Select(paths)
	if err != nil {
		return fmt.Errorf("selecting files: %w", err)
	}
	cfg.Notifier = negotiator.NotifierFunc(func(n negotiator.Notification) {
		if n.Err == nil {
			fmt.Fprintln(out, n.Message)
		}
	})
	c, err := client.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(out, version, c); err != nil {
		return err
	}
	if _, err := c.WaitPeers(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected as %s (%s), waiting for %s to accept %d files (%s)\n",
		cfg.Name, c.ID(), to, len(selection.Files), byteLabel(selection.TotalSize()))

	bar := newProgressBar(out, selection.TotalSize(), "sending")
	est := progress.New(progress.WithObserver(bar.observe))
	res, err := c.Send(ctx, to, selection.Files, selection.Open, sender.WithEstimator(est))
	if err != nil {
		return err
	}
	bar.finish()
	fmt.Fprintf(out, "Sent %d of %d files\n", len(res.Sent), len(selection.Files))
	for _, f := range res.Failed {
		fmt.Fprintf(out, "  failed: %s\n", f.Error())
	}
	return res.Err()
}
