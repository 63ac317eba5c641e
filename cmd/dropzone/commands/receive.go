package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/SpatiumPortae/dropzone/cmd/dropzone/config"
	receiver_ui "github.com/SpatiumPortae/dropzone/cmd/dropzone/tui/receiver"
	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/SpatiumPortae/dropzone/internal/file"
	"github.com/SpatiumPortae/dropzone/internal/negotiator"
	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/SpatiumPortae/dropzone/internal/receiver"
	"github.com/SpatiumPortae/dropzone/internal/sink"
	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ------------------------------------------------------ Receive ------------------------------------------------------

func Receive(version string) *cobra.Command {
	receiveCmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive files from a peer",
		Long:  "The receive command joins the rendezvous server and waits for a transfer request. Files are written to the output directory, or to a compressed archive.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := bindFlags(cmd, map[string]string{
				"relay":     "relay",
				"name":      "name",
				"tui-style": "tui_style",
				"out":       "output_dir",
			}); err != nil {
				return err
			}
			if yes, _ := cmd.Flags().GetBool("yes"); yes {
				viper.Set("prompt_accept", false)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateRelay(); err != nil {
				return err
			}
			lgr, closeLog, err := setupLoggingFromViper("receive")
			if err != nil {
				return err
			}
			defer closeLog()
			cfg, err := clientConfig(lgr)
			if err != nil {
				return err
			}

			archivePath, _ := cmd.Flags().GetString("archive")
			dst, closeDst, err := destination(viper.GetString("output_dir"), archivePath)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeDst(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "closing destination: %v\n", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			promptAccept := viper.GetBool("prompt_accept")
			switch viper.GetString("tui_style") {
			case config.StyleRich:
				if _, err := receiver_ui.New(ctx, cfg, dst, promptAccept, receiver_ui.WithVersion(version)).Run(); err != nil {
					return fmt.Errorf("running rich receive command: %w", err)
				}
				fmt.Println("")
			case config.StyleRaw:
				if err := handleReceiveCommandRaw(ctx, cmd, cfg, version, dst, promptAccept); err != nil {
					return fmt.Errorf("running raw receive command: %w", err)
				}
			default:
				return errors.New("invalid tui style provided")
			}
			return nil
		},
	}
	receiveCmd.Flags().StringP("relay", "r", "", relayFlagDesc)
	receiveCmd.Flags().StringP("name", "n", "", "name shown to other peers")
	receiveCmd.Flags().StringP("tui-style", "s", "", tuiStyleFlagDesc)
	receiveCmd.Flags().StringP("out", "o", "", "directory to write received files to")
	receiveCmd.Flags().StringP("archive", "a", "", "write received files to this .tar.gz archive instead")
	receiveCmd.Flags().BoolP("yes", "y", false, "accept the first request without prompting")
	return receiveCmd
}

// destination resolves where received files are written. The returned close
// function finalizes the destination.
func destination(dir, archivePath string) (client.Destination, func() error, error) {
	if archivePath != "" {
		archive, err := sink.NewArchive(archivePath)
		if err != nil {
			return client.Destination{}, nil, fmt.Errorf("creating archive: %w", err)
		}
		return client.Destination{Sink: archive}, archive.Close, nil
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return client.Destination{}, nil, fmt.Errorf("creating output directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return client.Destination{}, nil, err
	}
	// Leftovers of interrupted transfers.
	file.RemoveTemporaryFiles(abs, sink.TEMP_FILE_PREFIX)
	return client.Destination{Sink: sink.Dir{Root: abs}}, func() error { return nil }, nil
}

// ------------------------------------------------------ Handlers -----------------------------------------------------

func handleReceiveCommandRaw(ctx context.Context, cmd *cobra.Command, cfg client.Config, version string, dst client.Destination, promptAccept bool) error {
	out := cmd.OutOrStdout()
	cfg.Notifier = negotiator.NotifierFunc(func(n negotiator.Notification) {
		fmt.Fprintln(out, n.Message)
	})
	c, err := client.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := checkVersion(out, version, c); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected as %s (%s), waiting for transfers\n", cfg.Name, c.ID())

	for {
		var in negotiator.Incoming
		select {
		case in = <-c.Incoming():
		case <-c.Done():
			return errors.New("disconnected from rendezvous server")
		case <-ctx.Done():
			return ctx.Err()
		}

		if promptAccept {
			accept, err := confirm(in, cmd.InOrStdin(), out)
			if err != nil {
				return err
			}
			if !accept {
				if err := c.Decline(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, "Declined, waiting for transfers")
				continue
			}
		}
		return receiveRaw(ctx, out, c, dst, in)
	}
}

func receiveRaw(ctx context.Context, out io.Writer, c *client.Client, dst client.Destination, in negotiator.Incoming) error {
	bar := newProgressBar(out, in.Request.TotalBytes, "receiving")
	est := progress.New(progress.WithObserver(bar.observe))
	tr, err := c.Accept(ctx, dst, receiver.WithEstimator(est, in.Request.TotalBytes))
	if err != nil {
		return err
	}
	results, err := tr.Wait(ctx)
	bar.finish()

	var failed []error
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Err)
		}
	}
	fmt.Fprintf(out, "Received %d of %d files\n", len(results)-len(failed), in.Request.FileCount)
	for _, err := range failed {
		fmt.Fprintf(out, "  failed: %v\n", err)
	}
	return errors.Join(append(failed, err)...)
}

func confirm(in negotiator.Incoming, r io.Reader, w io.Writer) (bool, error) {
	name := in.From.Name
	if name == "" {
		name = in.From.ID
	}
	prompt := confirmation.New(
		fmt.Sprintf("Accept %d files (%s) from %s?", in.Request.FileCount, in.Request.SizeLabel, name),
		confirmation.Yes,
	)
	prompt.Input = r
	prompt.Output = w
	return prompt.RunPrompt()
}
