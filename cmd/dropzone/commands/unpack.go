package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/SpatiumPortae/dropzone/internal/file"
	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/spf13/cobra"
)

func Unpack() *cobra.Command {
	unpackCmd := &cobra.Command{
		Use:   "unpack archive.tar.gz",
		Short: "Unpack an archive written by receive --archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("out")
			overwrite, _ := cmd.Flags().GetBool("overwrite")
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening archive: %w", err)
			}
			unpacker, err := file.NewUnpacker(!overwrite, dir, f)
			if err != nil {
				f.Close()
				return fmt.Errorf("reading archive: %w", err)
			}
			defer unpacker.Close()
			n, size, err := unpackAll(unpacker, func(name string) (bool, error) {
				prompt := confirmation.New(fmt.Sprintf("Overwrite file '%s'?", name), confirmation.Yes)
				prompt.Input = cmd.InOrStdin()
				prompt.Output = cmd.OutOrStdout()
				return prompt.RunPrompt()
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unpacked %d files (%s) to %s\n", n, byteLabel(size), dir)
			return nil
		},
	}
	unpackCmd.Flags().StringP("out", "o", ".", "directory to unpack to")
	unpackCmd.Flags().Bool("overwrite", false, "overwrite existing files without prompting")
	return unpackCmd
}

// unpackAll commits every entry of the archive, asking overwrite before
// replacing existing files.
func unpackAll(u *file.Unpacker, overwrite func(name string) (bool, error)) (int, int64, error) {
	var (
		count int
		total int64
	)
	for {
		committer, err := u.Unpack()
		switch {
		case errors.Is(err, io.EOF):
			return count, total, nil
		case errors.Is(err, file.ErrUnpackFileExists):
			ok, err := overwrite(committer.FileName())
			if err != nil {
				return count, total, err
			}
			if !ok {
				continue
			}
		case err != nil:
			return count, total, fmt.Errorf("unpacking: %w", err)
		}
		size, err := committer.Commit()
		if err != nil {
			return count, total, fmt.Errorf("writing %s: %w", committer.FileName(), err)
		}
		count++
		total += size
	}
}
