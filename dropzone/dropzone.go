// Package dropzone sends a single payload between two peers meeting on a
// rendezvous server.
package dropzone

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/SpatiumPortae/dropzone/internal/sink"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"go.uber.org/zap"
)

// Config configures Send and Receive. Zero fields take the default value.
type Config struct {
	RendezvousAddr string
	Name           string
	Codec          transfer.Codec
	Links          client.LinkFactory
	Logger         *zap.Logger
}

var defaultConfig = Config{
	Name:  "dropzone",
	Codec: transfer.TaggedCodec{},
}

// MergeConfig returns config with its zero fields replaced by the ones of base.
func MergeConfig(base Config, config *Config) Config {
	merged := base
	if config == nil {
		return merged
	}
	if config.RendezvousAddr != "" {
		merged.RendezvousAddr = config.RendezvousAddr
	}
	if config.Name != "" {
		merged.Name = config.Name
	}
	if config.Codec != nil {
		merged.Codec = config.Codec
	}
	if config.Links != nil {
		merged.Links = config.Links
	}
	if config.Logger != nil {
		merged.Logger = config.Logger
	}
	return merged
}

func (c Config) client() client.Config {
	return client.Config{
		Addr:   c.RendezvousAddr,
		Name:   c.Name,
		Codec:  c.Codec,
		Links:  c.Links,
		Logger: c.Logger,
	}
}

// Send sends payload as a file called name to the peer identified by to, an
// id or a name. It waits for the peer to join the rendezvous server.
func Send(ctx context.Context, payload io.Reader, size int64, name, to string, config *Config) error {
	merged := MergeConfig(defaultConfig, config)
	c, err := client.Connect(ctx, merged.client())
	if err != nil {
		return err
	}
	defer c.Close()
	if err := waitForPeer(ctx, c, to); err != nil {
		return err
	}
	fd := transfer.FileDescriptor{Name: name, Size: size}
	open := func(transfer.FileDescriptor) (io.ReadCloser, error) {
		return io.NopCloser(payload), nil
	}
	res, err := c.Send(ctx, to, []transfer.FileDescriptor{fd}, open)
	if err != nil {
		return err
	}
	return res.Err()
}

// Receive accepts the first transfer request and writes the content of every
// received file to dst, in order. The files received completely are returned
// even when others failed.
func Receive(ctx context.Context, dst io.Writer, config *Config) ([]transfer.FileDescriptor, error) {
	merged := MergeConfig(defaultConfig, config)
	c, err := client.Connect(ctx, merged.client())
	if err != nil {
		return nil, err
	}
	defer c.Close()

	select {
	case <-c.Incoming():
	case <-c.Done():
		return nil, errors.New("disconnected from rendezvous server")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tr, err := c.Accept(ctx, client.Destination{Sink: writerSink{w: dst}})
	if err != nil {
		return nil, err
	}
	results, err := tr.Wait(ctx)
	var (
		files []transfer.FileDescriptor
		errs  = []error{err}
	)
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		files = append(files, res.File)
	}
	return files, errors.Join(errs...)
}

func waitForPeer(ctx context.Context, c *client.Client, to string) error {
	if _, err := c.WaitPeers(ctx); err != nil {
		return err
	}
	for {
		for _, p := range c.Peers() {
			if p.ID == to || strings.EqualFold(p.Name, to) {
				return nil
			}
		}
		select {
		case <-c.PeerUpdates():
		case <-c.Done():
			return errors.New("disconnected from rendezvous server")
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", to, ctx.Err())
		}
	}
}

// writerSink streams every file to the same writer. Files cannot be discarded
// once written.
type writerSink struct {
	w io.Writer
}

func (s writerSink) Create(transfer.FileDescriptor) (sink.Writer, error) {
	return nopWriter{s.w}, nil
}

type nopWriter struct {
	io.Writer
}

func (nopWriter) Close() error { return nil }

func (nopWriter) Discard() error {
	return errors.New("discarding a streamed file")
}
