package dropzone

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/client"
	"github.com/SpatiumPortae/dropzone/internal/rendezvous"
	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipeLink struct {
	*transport.End
	start func()
}

func (l pipeLink) Start() error {
	if l.start != nil {
		l.start()
	}
	return nil
}

func (pipeLink) HandleSignal(json.RawMessage) error { return nil }

type switchboard struct {
	mu   sync.Mutex
	pipe *transport.Pipe
}

func (s *switchboard) links(role transport.Role, _ func(json.RawMessage) error) (client.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == transport.Responder {
		s.pipe = transport.NewPipe()
		return pipeLink{End: s.pipe.B}, nil
	}
	return pipeLink{End: s.pipe.A, start: s.pipe.Open}, nil
}

func TestMergeConfig(t *testing.T) {
	merged := MergeConfig(defaultConfig, &Config{RendezvousAddr: "10.0.0.2:3001"})
	assert.Equal(t, "10.0.0.2:3001", merged.RendezvousAddr)
	assert.Equal(t, "dropzone", merged.Name)
	assert.Equal(t, transfer.TaggedCodec{}, merged.Codec)
	assert.Equal(t, defaultConfig, MergeConfig(defaultConfig, nil))
}

func TestSendReceive(t *testing.T) {
	// Targets match peer ids exactly and peer names regardless of case.
	for _, to := range []string{"b1", "B1"} {
		t.Run(to, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			server := httptest.NewServer(rendezvous.NewServer(0, "v0.0.0-test", rendezvous.WithLogger(zap.NewNop())).Handler())
			defer server.Close()
			addr := strings.TrimPrefix(server.URL, "http://")
			sb := &switchboard{}

			out := &bytes.Buffer{}
			received := make(chan error, 1)
			go func() {
				files, err := Receive(ctx, out, &Config{RendezvousAddr: addr, Name: "b1", Links: sb.links})
				if err == nil {
					assert.Equal(t, []transfer.FileDescriptor{{Name: "frog.txt", Size: 27}}, files)
				}
				received <- err
			}()

			oracle := "A frog walks into a bank..."
			in := bytes.NewBufferString(oracle)
			require.NoError(t, Send(ctx, in, int64(in.Len()), "frog.txt", to, &Config{RendezvousAddr: addr, Name: "a1", Links: sb.links}))
			require.NoError(t, <-received)
			assert.Equal(t, oracle, out.String())
		})
	}
}
