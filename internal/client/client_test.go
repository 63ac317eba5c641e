package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/negotiator"
	"github.com/SpatiumPortae/dropzone/internal/receiver"
	"github.com/SpatiumPortae/dropzone/internal/rendezvous"
	"github.com/SpatiumPortae/dropzone/internal/sink"
	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// pipeLink is a link over an in-memory pipe. Starting the initiating end opens
// the pipe.
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

// switchboard hands the responder one end of a new pipe and the initiator the other.
type switchboard struct {
	mu   sync.Mutex
	pipe *transport.Pipe
}

func (s *switchboard) links(role transport.Role, _ func(json.RawMessage) error) (Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == transport.Responder {
		s.pipe = transport.NewPipe()
		return pipeLink{End: s.pipe.B}, nil
	}
	p := s.pipe
	return pipeLink{End: p.A, start: p.Open}, nil
}

type notifications struct {
	mu   sync.Mutex
	errs []error
}

func (n *notifications) Notify(note negotiator.Notification) {
	if note.Err == nil {
		return
	}
	n.mu.Lock()
	n.errs = append(n.errs, note.Err)
	n.mu.Unlock()
}

func newServer(t *testing.T) string {
	t.Helper()
	s := rendezvous.NewServer(0, "v0.0.0-test", rendezvous.WithLogger(zap.NewNop()))
	server := httptest.NewServer(s.Handler())
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func connect(t *testing.T, ctx context.Context, addr, name string, sb *switchboard, n negotiator.Notifier) *Client {
	t.Helper()
	c, err := Connect(ctx, Config{
		Addr:           addr,
		Name:           name,
		Links:          sb.links,
		Notifier:       n,
		ConnectTimeout: 2 * time.Second,
		AnswerTimeout:  2 * time.Second,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForPeers(t *testing.T, c *Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.Peers()) == n }, 5*time.Second, 10*time.Millisecond)
}

func payload(size int) []byte {
	b := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(b)
	return b
}

func opener(contents map[string][]byte) func(transfer.FileDescriptor) (io.ReadCloser, error) {
	return func(fd transfer.FileDescriptor) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(contents[fd.Name])), nil
	}
}

func TestTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	addr := newServer(t)
	sb := &switchboard{}
	alice := connect(t, ctx, addr, "alice", sb, nil)
	bob := connect(t, ctx, addr, "bob", sb, nil)
	waitForPeers(t, alice, 1)
	waitForPeers(t, bob, 1)

	contents := map[string][]byte{
		"a.bin": payload(700_000),
		"b.bin": payload(800_000),
	}
	files := []transfer.FileDescriptor{
		{Name: "a.bin", Size: 700_000},
		{Name: "b.bin", Size: 800_000},
	}

	memory := sink.NewMemory()
	received := make(chan error, 1)
	go func() {
		select {
		case in := <-bob.Incoming():
			if in.From.ID != alice.ID() || in.Request.FileCount != 2 || in.Request.TotalBytes != 1_500_000 {
				received <- assert.AnError
				return
			}
			tr, err := bob.Accept(ctx, Destination{Materializer: memory})
			if err != nil {
				received <- err
				return
			}
			_, err = tr.Wait(ctx)
			received <- err
		case <-ctx.Done():
			received <- ctx.Err()
		}
	}()

	res, err := alice.Send(ctx, "bob", files, opener(contents))
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, files, res.Sent)
	require.NoError(t, <-received)

	assert.Equal(t, []string{"a.bin", "b.bin"}, memory.Names())
	for name, want := range contents {
		got, ok := memory.Get(name)
		require.True(t, ok)
		assert.True(t, bytes.Equal(want, got), name)
	}
	require.Eventually(t, func() bool {
		return alice.Negotiator().State() == negotiator.Idle && bob.Negotiator().State() == negotiator.Idle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendToAbsentPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr := newServer(t)
	n := &notifications{}
	alice := connect(t, ctx, addr, "alice", &switchboard{}, n)
	_, err := alice.WaitPeers(ctx)
	require.NoError(t, err)

	_, err = alice.Send(ctx, "absent", []transfer.FileDescriptor{{Name: "a", Size: 1}}, opener(nil))
	assert.ErrorIs(t, err, negotiator.ErrTargetNotFound)
	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.errs, 1)
	assert.ErrorIs(t, n.errs[0], negotiator.ErrTargetNotFound)
}

func TestSendDeclined(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr := newServer(t)
	sb := &switchboard{}
	alice := connect(t, ctx, addr, "alice", sb, nil)
	bob := connect(t, ctx, addr, "bob", sb, nil)
	waitForPeers(t, alice, 1)

	go func() {
		select {
		case <-bob.Incoming():
			bob.Decline(ctx) //nolint:errcheck
		case <-ctx.Done():
		}
	}()
	_, err := alice.Send(ctx, bob.ID(), []transfer.FileDescriptor{{Name: "a", Size: 1}}, opener(nil))
	assert.ErrorIs(t, err, negotiator.ErrDeclined)
	assert.Equal(t, negotiator.Idle, alice.Negotiator().State())
}

func TestSendUnanswered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr := newServer(t)
	sb := &switchboard{}
	alice := connect(t, ctx, addr, "alice", sb, nil)
	bob := connect(t, ctx, addr, "bob", sb, nil)
	waitForPeers(t, alice, 1)

	// bob never answers
	_, err := alice.Send(ctx, bob.ID(), []transfer.FileDescriptor{{Name: "a", Size: 1}}, opener(nil))
	assert.ErrorIs(t, err, negotiator.ErrNoResponse)
	assert.Equal(t, negotiator.RequestReceived, bob.Negotiator().State())
}

func TestResolve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr := newServer(t)
	sb := &switchboard{}
	alice := connect(t, ctx, addr, "alice", sb, nil)
	bob1 := connect(t, ctx, addr, "bob", sb, nil)
	carol := connect(t, ctx, addr, "carol", sb, nil)
	connect(t, ctx, addr, "bob", sb, nil)
	waitForPeers(t, alice, 3)

	id, err := alice.Resolve("Carol")
	require.NoError(t, err)
	assert.Equal(t, carol.ID(), id)

	id, err = alice.Resolve(bob1.ID())
	require.NoError(t, err)
	assert.Equal(t, bob1.ID(), id)

	_, err = alice.Resolve("bob")
	assert.ErrorIs(t, err, ErrAmbiguousPeer)

	id, err = alice.Resolve("nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", id)
}

func TestWSURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:3001/ws", wsURL("localhost:3001"))
	assert.Equal(t, "wss://relay.example.com/ws", wsURL("wss://relay.example.com/"))
}

// stallingReader serves its content, then blocks until released.
type stallingReader struct {
	r       io.Reader
	release <-chan struct{}
}

func (s *stallingReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 || !errors.Is(err, io.EOF) {
		return n, err
	}
	<-s.release
	return 0, io.EOF
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), sink.TEMP_FILE_PREFIX) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestSenderCanceledMidTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	addr := newServer(t)
	sb := &switchboard{}
	alice := connect(t, ctx, addr, "alice", sb, nil)
	bob := connect(t, ctx, addr, "bob", sb, nil)
	waitForPeers(t, alice, 1)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	first := payload(100_000)
	files := []transfer.FileDescriptor{
		{Name: "a.bin", Size: 100_000},
		{Name: "b.bin", Size: 100_000},
	}
	open := func(fd transfer.FileDescriptor) (io.ReadCloser, error) {
		if fd.Name == "a.bin" {
			return io.NopCloser(bytes.NewReader(first)), nil
		}
		// Only part of b.bin is ever produced.
		return io.NopCloser(&stallingReader{r: bytes.NewReader(payload(transfer.ChunkSize * 2)), release: release}), nil
	}

	dir := t.TempDir()
	accepted := make(chan *Transfer, 1)
	go func() {
		select {
		case <-bob.Incoming():
			tr, err := bob.Accept(ctx, Destination{Sink: sink.Dir{Root: dir}})
			if err == nil {
				accepted <- tr
			}
		case <-ctx.Done():
		}
	}()

	sendCtx, sendCancel := context.WithCancel(ctx)
	sent := make(chan error, 1)
	go func() {
		_, err := alice.Send(sendCtx, "bob", files, open)
		sent <- err
	}()

	var tr *Transfer
	select {
	case tr = <-accepted:
	case <-ctx.Done():
		t.Fatal("transfer was never accepted")
	}
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "a.bin"))
		return err == nil && len(tempFiles(t, dir)) == 1
	}, 10*time.Second, 10*time.Millisecond)

	sendCancel()
	assert.ErrorIs(t, <-sent, context.Canceled)

	results, err := tr.Wait(ctx)
	assert.ErrorIs(t, err, ErrIncomplete)
	require.Len(t, results, 1)
	assert.Equal(t, "a.bin", results[0].File.Name)
	assert.NoError(t, results[0].Err)

	got, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, got))
	_, err = os.Stat(filepath.Join(dir, "b.bin"))
	assert.True(t, os.IsNotExist(err))
	require.Eventually(t, func() bool { return len(tempFiles(t, dir)) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return alice.Negotiator().State() == negotiator.Idle && bob.Negotiator().State() == negotiator.Idle
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOpenFailureIsolated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	addr := newServer(t)
	sb := &switchboard{}
	alice := connect(t, ctx, addr, "alice", sb, nil)
	bob := connect(t, ctx, addr, "bob", sb, nil)
	waitForPeers(t, alice, 1)

	contents := map[string][]byte{
		"a.bin": payload(50_000),
		"c.bin": payload(60_000),
	}
	files := []transfer.FileDescriptor{
		{Name: "a.bin", Size: 50_000},
		{Name: "b.bin", Size: 10},
		{Name: "c.bin", Size: 60_000},
	}
	open := func(fd transfer.FileDescriptor) (io.ReadCloser, error) {
		if fd.Name == "b.bin" {
			return nil, os.ErrPermission
		}
		return opener(contents)(fd)
	}

	memory := sink.NewMemory()
	type outcome struct {
		results []receiver.Result
		err     error
	}
	received := make(chan outcome, 1)
	go func() {
		select {
		case <-bob.Incoming():
			tr, err := bob.Accept(ctx, Destination{Materializer: memory})
			if err != nil {
				received <- outcome{err: err}
				return
			}
			results, err := tr.Wait(ctx)
			received <- outcome{results: results, err: err}
		case <-ctx.Done():
			received <- outcome{err: ctx.Err()}
		}
	}()

	res, err := alice.Send(ctx, "bob", files, open)
	require.NoError(t, err)
	assert.Equal(t, []transfer.FileDescriptor{files[0], files[2]}, res.Sent)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Err, os.ErrPermission)

	out := <-received
	require.NoError(t, out.err)
	require.Len(t, out.results, 3)
	assert.NoError(t, out.results[0].Err)
	assert.Error(t, out.results[1].Err)
	assert.Equal(t, "b.bin", out.results[1].File.Name)
	assert.NoError(t, out.results[2].Err)

	assert.Equal(t, []string{"a.bin", "c.bin"}, memory.Names())
	for name, want := range contents {
		got, ok := memory.Get(name)
		require.True(t, ok)
		assert.True(t, bytes.Equal(want, got), name)
	}
}

func TestRequestToDepartedPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr := newServer(t)
	sb := &switchboard{}
	n := &notifications{}
	alice := connect(t, ctx, addr, "alice", sb, n)
	bob := connect(t, ctx, addr, "bob", sb, nil)
	waitForPeers(t, alice, 1)
	stale := alice.Peers()

	require.NoError(t, bob.Close())
	waitForPeers(t, alice, 0)
	// alice still believes bob is connected, the relay drops the request.
	alice.Negotiator().UpdatePeers(stale)

	_, err := alice.Send(ctx, stale[0].ID, []transfer.FileDescriptor{{Name: "a", Size: 1}}, opener(nil))
	assert.ErrorIs(t, err, negotiator.ErrNoResponse)
	assert.Equal(t, negotiator.Idle, alice.Negotiator().State())
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.errs)
	assert.ErrorIs(t, n.errs[len(n.errs)-1], negotiator.ErrNoResponse)
}
