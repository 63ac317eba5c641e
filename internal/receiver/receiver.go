// Package receiver reconstructs files from the frames of the transfer protocol.
package receiver

import (
	"fmt"
	"sync"

	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/SpatiumPortae/dropzone/internal/sink"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"go.uber.org/zap"
)

// maxPrealloc caps the buffer allocated upfront for accumulated files.
const maxPrealloc = 1 << 20

// Result is the outcome of a single received file.
type Result struct {
	File     transfer.FileDescriptor
	Received int64
	Err      error
}

type Option func(*Receiver)

func WithCodec(c transfer.Codec) Option {
	return func(r *Receiver) {
		r.codec = c
	}
}

// WithEstimator reports progress against the total size announced in the request.
func WithEstimator(e *progress.Estimator, total int64) Option {
	return func(r *Receiver) {
		r.estimator = e
		r.total = total
	}
}

// WithFileDone registers a function called once per file, after it was
// committed or discarded.
func WithFileDone(f func(Result)) Option {
	return func(r *Receiver) {
		r.fileDone = f
	}
}

// WithNotify registers a function called with every error, including protocol
// errors that do not concern a particular file.
func WithNotify(f func(error)) Option {
	return func(r *Receiver) {
		r.notify = f
	}
}

func WithLogger(lgr *zap.Logger) Option {
	return func(r *Receiver) {
		r.logger = lgr
	}
}

// state is the file currently being received.
type state struct {
	open     bool
	seq      int
	file     transfer.FileDescriptor
	writer   sink.Writer
	buf      []byte
	received int64
	// skipping swallows the remaining frames of a file that already failed.
	skipping bool
}

// Receiver consumes frames from a transport, one file at a time. Files are
// either streamed to a sink.Sink or accumulated and handed to a
// sink.Materializer once complete.
type Receiver struct {
	mu           sync.Mutex
	sink         sink.Sink
	materializer sink.Materializer
	codec        transfer.Codec
	estimator    *progress.Estimator
	total        int64
	processed    int64
	fileDone     func(Result)
	notify       func(error)
	logger       *zap.Logger

	state   state
	results []Result
	closed  bool
	done    chan struct{}
}

// New creates a receiver streaming files to the sink.
func New(s sink.Sink, opts ...Option) *Receiver {
	r := newReceiver(opts...)
	r.sink = s
	return r
}

// NewMaterializing creates a receiver accumulating each file in memory.
func NewMaterializing(m sink.Materializer, opts ...Option) *Receiver {
	r := newReceiver(opts...)
	r.materializer = m
	return r
}

func newReceiver(opts ...Option) *Receiver {
	r := &Receiver{
		codec: transfer.TaggedCodec{},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logger.OrNop(r.logger).With(zap.String("component", "receiver"))
	return r
}

// HandleData decodes and handles a message received on the transport. It is
// meant to be registered as the data handler of the transport.
func (r *Receiver) HandleData(b []byte) {
	f, err := r.codec.Decode(b)
	if err != nil {
		r.report(fmt.Errorf("decoding frame: %w", err))
		return
	}
	r.Handle(f)
}

// Handle applies a single frame.
func (r *Receiver) Handle(f transfer.Frame) {
	r.mu.Lock()
	var (
		done []Result
		errs []error
	)
	if !r.closed {
		done, errs = r.apply(f)
	}
	r.results = append(r.results, done...)
	r.mu.Unlock()

	for _, err := range errs {
		r.report(err)
	}
	for _, res := range done {
		if r.fileDone != nil {
			r.fileDone(res)
		}
	}
}

func (r *Receiver) apply(f transfer.Frame) ([]Result, []error) {
	switch f := f.(type) {
	case transfer.Header:
		return r.header(f)
	case transfer.DataChunk:
		return r.data(f)
	case transfer.EndMarker:
		return r.end(f)
	case transfer.Abort:
		return r.abort(f)
	default:
		return nil, []error{&transfer.ProtocolError{Reason: fmt.Sprintf("unexpected frame %T", f)}}
	}
}

func (r *Receiver) header(h transfer.Header) ([]Result, []error) {
	if r.state.open {
		// The new header is not applied over the file in flight, both are dropped.
		err := &transfer.ProtocolError{
			Seq:    r.state.seq,
			File:   r.state.file.Name,
			Reason: fmt.Sprintf("header for file %d (%s) before end of file", h.Seq, h.Name),
		}
		inFlight := r.discard(err)
		r.state = state{seq: h.Seq, file: h.Descriptor(), skipping: true}
		rejected := r.failed(&transfer.ProtocolError{Seq: h.Seq, File: h.Name, Reason: "header rejected, previous file still open"})
		return []Result{inFlight, rejected}, []error{err}
	}
	r.state = state{seq: h.Seq, file: h.Descriptor()}
	if h.Size < 0 {
		err := &transfer.ProtocolError{Seq: h.Seq, File: h.Name, Reason: fmt.Sprintf("negative size %d", h.Size)}
		r.state.skipping = true
		return []Result{r.failed(err)}, []error{err}
	}
	if r.sink != nil {
		w, err := r.sink.Create(h.Descriptor())
		if err != nil {
			err = fmt.Errorf("creating %s: %w", h.Name, err)
			r.state.skipping = true
			return []Result{r.failed(err)}, []error{err}
		}
		r.state.writer = w
	} else {
		r.state.buf = make([]byte, 0, min(h.Size, maxPrealloc))
	}
	r.state.open = true
	r.logger.Debug("receiving file", zap.Int("seq", h.Seq), zap.String("file", h.Name), zap.Int64("size", h.Size))
	return nil, nil
}

func (r *Receiver) data(d transfer.DataChunk) ([]Result, []error) {
	if !r.state.open {
		if r.state.skipping {
			return nil, nil
		}
		return nil, []error{&transfer.ProtocolError{Reason: fmt.Sprintf("data chunk of %d bytes with no open file", len(d.Payload))}}
	}
	n := int64(len(d.Payload))
	if r.state.received+n > r.state.file.Size {
		err := &transfer.ProtocolError{
			Seq:    r.state.seq,
			File:   r.state.file.Name,
			Reason: fmt.Sprintf("received %d bytes, more than the declared %d", r.state.received+n, r.state.file.Size),
		}
		res := r.discard(err)
		r.state.skipping = true
		return []Result{res}, []error{err}
	}
	if r.state.writer != nil {
		if _, err := r.state.writer.Write(d.Payload); err != nil {
			err = fmt.Errorf("writing %s: %w", r.state.file.Name, err)
			res := r.discard(err)
			r.state.skipping = true
			return []Result{res}, []error{err}
		}
	} else {
		r.state.buf = append(r.state.buf, d.Payload...)
	}
	r.state.received += n
	r.processed += n
	r.progress()
	return nil, nil
}

func (r *Receiver) end(e transfer.EndMarker) ([]Result, []error) {
	if !r.state.open {
		if r.state.skipping && r.state.seq == e.Seq {
			r.state = state{}
			return nil, nil
		}
		return nil, []error{&transfer.ProtocolError{Seq: e.Seq, Reason: "end of file with no open file"}}
	}
	if e.Seq != r.state.seq {
		err := &transfer.ProtocolError{
			Seq:    r.state.seq,
			File:   r.state.file.Name,
			Reason: fmt.Sprintf("end of file %d while receiving file %d", e.Seq, r.state.seq),
		}
		return []Result{r.discard(err)}, []error{err}
	}
	if r.state.received != r.state.file.Size {
		err := &transfer.ProtocolError{
			Seq:    r.state.seq,
			File:   r.state.file.Name,
			Reason: fmt.Sprintf("received %d bytes, declared %d", r.state.received, r.state.file.Size),
		}
		return []Result{r.discard(err)}, []error{err}
	}

	var err error
	if r.state.writer != nil {
		err = r.state.writer.Close()
	} else {
		err = r.materializer.Materialize(r.state.file, r.state.buf)
	}
	res := Result{File: r.state.file, Received: r.state.received}
	if err != nil {
		res.Err = fmt.Errorf("saving %s: %w", r.state.file.Name, err)
	}
	if r.state.file.Size == 0 {
		r.progress()
	}
	r.logger.Debug("file received", zap.Int("seq", r.state.seq), zap.String("file", r.state.file.Name), zap.Error(res.Err))
	r.state = state{}
	if res.Err != nil {
		return []Result{res}, []error{res.Err}
	}
	return []Result{res}, nil
}

func (r *Receiver) abort(a transfer.Abort) ([]Result, []error) {
	if r.state.seq != a.Seq || (!r.state.open && !r.state.skipping) {
		r.logger.Debug("ignoring abort", zap.Int("seq", a.Seq))
		return nil, nil
	}
	if r.state.skipping {
		r.state = state{}
		return nil, nil
	}
	err := fmt.Errorf("sender aborted %s: %s", r.state.file.Name, a.Reason)
	res := r.discard(err)
	r.state = state{}
	return []Result{res}, []error{err}
}

// discard drops the open file and leaves the receiver with no open file.
func (r *Receiver) discard(cause error) Result {
	if r.state.writer != nil {
		if err := r.state.writer.Discard(); err != nil {
			r.logger.Warn("discarding file", zap.String("file", r.state.file.Name), zap.Error(err))
		}
	}
	res := r.failed(cause)
	seq, file := r.state.seq, r.state.file
	r.state = state{seq: seq, file: file}
	return res
}

// failed builds the result of the current file and counts its missing bytes
// as processed, so progress still completes.
func (r *Receiver) failed(cause error) Result {
	remaining := r.state.file.Size - r.state.received
	if remaining > 0 {
		r.processed += remaining
		r.progress()
	}
	return Result{File: r.state.file, Received: r.state.received, Err: cause}
}

func (r *Receiver) progress() {
	if r.estimator != nil {
		r.estimator.Update(r.processed, r.total, r.state.file.Name)
	}
}

func (r *Receiver) report(err error) {
	r.logger.Warn("receiving", zap.Error(err))
	if r.notify != nil {
		r.notify(err)
	}
}

// Results returns the outcome of every finished file so far, in order.
func (r *Receiver) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

// Close stops the receiver, as when the transport is destroyed. The file in
// flight is discarded in the background, completed files are untouched.
// Close never blocks, Done is closed once cleanup finished.
func (r *Receiver) Close() {
	go func() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.closed = true
		if r.state.open && r.state.writer != nil {
			if err := r.state.writer.Discard(); err != nil {
				r.logger.Warn("discarding file", zap.String("file", r.state.file.Name), zap.Error(err))
			}
		}
		r.state = state{}
		r.mu.Unlock()
		close(r.done)
	}()
}

// Done is closed once the receiver has been closed and cleaned up.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}
