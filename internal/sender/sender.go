// Package sender streams files over a transport as Header, DataChunk and
// EndMarker frames, one file at a time, while keeping the transport buffer
// bounded.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/SpatiumPortae/dropzone/internal/transport"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"go.uber.org/zap"
)

const (
	// DEFAULT_HIGH_WATER_MARK is the buffered amount above which sending pauses.
	DEFAULT_HIGH_WATER_MARK = 1 << 20
	// POLL_INTERVAL is used to watch the buffered amount of transports that
	// cannot notify when it drops.
	POLL_INTERVAL = 5 * time.Millisecond
	// eventFallback bounds a wait for a low buffer notification that never comes.
	eventFallback = 100 * time.Millisecond
	maxReason     = 256
)

// Opener opens the content of a file for reading.
type Opener func(transfer.FileDescriptor) (io.ReadCloser, error)

// FileError is the failure of a single file.
type FileError struct {
	File transfer.FileDescriptor
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("sending %s: %v", e.File.Name, e.Err)
}

func (e FileError) Unwrap() error {
	return e.Err
}

// Result lists what happened to every file of a SendAll call.
type Result struct {
	Sent   []transfer.FileDescriptor
	Failed []FileError
}

// Err joins the errors of all failed files, nil if every file was sent.
func (r Result) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

type Option func(*Sender)

func WithCodec(c transfer.Codec) Option {
	return func(s *Sender) {
		s.codec = c
	}
}

func WithEstimator(e *progress.Estimator) Option {
	return func(s *Sender) {
		s.estimator = e
	}
}

func WithHighWaterMark(n uint64) Option {
	return func(s *Sender) {
		s.highWater = n
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Sender) {
		s.poll = d
	}
}

func WithLogger(lgr *zap.Logger) Option {
	return func(s *Sender) {
		s.logger = lgr
	}
}

// WithFileDone registers a function called after every file, with a nil error
// for files that were sent completely.
func WithFileDone(f func(transfer.FileDescriptor, error)) Option {
	return func(s *Sender) {
		s.fileDone = f
	}
}

// Sender writes files to a transport. A Sender runs one SendAll at a time.
type Sender struct {
	transport transport.Transport
	open      Opener
	codec     transfer.Codec
	estimator *progress.Estimator
	highWater uint64
	poll      time.Duration
	logger    *zap.Logger
	fileDone  func(transfer.FileDescriptor, error)

	low chan struct{}
}

// New creates a sender writing to the transport, reading files through open.
func New(t transport.Transport, open Opener, opts ...Option) *Sender {
	s := &Sender{
		transport: t,
		open:      open,
		codec:     transfer.TaggedCodec{},
		highWater: DEFAULT_HIGH_WATER_MARK,
		poll:      POLL_INTERVAL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.OrNop(s.logger).With(zap.String("component", "sender"))
	if n, ok := t.(transport.LowBufferNotifier); ok {
		s.low = make(chan struct{}, 1)
		n.SetBufferedAmountLowThreshold(s.highWater)
		n.OnBufferedAmountLow(func() {
			select {
			case s.low <- struct{}{}:
			default:
			}
		})
	}
	return s
}

// SendAll sends the files in order over the transport. A failure of one file
// aborts only that file, the remaining files are still sent. Cancelling the
// context fails the current and all remaining files.
func SendAll(ctx context.Context, t transport.Transport, open Opener, files []transfer.FileDescriptor, opts ...Option) Result {
	return New(t, open, opts...).SendAll(ctx, files)
}

// job is the state of a single SendAll call.
type job struct {
	files     []transfer.FileDescriptor
	total     int64
	processed int64
	result    Result
}

func (s *Sender) SendAll(ctx context.Context, files []transfer.FileDescriptor) Result {
	j := &job{files: files}
	for _, f := range files {
		j.total += f.Size
	}
	if s.estimator != nil {
		s.estimator.Reset(j.total)
	}
	s.logger.Info("sending files", zap.Int("files", len(files)), zap.Int64("bytes", j.total))

	for seq, f := range files {
		if err := ctx.Err(); err != nil {
			s.fail(j, f, err)
			continue
		}
		start := j.processed
		err := s.sendFile(ctx, j, seq, f)
		if err != nil {
			// Skipped bytes count as processed, so progress still completes.
			j.processed = start + f.Size
			s.report(j, f.Name)
			s.fail(j, f, err)
			continue
		}
		j.result.Sent = append(j.result.Sent, f)
		s.logger.Debug("file sent", zap.String("file", f.Name), zap.Int64("size", f.Size))
		if s.fileDone != nil {
			s.fileDone(f, nil)
		}
	}
	s.logger.Info("sending done", zap.Int("sent", len(j.result.Sent)), zap.Int("failed", len(j.result.Failed)))
	return j.result
}

// sendFile announces the file before opening it, so every failure after the
// header can be closed out with an Abort the receiver accounts for.
func (s *Sender) sendFile(ctx context.Context, j *job, seq int, f transfer.FileDescriptor) error {
	if err := s.send(ctx, transfer.HeaderFor(seq, f)); err != nil {
		return err
	}
	r, err := s.open(f)
	if err != nil {
		err = fmt.Errorf("opening file: %w", err)
		s.abort(seq, err)
		return err
	}
	defer r.Close()

	buf := make([]byte, transfer.ChunkSize)
	content := io.LimitReader(r, f.Size)
	var sent int64
	for sent < f.Size {
		n, rerr := io.ReadFull(content, buf)
		if n > 0 {
			if err := s.send(ctx, transfer.DataChunk{Payload: buf[:n]}); err != nil {
				s.abort(seq, err)
				return err
			}
			sent += int64(n)
			j.processed += int64(n)
			s.report(j, f.Name)
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			err := fmt.Errorf("reading file: %w", rerr)
			s.abort(seq, err)
			return err
		}
	}
	if sent != f.Size {
		err := fmt.Errorf("file shrank to %d of %d bytes while sending", sent, f.Size)
		s.abort(seq, err)
		return err
	}
	if f.Size == 0 {
		s.report(j, f.Name)
	}
	return s.send(ctx, transfer.EndMarker{Seq: seq})
}

// send encodes and sends a frame once the transport buffer is below the high
// water mark. The buffer overshoots the mark by at most one frame.
func (s *Sender) send(ctx context.Context, f transfer.Frame) error {
	if err := s.waitForBuffer(ctx); err != nil {
		return err
	}
	b, err := s.codec.Encode(f)
	if err != nil {
		return err
	}
	if err := s.transport.Send(b); err != nil {
		var netErr *transport.NetworkError
		if errors.As(err, &netErr) {
			return err
		}
		return &transport.NetworkError{Op: "send", Err: err}
	}
	return nil
}

func (s *Sender) waitForBuffer(ctx context.Context) error {
	if s.transport.BufferedAmount() <= s.highWater {
		return nil
	}
	interval := s.poll
	if s.low != nil {
		interval = eventFallback
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for s.transport.BufferedAmount() > s.highWater {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.low:
		case <-ticker.C:
		}
	}
	return nil
}

// abort tells the receiver to discard the current file. Best effort, the
// transport may be gone already.
func (s *Sender) abort(seq int, cause error) {
	reason := cause.Error()
	if len(reason) > maxReason {
		reason = reason[:maxReason]
	}
	b, err := s.codec.Encode(transfer.Abort{Seq: seq, Reason: reason})
	if err != nil {
		return
	}
	if err := s.transport.Send(b); err != nil {
		s.logger.Debug("sending abort", zap.Int("seq", seq), zap.Error(err))
	}
}

func (s *Sender) fail(j *job, f transfer.FileDescriptor, err error) {
	s.logger.Warn("file failed", zap.String("file", f.Name), zap.Error(err))
	j.result.Failed = append(j.result.Failed, FileError{File: f, Err: err})
	if s.fileDone != nil {
		s.fileDone(f, err)
	}
}

func (s *Sender) report(j *job, name string) {
	if s.estimator != nil {
		s.estimator.Update(j.processed, j.total, name)
	}
}
