// handlers.go specifies the handlers the rendezvous server uses to keep track of peers
// and relay signaling between them.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/SpatiumPortae/dropzone/internal/conn"
	"github.com/SpatiumPortae/dropzone/internal/logger"
	"github.com/SpatiumPortae/dropzone/protocol/rendezvous"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ------------------------------------------------------ Handlers -----------------------------------------------------

// handleConnect returns a websocket handler serving a single peer for the lifetime of its connection.
func (s *Server) handleConnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		lgr, err := logger.FromContext(ctx)
		if err != nil {
			lgr = s.logger
		}
		ws, err := conn.FromContext(ctx)
		if err != nil {
			lgr.Error("getting Conn from request context", zap.Error(err))
			return
		}
		defer ws.Close("closing")
		rc := conn.Rendezvous{Conn: ws}

		id := uuid.NewString()
		lgr = lgr.With(zap.String("peer_id", id))
		lgr.Info("peer connected")

		welcome, err := rendezvous.New("", rendezvous.Welcome{ID: id, Version: s.version})
		if err != nil {
			lgr.Error("encoding welcome", zap.Error(err))
			return
		}
		if err := rc.WriteMsg(ctx, welcome); err != nil {
			lgr.Error("binding peer ID", zap.Error(err))
			return
		}

		joinCtx, joinCancel := context.WithTimeout(ctx, JOIN_TIMEOUT)
		msg, err := rc.ReadMsg(joinCtx, rendezvous.PeerToRendezvousJoin)
		joinCancel()
		if err != nil {
			lgr.Warn("peer did not join", zap.Error(err))
			return
		}
		body, err := msg.Body()
		if err != nil {
			lgr.Warn("decoding join", zap.Error(err))
			return
		}
		join := body.(rendezvous.Join)

		mailbox := NewMailbox(rendezvous.Peer{ID: id, Name: join.Name}, OUTBOX_SIZE)
		lgr = lgr.With(zap.String("name", join.Name))

		wg := sync.WaitGroup{}
		wg.Add(1)
		go s.writer(ctx, &wg, rc, mailbox, lgr)

		s.registry.Join(mailbox)
		lgr.Info("peer joined", zap.Int("peers", s.registry.Len()))

		// An evicted peer is disconnected, which ends the reader below.
		go func() {
			select {
			case <-mailbox.Evicted():
				lgr.Warn("peer evicted")
				cancel()
			case <-ctx.Done():
			}
		}()

		s.reader(ctx, rc, id, lgr)

		s.registry.Leave(id)
		cancel()
		wg.Wait()
		lgr.Info("peer left", zap.Int("peers", s.registry.Len()))
	}
}

//nolint:errcheck
func (s *Server) ping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}
}

//nolint:errcheck
func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": s.version})
	}
}

// ------------------------------------------------------ Helpers ------------------------------------------------------

// reader reads messages from the peer until the connection closes, the context is
// done or the peer leaves. Relayed messages are forwarded to their recipient.
func (s *Server) reader(ctx context.Context, rc conn.Rendezvous, id string, lgr *zap.Logger) {
	readerLogger := lgr.With(zap.String("component", "reader"))
	for {
		msg, err := rc.ReadMsg(ctx)
		switch {
		case errors.Is(err, conn.ErrClosed):
			readerLogger.Info("connection closed, closing reader")
			return
		case errors.Is(err, context.Canceled):
			readerLogger.Info("context canceled, closing reader")
			return
		case errors.Is(err, conn.ErrDecode):
			readerLogger.Warn("skipping malformed message", zap.Error(err))
			continue
		case err != nil:
			readerLogger.Error("error reading from connection, closing reader", zap.Error(err))
			return
		}

		switch {
		case msg.Type == rendezvous.PeerToRendezvousLeave:
			readerLogger.Info("peer requested leave")
			return
		case msg.Type.Relayed():
			s.Relay(id, msg)
		default:
			readerLogger.Warn("unexpected message type", zap.String("type", msg.Type.Name()))
		}
	}
}

// writer drains the mailbox of a peer into its connection.
func (s *Server) writer(ctx context.Context, wg *sync.WaitGroup, rc conn.Rendezvous, mailbox *Mailbox, lgr *zap.Logger) {
	writerLogger := lgr.With(zap.String("component", "writer"))
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mailbox.Evicted():
			return
		case b := <-mailbox.Outbox:
			writeCtx, cancel := context.WithTimeout(ctx, WRITE_TIMEOUT)
			err := rc.WriteRaw(writeCtx, b)
			cancel()
			if err != nil {
				writerLogger.Error("writing to connection", zap.Error(err))
				mailbox.evict()
				return
			}
		}
	}
}

// Relay forwards a peer-to-peer message verbatim to its recipient. The sender
// field is stamped with the id of the connection it arrived on. Messages for
// peers that are not registered are dropped.
func (s *Server) Relay(from string, msg rendezvous.Msg) bool {
	msg.From = from
	b, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encoding relayed message", zap.Error(err))
		return false
	}
	if !s.registry.Deliver(msg.To, b) {
		s.logger.Warn("relay target not found, dropping message",
			zap.String("from", from),
			zap.String("to", msg.To),
			zap.String("type", msg.Type.Name()),
		)
		return false
	}
	return true
}
