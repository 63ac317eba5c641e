package conn

import (
	"context"
	"errors"
	"net/http"

	"github.com/SpatiumPortae/dropzone/internal/logger"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type connKey struct{}

func WithConn(ctx context.Context, conn *WS) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

func FromContext(ctx context.Context) (*WS, error) {
	conn, ok := ctx.Value(connKey{}).(*WS)
	if !ok {
		return nil, errors.New("unable to get Conn from context")
	}
	return conn, nil
}

// Middleware upgrades the request to a websocket and stores the connection in the request context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lgr, err := logger.FromContext(r.Context())
			if err != nil {
				lgr = zap.NewNop()
			}
			wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				lgr.Error("failed to upgrade connection", zap.Error(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithConn(r.Context(), NewWS(wsConn))))
		})
	}
}
