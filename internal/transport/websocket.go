package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WSConn carries one message per WebSocket frame
type WSConn struct {
	ws    *websocket.Conn
	codec Codec
	mu    sync.Mutex
	once  sync.Once
}

// NewWSConn wraps an established WebSocket connection
func NewWSConn(ws *websocket.Conn, codec Codec) *WSConn {
	return &WSConn{ws: ws, codec: codec}
}

// DialWebSocket connects to a sandbox served at url
func DialWebSocket(ctx context.Context, url string, codec Codec) (*WSConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot dial %s", url)
	}
	return NewWSConn(ws, codec), nil
}

func (c *WSConn) Receive(ctx context.Context) (request.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "cannot read frame")
	}
	var msg request.Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "cannot decode message")
	}
	return msg, nil
}

func (c *WSConn) Send(msg request.Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "cannot encode message")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(c.codec.FrameType(), data)
}

// Close sends a close frame and closes the connection
func (c *WSConn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// WebSocketHandler upgrades incoming requests and hands every connection to
// serve until it returns
func WebSocketHandler(codec Codec, logger zerolog.Logger, serve func(ctx context.Context, conn Conn) error) http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		conn := NewWSConn(ws, codec)
		defer conn.Close()

		log := logger.With().Str("remote", r.RemoteAddr).Logger()
		log.Debug().Msg("Host connected")
		if err := serve(r.Context(), conn); err != nil {
			log.Error().Err(err).Msg("Connection closed with error")
			return
		}
		log.Debug().Msg("Host disconnected")
	})
}

// ListenAndServe serves handler on addr until ctx is done
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", addr)
	}
	return ServeListener(ctx, ln, handler)
}

// ServeListener serves handler on ln until ctx is done
func ServeListener(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
