package transport

import (
	"context"
	"io"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes inbound messages. Handle must not block on the replies
// of the other side.
type Handler interface {
	Handle(ctx context.Context, msg request.Message) error
}

// Serve pumps messages received on conn into h until the other side hangs
// up or ctx is done. conn is closed when Serve returns. Handler errors are
// logged and do not stop the loop.
func Serve(ctx context.Context, conn Conn, h Handler, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		// unblocks Receive
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		for {
			msg, err := conn.Receive(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := h.Handle(ctx, msg); err != nil {
				logger.Warn().Err(err).Msgf("Cannot handle %s", msg.Operation())
			}
		}
	})
	return g.Wait()
}
