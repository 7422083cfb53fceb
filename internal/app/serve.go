package app

import (
	"context"

	"github.com/crazy-max/unarc/internal/dispatcher"
	"github.com/crazy-max/unarc/internal/transport"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/rs/zerolog/log"
)

func (c *Unarc) serve(cmd config.ServeCmd) error {
	codec, err := transport.CodecByName(cmd.Codec)
	if err != nil {
		return err
	}

	// every host connection gets its own dispatcher
	serve := func(ctx context.Context, conn transport.Conn) error {
		d := dispatcher.New(conn, c.dispatcherOptions(log.Logger))
		defer d.Close()
		return transport.Serve(ctx, conn, d, log.Logger)
	}

	if cmd.Listen != "" {
		log.Info().Str("codec", codec.Name()).Msgf("Listening on %s", cmd.Listen)
		return transport.ListenAndServe(c.ctx, cmd.Listen, transport.WebSocketHandler(codec, log.Logger, serve))
	}

	log.Info().Str("codec", codec.Name()).Msg("Serving on stdio")
	return serve(c.ctx, transport.NewStreamConn(c.stdin, c.stdout, codec))
}
