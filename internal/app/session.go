package app

import (
	"context"
	"path"
	"strings"

	"github.com/crazy-max/unarc/internal/dispatcher"
	"github.com/crazy-max/unarc/internal/host"
	"github.com/crazy-max/unarc/internal/transport"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// session drives an in-process sandbox through a local host. Both sides
// talk CBOR over a pipe like they would across a process boundary.
type session struct {
	host   *host.Local
	fsID   string
	d      *dispatcher.Dispatcher
	cancel context.CancelFunc
	g      *errgroup.Group
}

func (c *Unarc) openSession(logger zerolog.Logger, src config.Source) (*session, error) {
	sandbox, conn := transport.Pipe(transport.CBOR)
	d := dispatcher.New(sandbox, c.dispatcherOptions(logger.With().Str("side", "sandbox").Logger()))
	l := host.New(c.fs, conn, host.Options{
		Passphrase: c.cli.Passphrase,
		Logger:     logger.With().Str("side", "host").Logger(),
	})

	ctx, cancel := context.WithCancel(c.ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Serve(ctx, sandbox, d, logger)
	})
	g.Go(func() error {
		return transport.Serve(ctx, conn, l, logger)
	})
	s := &session{host: l, d: d, cancel: cancel, g: g}

	fsID, err := l.Mount(append([]string{src.Archive}, src.Volumes...)...)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.fsID = fsID
	return s, nil
}

func (s *session) entries(ctx context.Context) ([]host.Entry, error) {
	md, err := s.host.Metadata(ctx, s.fsID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read metadata")
	}
	return host.Entries(md), nil
}

func (s *session) close() error {
	if s.fsID != "" {
		_ = s.host.Unmount(s.fsID)
	}
	_ = s.d.Close()
	s.cancel()
	return s.g.Wait()
}

func lookup(entries []host.Entry, name string) (host.Entry, error) {
	name = cleanEntry(name)
	for _, e := range entries {
		if e.Path == name {
			return e, nil
		}
	}
	return host.Entry{}, errors.Errorf("no entry %s in archive", name)
}

func cleanEntry(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}
