package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/crazy-max/unarc/internal/dispatcher"
	"github.com/crazy-max/unarc/internal/host"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func (c *Unarc) extract(cmd config.ExtractCmd) error {
	if _, err := c.fs.Stat(cmd.Dist); err == nil && cmd.RmDist {
		if err := c.fs.RemoveAll(cmd.Dist); err != nil {
			return errors.Wrapf(err, "failed to remove dist folder %q", cmd.Dist)
		}
	}
	if err := c.fs.MkdirAll(cmd.Dist, 0700); err != nil {
		return errors.Wrapf(err, "failed to create dist folder %q", cmd.Dist)
	}

	logger := log.With().Str("src", cmd.Archive).Logger()
	logger.Info().Msg("Extracting archive")

	s, err := c.openSession(logger, cmd.Source)
	if err != nil {
		return err
	}
	defer s.close()

	entries, err := s.entries(c.ctx)
	if err != nil {
		return err
	}

	var pathsInArchive []string
	for _, inc := range cmd.Includes {
		inc = strings.Trim(inc, "/")
		if len(inc) > 0 {
			pathsInArchive = append(pathsInArchive, cleanEntry(inc))
		}
	}

	for _, e := range entries {
		if !fileIsIncluded(pathsInArchive, e.Path) {
			continue
		}
		path := filepath.Join(cmd.Dist, filepath.FromSlash(e.Path))
		if e.IsDir {
			logger.Trace().Msgf("Extracting %s", e.Path)
			if err := c.fs.MkdirAll(path, 0755); err != nil {
				return err
			}
			continue
		}

		logger.Debug().Msgf("Extracting %s", e.Path)
		if err := c.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := c.writeFile(logger, s, path, e); err != nil {
			return errors.Wrapf(err, "cannot extract %s", e.Path)
		}
	}
	return nil
}

// fileIsIncluded returns true if name is one of the included paths or lies
// under one of them. Everything is included when the list is empty.
func fileIsIncluded(includes []string, name string) bool {
	if len(includes) == 0 {
		return true
	}
	for _, inc := range includes {
		if name == inc || strings.HasPrefix(name, inc+"/") {
			return true
		}
	}
	return false
}

func (c *Unarc) writeFile(logger zerolog.Logger, s *session, path string, e host.Entry) error {
	openID, err := s.host.Open(c.ctx, s.fsID, e.Path, e.Index)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.host.Close(c.ctx, s.fsID, openID); err != nil {
			logger.Warn().Err(err).Msgf("Cannot close %s", e.Path)
		}
	}()

	w, err := c.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	r := s.host.Reader(c.ctx, s.fsID, openID, e.Size, dispatcher.DefaultReadFileChunk)
	if _, err = io.Copy(w, readerContext(c.ctx, r)); err != nil {
		_ = w.Close()
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}

	if !e.ModTime.IsZero() {
		return c.fs.Chtimes(path, e.ModTime, e.ModTime)
	}
	return nil
}

type reader struct {
	ctx context.Context
	r   io.Reader
}

func readerContext(ctx context.Context, r io.Reader) io.Reader {
	return reader{ctx, r}
}

func (r reader) Read(p []byte) (int, error) {
	err := r.ctx.Err()
	if err != nil {
		return 0, err
	}
	n, err := r.r.Read(p)
	if err != nil {
		return n, err
	}
	return n, r.ctx.Err()
}
