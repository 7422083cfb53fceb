package app

import (
	"io"

	"github.com/crazy-max/unarc/internal/dispatcher"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// stdinArchive reads the archive from the standard input
const stdinArchive = "-"

func (c *Unarc) cat(cmd config.CatCmd) error {
	if cmd.Offset < 0 {
		return errors.Errorf("invalid offset %d", cmd.Offset)
	}
	logger := log.With().Str("src", cmd.Archive).Str("entry", cmd.Entry).Logger()
	if cmd.Archive == stdinArchive {
		return c.catStream(logger, cmd)
	}

	s, err := c.openSession(logger, cmd.Source)
	if err != nil {
		return err
	}
	defer s.close()

	entries, err := s.entries(c.ctx)
	if err != nil {
		return err
	}
	e, err := lookup(entries, cmd.Entry)
	if err != nil {
		return err
	}
	if e.IsDir {
		return errors.Errorf("%s is a directory", e.Path)
	}

	openID, err := s.host.Open(c.ctx, s.fsID, e.Path, e.Index)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", e.Path)
	}
	defer s.host.Close(c.ctx, s.fsID, openID)

	end := span(e.Size, cmd.Offset, cmd.Length)
	for off := cmd.Offset; off < end; {
		data, err := s.host.Read(c.ctx, s.fsID, openID, off, min(dispatcher.DefaultReadFileChunk, end-off))
		if err != nil {
			return errors.Wrapf(err, "cannot read %s at %d", e.Path, off)
		}
		if len(data) == 0 {
			break
		}
		if _, err := c.stdout.Write(data); err != nil {
			return err
		}
		off += int64(len(data))
	}
	return nil
}

// catStream reads the entry while walking an archive piped on stdin
func (c *Unarc) catStream(logger zerolog.Logger, cmd config.CatCmd) error {
	a, err := c.streamArchive(logger)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	name := cleanEntry(cmd.Entry)
	for {
		e, err := a.NextHeader(c.ctx)
		if errors.Is(err, io.EOF) {
			return errors.Errorf("no entry %s in archive", name)
		} else if err != nil {
			return err
		}
		if e.Path != name {
			continue
		}
		if e.IsDir {
			return errors.Errorf("%s is a directory", e.Path)
		}

		end := span(e.Size, cmd.Offset, cmd.Length)
		for off := cmd.Offset; off < end; {
			buf := make([]byte, min(dispatcher.DefaultReadFileChunk, end-off))
			if err := a.ReadData(c.ctx, off, buf); err != nil {
				return err
			}
			if _, err := c.stdout.Write(buf); err != nil {
				return err
			}
			off += int64(len(buf))
		}
		return nil
	}
}

// span returns the end of the byte range starting at offset. A negative
// length reads until the end of the entry.
func span(size, offset, length int64) int64 {
	if length >= 0 && offset+length < size {
		return offset + length
	}
	return size
}
