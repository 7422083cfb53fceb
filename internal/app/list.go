package app

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/crazy-max/unarc/internal/host"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/crazy-max/unarc/pkg/volume"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const timeLayout = "2006-01-02 15:04:05"

func (c *Unarc) list(cmd config.ListCmd) error {
	logger := log.With().Str("src", cmd.Archive).Logger()
	if cmd.Archive == stdinArchive {
		if cmd.JSON {
			return errors.New("json output needs a seekable archive")
		}
		return c.listStream(logger)
	}

	s, err := c.openSession(logger, cmd.Source)
	if err != nil {
		return err
	}
	defer s.close()

	md, err := s.host.Metadata(c.ctx, s.fsID)
	if err != nil {
		return errors.Wrap(err, "cannot read metadata")
	}
	if cmd.JSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(md)
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, e := range host.Entries(md) {
		writeEntry(tw, e.Path, e.IsDir, e.Size, e.ModTime)
	}
	return tw.Flush()
}

// listStream walks an archive piped on stdin without a host
func (c *Unarc) listStream(logger zerolog.Logger) error {
	a, err := c.streamArchive(logger)
	if err != nil {
		return err
	}
	defer a.Cleanup()

	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	for {
		e, err := a.NextHeader(c.ctx)
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return err
		}
		writeEntry(tw, e.Path, e.IsDir, e.Size, e.ModTime)
	}
	return tw.Flush()
}

func writeEntry(w io.Writer, name string, isDir bool, size int64, modTime time.Time) {
	mtime := "-"
	if !modTime.IsZero() {
		mtime = modTime.UTC().Format(timeLayout)
	}
	if isDir {
		name += "/"
	}
	fmt.Fprintf(w, "%d\t%s\t%s\t\n", size, mtime, name)
}

func (c *Unarc) streamArchive(logger zerolog.Logger) (*volume.Archive, error) {
	r := volume.NewStreamReader(c.stdin, -1)
	if c.cli.Passphrase != "" {
		r.SetPassphrase(c.cli.Passphrase)
	}
	a := volume.NewArchive("stdin", r, volume.WithLogger(logger))
	if err := a.Init(c.ctx); err != nil {
		_ = a.Cleanup()
		return nil, err
	}
	return a, nil
}
