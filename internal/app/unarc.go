package app

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/crazy-max/unarc/internal/dispatcher"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Unarc represents an active unarc object
type Unarc struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	meta   config.Meta
	cli    config.Cli
	fs     afero.Fs
	stdin  io.Reader
	stdout io.Writer
}

// New creates new unarc instance
func New(meta config.Meta, cli config.Cli) (*Unarc, error) {
	if cli.ChunkSize <= 0 {
		return nil, errors.Errorf("invalid chunk size %d", cli.ChunkSize)
	}
	if cli.CacheChunks <= 0 {
		return nil, errors.Errorf("invalid number of cached chunks %d", cli.CacheChunks)
	}
	if cli.FetchAttempts == 0 {
		cli.FetchAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Unarc{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		meta:   meta,
		cli:    cli,
		fs:     afero.NewOsFs(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}, nil
}

// Start runs the selected command until it completes or Close is called
func (c *Unarc) Start(command string) error {
	defer close(c.done)

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return errors.New("no command")
	}
	switch fields[0] {
	case "serve":
		return c.serve(c.cli.Serve)
	case "list":
		return c.list(c.cli.List)
	case "cat":
		return c.cat(c.cli.Cat)
	case "extract":
		return c.extract(c.cli.Extract)
	default:
		return errors.Errorf("unknown command %s", fields[0])
	}
}

// Close stops the running command and waits a bit for it to return
func (c *Unarc) Close() {
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
}

func (c *Unarc) dispatcherOptions(logger zerolog.Logger) dispatcher.Options {
	return dispatcher.Options{
		ChunkSize:     c.cli.ChunkSize,
		CacheChunks:   c.cli.CacheChunks,
		FetchAttempts: c.cli.FetchAttempts,
		InMemory:      c.cli.InMemory,
		ForwardLogs:   c.cli.ForwardLogs,
		Logger:        logger,
	}
}
