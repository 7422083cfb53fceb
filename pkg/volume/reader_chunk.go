package volume

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultChunkSize is the amount of bytes asked to the host per request
	DefaultChunkSize int64 = 512 * 1024

	// DefaultCacheChunks is the number of chunks kept per reader
	DefaultCacheChunks = 16
)

// ChunkOptions holds chunk reader options
type ChunkOptions struct {
	// Volume names the backing file in multi-volume archives. Empty for
	// single-volume archives.
	Volume        string
	ChunkSize     int64
	CacheChunks   int
	FetchAttempts uint
	Logger        zerolog.Logger

	// OnPassphrase is called when the host supplied a passphrase.
	OnPassphrase func(passphrase string)
}

// ChunkReader serves an archive by asking the host for aligned chunks of it.
// At most one host request is in flight at any time.
type ChunkReader struct {
	passphraseCache
	ctx      context.Context
	cancel   context.CancelFunc
	host     Host
	opts     ChunkOptions
	size     int64
	pos      int64
	cache    *lru.Cache[int64, []byte]
	inflight atomic.Bool
	fetches  atomic.Int64
	closed   bool
}

// NewChunkReader creates a reader over an archive of size bytes owned by host.
// Canceling ctx abandons any pending host request.
func NewChunkReader(ctx context.Context, host Host, size int64, opts ChunkOptions) (*ChunkReader, error) {
	if size < 0 {
		return nil, newError(KindInvalidArgument, "new chunk reader", errUnknownSize)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.CacheChunks <= 0 {
		opts.CacheChunks = DefaultCacheChunks
	}
	if opts.FetchAttempts == 0 {
		opts.FetchAttempts = 1
	}

	cache, err := lru.New[int64, []byte](opts.CacheChunks)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create chunk cache")
	}

	ctx, cancel := context.WithCancel(ctx)
	return &ChunkReader{
		ctx:    ctx,
		cancel: cancel,
		host:   host,
		opts:   opts,
		size:   size,
		cache:  cache,
	}, nil
}

func (c *ChunkReader) Read(p []byte) (int, error) {
	n, err := c.ReadAt(p, c.pos)
	c.pos += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes at off, fetching the missing chunks from the host
func (c *ChunkReader) ReadAt(p []byte, off int64) (int, error) {
	if c.closed {
		return 0, newError(KindReaderIO, "read", errReaderClosed)
	}
	if off < 0 {
		return 0, newError(KindInvalidArgument, "read", errNegativePosition)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= c.size {
		return 0, io.EOF
	}

	var n int
	for n < len(p) && off < c.size {
		idx := off / c.opts.ChunkSize
		chunk, err := c.chunk(idx)
		if err != nil {
			return n, err
		}
		copied := copy(p[n:], chunk[off-idx*c.opts.ChunkSize:])
		n += copied
		off += int64(copied)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *ChunkReader) Seek(offset int64, whence int) (int64, error) {
	if c.closed {
		return 0, newError(KindReaderIO, "seek", errReaderClosed)
	}
	abs, err := seekTarget(c.pos, c.size, offset, whence)
	if err != nil {
		return 0, err
	}
	c.pos = abs
	return abs, nil
}

// Size returns the archive length announced by the host
func (c *ChunkReader) Size() int64 {
	return c.size
}

// Fetches returns the number of chunk requests sent to the host
func (c *ChunkReader) Fetches() int64 {
	return c.fetches.Load()
}

// Passphrase returns the cached passphrase or asks the host for one
func (c *ChunkReader) Passphrase() (string, error) {
	if p, ok := c.cached(); ok {
		return p, nil
	}
	if c.closed {
		return "", newError(KindReaderIO, "passphrase", errReaderClosed)
	}
	if !c.inflight.CompareAndSwap(false, true) {
		return "", newError(KindReaderIO, "passphrase", errFetchInFlight)
	}
	defer c.inflight.Store(false)

	c.opts.Logger.Debug().Msg("Asking host for passphrase")
	p, err := c.host.ReadPassphrase(c.ctx)
	if err != nil {
		return "", newError(KindPassphraseRejected, "passphrase", err)
	}
	c.SetPassphrase(p)
	if c.opts.OnPassphrase != nil {
		c.opts.OnPassphrase(p)
	}
	return p, nil
}

// Close abandons any pending request and drops the cache
func (c *ChunkReader) Close() error {
	if c.closed {
		return errors.Wrap(errReaderClosed, "close")
	}
	c.closed = true
	c.cancel()
	c.cache.Purge()
	return nil
}

func (c *ChunkReader) chunk(idx int64) ([]byte, error) {
	if data, ok := c.cache.Get(idx); ok {
		return data, nil
	}

	offset := idx * c.opts.ChunkSize
	length := c.opts.ChunkSize
	if remaining := c.size - offset; remaining < length {
		length = remaining
	}

	data, err := c.fetch(offset, length)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) < length {
		return nil, newError(KindReaderIO, "read chunk", errors.Errorf("host returned %d bytes at offset %d, expected %d", len(data), offset, length))
	}
	data = data[:length]
	c.cache.Add(idx, data)
	return data, nil
}

func (c *ChunkReader) fetch(offset, length int64) ([]byte, error) {
	if !c.inflight.CompareAndSwap(false, true) {
		return nil, newError(KindReaderIO, "read chunk", errFetchInFlight)
	}
	defer c.inflight.Store(false)

	var data []byte
	err := retry.Do(
		func() error {
			c.fetches.Add(1)
			var err error
			data, err = c.host.ReadChunk(c.ctx, c.opts.Volume, offset, length)
			return err
		},
		retry.Attempts(c.opts.FetchAttempts),
		retry.Delay(50*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return c.ctx.Err() == nil && !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.opts.Logger.Debug().Err(err).Int64("offset", offset).Msgf("Retrying chunk request (attempt %d)", n+2)
		}),
		retry.Context(c.ctx),
	)
	if err != nil {
		return nil, newError(KindReaderIO, "read chunk", err)
	}
	return data, nil
}
