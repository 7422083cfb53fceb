package volume

import (
	"io"

	"github.com/pkg/errors"
)

// StreamReader serves an archive from a forward-only stream such as a pipe.
// Forward seeks discard bytes, backward seeks fail.
type StreamReader struct {
	passphraseCache
	r      io.Reader
	size   int64
	pos    int64
	closed bool
}

// NewStreamReader wraps r. size is -1 when the length of the stream is unknown.
func NewStreamReader(r io.Reader, size int64) *StreamReader {
	return &StreamReader{r: r, size: size}
}

func (s *StreamReader) Read(p []byte) (int, error) {
	if s.closed {
		return 0, newError(KindReaderIO, "read", errReaderClosed)
	}
	n, err := s.r.Read(p)
	s.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, newError(KindReaderIO, "read", err)
	}
	return n, err
}

func (s *StreamReader) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, newError(KindReaderIO, "seek", errReaderClosed)
	}
	abs, err := seekTarget(s.pos, s.size, offset, whence)
	if err != nil {
		return 0, err
	}
	if abs < s.pos {
		return s.pos, newError(KindReaderIO, "seek", errBackwardSeek)
	}
	if skip := abs - s.pos; skip > 0 {
		n, err := io.CopyN(io.Discard, s.r, skip)
		s.pos += n
		if err != nil && err != io.EOF {
			return s.pos, newError(KindReaderIO, "seek", err)
		}
	}
	return s.pos, nil
}

// Size returns the announced length of the stream or -1
func (s *StreamReader) Size() int64 {
	return s.size
}

// ForwardOnly tells decoders not to rely on Seek
func (s *StreamReader) ForwardOnly() bool {
	return true
}

// Passphrase returns the cached passphrase or fails
func (s *StreamReader) Passphrase() (string, error) {
	if p, ok := s.cached(); ok {
		return p, nil
	}
	return "", newError(KindPassphraseRejected, "passphrase", errNoPassphrase)
}

// Close closes the underlying stream if it is closable
func (s *StreamReader) Close() error {
	if s.closed {
		return errors.Wrap(errReaderClosed, "close")
	}
	s.closed = true
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
