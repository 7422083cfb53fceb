package volume

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// MemoryReader serves an archive held in memory
type MemoryReader struct {
	passphraseCache
	r      *bytes.Reader
	closed bool
}

// NewMemoryReader creates a reader over data. data must not be modified
// while the reader is in use.
func NewMemoryReader(data []byte) *MemoryReader {
	return &MemoryReader{r: bytes.NewReader(data)}
}

func (m *MemoryReader) Read(p []byte) (int, error) {
	if m.closed {
		return 0, newError(KindReaderIO, "read", errReaderClosed)
	}
	return m.r.Read(p)
}

func (m *MemoryReader) ReadAt(p []byte, off int64) (int, error) {
	if m.closed {
		return 0, newError(KindReaderIO, "read", errReaderClosed)
	}
	return m.r.ReadAt(p, off)
}

func (m *MemoryReader) Seek(offset int64, whence int) (int64, error) {
	if m.closed {
		return 0, newError(KindReaderIO, "seek", errReaderClosed)
	}
	cur, _ := m.r.Seek(0, io.SeekCurrent)
	abs, err := seekTarget(cur, m.r.Size(), offset, whence)
	if err != nil {
		return 0, err
	}
	return m.r.Seek(abs, io.SeekStart)
}

// Size returns the length of the buffer
func (m *MemoryReader) Size() int64 {
	return m.r.Size()
}

// Passphrase returns the cached passphrase. A memory reader has no host to
// ask, so a missing passphrase is rejected.
func (m *MemoryReader) Passphrase() (string, error) {
	if p, ok := m.cached(); ok {
		return p, nil
	}
	return "", newError(KindPassphraseRejected, "passphrase", errNoPassphrase)
}

// Close releases the buffer
func (m *MemoryReader) Close() error {
	if m.closed {
		return errors.Wrap(errReaderClosed, "close")
	}
	m.closed = true
	m.r = bytes.NewReader(nil)
	return nil
}
