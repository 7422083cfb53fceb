package volume

import (
	"context"
	"io"
	"io/fs"
)

// Reader supplies the bytes of an archive to a decode session. A reader is
// owned by exactly one Archive which closes it during Cleanup.
type Reader interface {
	io.Reader
	io.Seeker

	// Size returns the length of the archive or -1 if unknown.
	Size() int64

	// Passphrase returns the passphrase to decrypt the archive. Readers backed
	// by a host ask it and block until the answer arrives.
	Passphrase() (string, error)

	Close() error
}

// Host is the delegate owning the real archive bytes. Calls block until the
// correlated reply arrives or ctx is done.
type Host interface {
	ReadChunk(ctx context.Context, volume string, offset, length int64) ([]byte, error)
	ReadPassphrase(ctx context.Context) (string, error)
}

// VolumeSet is implemented by readers spanning several backing files
type VolumeSet interface {
	// Name returns the name of the first volume.
	Name() string

	// Volumes returns a file system exposing every volume by name.
	Volumes() fs.FS
}

// passphraseCache holds an optional passphrase shared by reader variants
type passphraseCache struct {
	passphrase string
	set        bool
}

// SetPassphrase caches a passphrase so that no host round trip is needed
func (p *passphraseCache) SetPassphrase(passphrase string) {
	p.passphrase = passphrase
	p.set = true
}

func (p *passphraseCache) cached() (string, bool) {
	return p.passphrase, p.set
}

func seekTarget(cur, size, offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = cur + offset
	case io.SeekEnd:
		if size < 0 {
			return 0, newError(KindInvalidArgument, "seek", errUnknownSize)
		}
		abs = size + offset
	default:
		return 0, newError(KindInvalidArgument, "seek", errBadWhence)
	}
	if abs < 0 {
		return 0, newError(KindInvalidArgument, "seek", errNegativePosition)
	}
	return abs, nil
}
