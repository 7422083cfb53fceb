package volume

import (
	"context"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/mholt/archives"
	"github.com/nwaples/rardecode/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Entry is a file or directory record of an archive
type Entry struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Session is a forward-only decode session over a Reader
type Session interface {
	// Next advances to the next entry. io.EOF signals the end of entries.
	Next() (Entry, error)

	// Read reads decompressed bytes of the current entry.
	Read(p []byte) (int, error)

	Close() error
}

// Backend opens decode sessions
type Backend interface {
	Open(ctx context.Context, r Reader, passphrase string) (Session, error)
}

// ArchivesBackend decodes every format known to mholt/archives
type ArchivesBackend struct {
	Logger zerolog.Logger
}

// Open identifies the format of r and starts walking its entries
func (b ArchivesBackend) Open(ctx context.Context, r Reader, passphrase string) (Session, error) {
	var name string
	if vs, ok := r.(VolumeSet); ok {
		name = vs.Name()
	}

	var stream io.Reader = r
	if fo, ok := r.(interface{ ForwardOnly() bool }); ok && fo.ForwardOnly() {
		// hide Seek so that identification buffers instead of rewinding
		stream = struct{ io.Reader }{r}
	}

	format, input, err := archives.Identify(ctx, name, stream)
	if errors.Is(err, archives.NoMatch) {
		return nil, newError(KindUnsupportedFormat, "identify", err)
	} else if err != nil {
		var verr *Error
		if errors.As(err, &verr) {
			return nil, err
		}
		return nil, newError(KindReaderIO, "identify", err)
	}
	b.Logger.Debug().Msgf("Archive format %s detected", format.Extension())

	var closer io.Closer
	extractor, ok := format.(archives.Extractor)
	if !ok {
		// single-stream compression is handled as a compressed tarball
		decompressor, ok := format.(archives.Decompressor)
		if !ok {
			return nil, newError(KindUnsupportedFormat, "open", errors.Errorf("archive format not supported: %s", format.Extension()))
		}
		rc, err := decompressor.OpenReader(input)
		if err != nil {
			return nil, newError(KindUnsupportedFormat, "open", err)
		}
		extractor, input, closer = archives.Tar{}, rc, rc
	}

	switch f := extractor.(type) {
	case archives.Rar:
		if vs, ok := r.(VolumeSet); ok {
			// later volumes are opened by name through the volume set
			return openRarVolumes(vs, passphrase)
		}
		f.Password = passphrase
		extractor = f
	case archives.SevenZip:
		f.Password = passphrase
		extractor = f
	}

	return newWalkSession(ctx, extractor, input, closer), nil
}

// walkSession turns the callback style walk of an extractor into a pull
// session. The walker goroutine parks in the file handler until the caller
// asks for the next entry, so the reader is never used by both sides at once.
type walkSession struct {
	cancel  context.CancelFunc
	entries chan walkItem
	advance chan struct{}
	done    chan struct{}
	err     error
	closer  io.Closer
	parked  bool
	file    fs.File
}

type walkItem struct {
	entry Entry
	open  func() (fs.File, error)
}

func newWalkSession(ctx context.Context, extractor archives.Extractor, input io.Reader, closer io.Closer) *walkSession {
	ctx, cancel := context.WithCancel(ctx)
	s := &walkSession{
		cancel:  cancel,
		entries: make(chan walkItem),
		advance: make(chan struct{}),
		done:    make(chan struct{}),
		closer:  closer,
	}

	go func() {
		defer close(s.done)
		s.err = extractor.Extract(ctx, input, func(ctx context.Context, f archives.FileInfo) error {
			item := walkItem{
				entry: Entry{
					Path:    cleanName(f.NameInArchive),
					Size:    f.Size(),
					IsDir:   f.IsDir(),
					ModTime: f.ModTime(),
				},
				open: f.Open,
			}
			if item.entry.IsDir {
				item.entry.Size = 0
			}
			select {
			case s.entries <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case <-s.advance:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return s
}

func (s *walkSession) Next() (Entry, error) {
	s.closeFile()
	if s.parked {
		s.parked = false
		select {
		case s.advance <- struct{}{}:
		case <-s.done:
		}
	}

	select {
	case item := <-s.entries:
		s.parked = true
		if !item.entry.IsDir {
			f, err := item.open()
			if err != nil {
				return Entry{}, translate(err)
			}
			s.file = f
		}
		return item.entry, nil
	case <-s.done:
		if s.err != nil {
			return Entry{}, translate(s.err)
		}
		return Entry{}, io.EOF
	}
}

func (s *walkSession) Read(p []byte) (int, error) {
	if s.file == nil {
		return 0, io.EOF
	}
	n, err := s.file.Read(p)
	if err != nil && err != io.EOF {
		return n, translate(err)
	}
	return n, err
}

func (s *walkSession) Close() error {
	s.closeFile()
	s.cancel()
	<-s.done
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *walkSession) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// rarSession reads a RAR archive split over several volumes
type rarSession struct {
	rc *rardecode.ReadCloser
}

func openRarVolumes(vs VolumeSet, passphrase string) (Session, error) {
	opts := []rardecode.Option{rardecode.FileSystem(vs.Volumes())}
	if passphrase != "" {
		opts = append(opts, rardecode.Password(passphrase))
	}
	rc, err := rardecode.OpenReader(vs.Name(), opts...)
	if err != nil {
		return nil, translate(err)
	}
	return &rarSession{rc: rc}, nil
}

func (s *rarSession) Next() (Entry, error) {
	h, err := s.rc.Next()
	if err == io.EOF {
		return Entry{}, io.EOF
	} else if err != nil {
		return Entry{}, translate(err)
	}
	entry := Entry{
		Path:    cleanName(h.Name),
		Size:    h.UnPackedSize,
		IsDir:   h.IsDir,
		ModTime: h.ModificationTime,
	}
	if entry.IsDir {
		entry.Size = 0
	}
	return entry, nil
}

func (s *rarSession) Read(p []byte) (int, error) {
	n, err := s.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, translate(err)
	}
	return n, err
}

func (s *rarSession) Close() error {
	return s.rc.Close()
}

func cleanName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// translate maps decoder failures to passphrase conditions
func translate(err error) error {
	switch {
	case errors.Is(err, rardecode.ErrBadPassword):
		return newError(KindPassphraseRejected, "decode", err)
	case errors.Is(err, rardecode.ErrArchiveEncrypted), errors.Is(err, rardecode.ErrArchivedFileEncrypted):
		return errors.Wrap(ErrPassphraseRequired, err.Error())
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "incorrect password"), strings.Contains(msg, "wrong password"):
		return newError(KindPassphraseRejected, "decode", err)
	case strings.Contains(msg, "password"):
		return errors.Wrap(ErrPassphraseRequired, err.Error())
	}
	return err
}
