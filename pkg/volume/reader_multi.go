package volume

import (
	"context"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/pkg/errors"
)

// MultiVolumeReader serves an archive split over several backing files. The
// first volume is read directly, the others are reached by the decoder
// through Volumes.
type MultiVolumeReader struct {
	*ChunkReader
	names   []string
	readers map[string]*ChunkReader
}

// NewMultiVolumeReader creates one chunk reader per volume. Chunk requests
// carry the volume name so the host can tell them apart.
func NewMultiVolumeReader(ctx context.Context, host Host, volumes []request.Volume, opts ChunkOptions) (*MultiVolumeReader, error) {
	if len(volumes) == 0 {
		return nil, newError(KindInvalidArgument, "new multi-volume reader", errors.New("no volume"))
	}

	m := &MultiVolumeReader{
		readers: make(map[string]*ChunkReader, len(volumes)),
	}
	for _, v := range volumes {
		name := path.Base(v.Name)
		if _, ok := m.readers[name]; ok {
			m.Close()
			return nil, newError(KindInvalidArgument, "new multi-volume reader", errors.Errorf("duplicate volume %s", name))
		}
		vopts := opts
		vopts.Volume = v.Name
		r, err := NewChunkReader(ctx, host, v.Size, vopts)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.names = append(m.names, name)
		m.readers[name] = r
	}
	m.ChunkReader = m.readers[m.names[0]]
	return m, nil
}

// Name returns the name of the first volume
func (m *MultiVolumeReader) Name() string {
	return m.names[0]
}

// Volumes exposes every volume as a read-only file system
func (m *MultiVolumeReader) Volumes() fs.FS {
	return volumeFS{m}
}

// Passphrase asks once and shares the answer with every volume
func (m *MultiVolumeReader) Passphrase() (string, error) {
	p, err := m.ChunkReader.Passphrase()
	if err != nil {
		return "", err
	}
	for _, r := range m.readers {
		r.SetPassphrase(p)
	}
	return p, nil
}

// SetPassphrase caches a passphrase for every volume
func (m *MultiVolumeReader) SetPassphrase(passphrase string) {
	for _, r := range m.readers {
		r.SetPassphrase(passphrase)
	}
}

// Fetches returns the number of chunk requests sent for all volumes
func (m *MultiVolumeReader) Fetches() int64 {
	var total int64
	for _, r := range m.readers {
		total += r.Fetches()
	}
	return total
}

// Close closes every volume reader
func (m *MultiVolumeReader) Close() error {
	var first error
	for _, r := range m.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type volumeFS struct {
	m *MultiVolumeReader
}

func (v volumeFS) lookup(op, name string) (*ChunkReader, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	r, ok := v.m.readers[path.Base(name)]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return r, nil
}

func (v volumeFS) Open(name string) (fs.File, error) {
	r, err := v.lookup("open", name)
	if err != nil {
		return nil, err
	}
	return &volumeFile{
		SectionReader: io.NewSectionReader(r, 0, r.Size()),
		info:          volumeInfo{name: path.Base(name), size: r.Size()},
	}, nil
}

func (v volumeFS) Stat(name string) (fs.FileInfo, error) {
	r, err := v.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return volumeInfo{name: path.Base(name), size: r.Size()}, nil
}

// volumeFile is an independent cursor over a volume sharing its chunk cache
type volumeFile struct {
	*io.SectionReader
	info volumeInfo
}

func (f *volumeFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *volumeFile) Close() error               { return nil }

type volumeInfo struct {
	name string
	size int64
}

func (i volumeInfo) Name() string       { return i.name }
func (i volumeInfo) Size() int64        { return i.size }
func (i volumeInfo) Mode() fs.FileMode  { return 0o444 }
func (i volumeInfo) ModTime() time.Time { return time.Time{} }
func (i volumeInfo) IsDir() bool        { return false }
func (i volumeInfo) Sys() any           { return nil }
