package host

import (
	"context"
	"io"
	"path"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/crazy-max/unarc/internal/transport"
	"github.com/crazy-max/unarc/pkg/request"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Options holds local host options
type Options struct {
	// Passphrase answers READ_PASSPHRASE. An empty passphrase is refused.
	Passphrase string
	Logger     zerolog.Logger
}

// Local owns archive files and drives a sandbox through conn. It answers the
// chunk and passphrase requests of the sandbox from fs.
type Local struct {
	fs     afero.Fs
	conn   transport.Conn
	opts   Options
	logger zerolog.Logger
	seq    atomic.Uint64

	mu      sync.Mutex
	mounts  map[string]*mount
	waiting map[string]*waiter
}

type waiter struct {
	ch   chan request.Message
	done chan struct{}
}

type mount struct {
	size    int64
	volumes []request.Volume
	paths   map[string]string
}

// New creates a local host. Messages received from the sandbox must be
// passed to Handle.
func New(fs afero.Fs, conn transport.Conn, opts Options) *Local {
	return &Local{
		fs:      fs,
		conn:    conn,
		opts:    opts,
		logger:  opts.Logger,
		mounts:  make(map[string]*mount),
		waiting: make(map[string]*waiter),
	}
}

// Mount registers an archive made of one or more volume files and returns
// its file system id
func (l *Local) Mount(paths ...string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New("no archive to mount")
	}
	m := &mount{paths: make(map[string]string, len(paths))}
	for _, p := range paths {
		fi, err := l.fs.Stat(p)
		if err != nil {
			return "", errors.Wrapf(err, "cannot stat %s", p)
		}
		if fi.IsDir() {
			return "", errors.Errorf("%s is a directory", p)
		}
		name := path.Base(p)
		if _, ok := m.paths[name]; ok {
			return "", errors.Errorf("duplicate volume name %s", name)
		}
		m.paths[name] = p
		m.volumes = append(m.volumes, request.Volume{Name: name, Size: fi.Size()})
	}
	m.size = m.volumes[0].Size

	id := uuid.New().String()
	l.mu.Lock()
	l.mounts[id] = m
	l.mu.Unlock()
	l.logger.Debug().Str("fsid", id).Strs("paths", paths).Msg("Archive mounted")
	return id, nil
}

// Unmount releases the archive on both sides
func (l *Local) Unmount(fileSystemID string) error {
	l.mu.Lock()
	_, ok := l.mounts[fileSystemID]
	delete(l.mounts, fileSystemID)
	l.mu.Unlock()
	if !ok {
		return errors.Errorf("unknown file system %s", fileSystemID)
	}
	return l.conn.Send(request.CloseVolume(fileSystemID, l.nextID()))
}

// Metadata returns the entry tree of a mounted archive
func (l *Local) Metadata(ctx context.Context, fileSystemID string) (map[string]any, error) {
	m, err := l.mount(fileSystemID)
	if err != nil {
		return nil, err
	}
	msg := m.attach(request.ReadMetadata(fileSystemID, l.nextID(), m.size))

	reply, err := l.call(ctx, msg, request.OpReadMetadataDone)
	if err != nil {
		return nil, err
	}
	return reply.Map(request.KeyMetadata), nil
}

// Open opens the entry at index and returns the id of the open request
func (l *Local) Open(ctx context.Context, fileSystemID, filePath string, index int64) (string, error) {
	m, err := l.mount(fileSystemID)
	if err != nil {
		return "", err
	}
	msg := m.attach(request.OpenFile(fileSystemID, l.nextID(), filePath, index, m.size))

	if _, err := l.call(ctx, msg, request.OpOpenFileDone); err != nil {
		return "", err
	}
	return msg.RequestID(), nil
}

// Read reads up to length bytes at offset of an opened entry. Fewer bytes
// are returned at the end of the entry.
func (l *Local) Read(ctx context.Context, fileSystemID, openRequestID string, offset, length int64) ([]byte, error) {
	requestID := l.nextID()
	ch := l.register(requestID)
	defer l.unregister(requestID)

	if err := l.conn.Send(request.ReadFile(fileSystemID, requestID, openRequestID, offset, length)); err != nil {
		return nil, err
	}

	var data []byte
	for {
		reply, err := l.wait(ctx, ch, request.OpReadFileDone)
		if err != nil {
			return nil, err
		}
		data = append(data, reply.Bytes(request.KeyReadFileData)...)
		if !reply.Bool(request.KeyHasMoreData) {
			return data, nil
		}
	}
}

// Close closes an opened entry
func (l *Local) Close(ctx context.Context, fileSystemID, openRequestID string) error {
	_, err := l.call(ctx, request.CloseFile(fileSystemID, l.nextID(), openRequestID), request.OpCloseFileDone)
	return err
}

// Reader returns an io.Reader over an opened entry of size bytes that reads
// it in pieces of chunk bytes
func (l *Local) Reader(ctx context.Context, fileSystemID, openRequestID string, size, chunk int64) io.Reader {
	return &entryReader{ctx: ctx, l: l, fsID: fileSystemID, openID: openRequestID, size: size, chunk: chunk}
}

func (l *Local) mount(fileSystemID string) (*mount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mounts[fileSystemID]
	if !ok {
		return nil, errors.Errorf("unknown file system %s", fileSystemID)
	}
	return m, nil
}

func (m *mount) attach(msg request.Message) request.Message {
	if len(m.volumes) > 1 {
		return msg.WithVolumes(m.volumes)
	}
	return msg
}

func (l *Local) nextID() string {
	return strconv.FormatUint(l.seq.Add(1), 10)
}

func (l *Local) register(requestID string) chan request.Message {
	w := &waiter{
		ch:   make(chan request.Message, 16),
		done: make(chan struct{}),
	}
	l.mu.Lock()
	l.waiting[requestID] = w
	l.mu.Unlock()
	return w.ch
}

func (l *Local) unregister(requestID string) {
	l.mu.Lock()
	if w, ok := l.waiting[requestID]; ok {
		close(w.done)
		delete(l.waiting, requestID)
	}
	l.mu.Unlock()
}

func (l *Local) call(ctx context.Context, msg request.Message, expect request.Operation) (request.Message, error) {
	ch := l.register(msg.RequestID())
	defer l.unregister(msg.RequestID())

	if err := l.conn.Send(msg); err != nil {
		return nil, err
	}
	return l.wait(ctx, ch, expect)
}

func (l *Local) wait(ctx context.Context, ch chan request.Message, expect request.Operation) (request.Message, error) {
	select {
	case reply := <-ch:
		switch op := reply.Operation(); op {
		case expect:
			return reply, nil
		case request.OpFileSystemError:
			return nil, errors.New(reply.String(request.KeyError))
		default:
			return nil, errors.Errorf("unexpected %s, expected %s", op, expect)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type entryReader struct {
	ctx    context.Context
	l      *Local
	fsID   string
	openID string
	size   int64
	chunk  int64
	offset int64
	buf    []byte
}

func (r *entryReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.offset >= r.size {
			return 0, io.EOF
		}
		data, err := r.l.Read(r.ctx, r.fsID, r.openID, r.offset, min(r.chunk, r.size-r.offset))
		if err != nil {
			return 0, err
		}
		if len(data) == 0 {
			return 0, io.ErrUnexpectedEOF
		}
		r.offset += int64(len(data))
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
