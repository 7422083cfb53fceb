package dispatcher

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/crazy-max/unarc/pkg/volume"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Volume serves the requests of one file system. Its messages are handled in
// order on a single goroutine, which is the only one touching its archives.
type Volume struct {
	id     string
	d      *Dispatcher
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []request.Message
	wake     chan struct{}
	stopping bool
	stopped  bool

	current    atomic.Value
	passphrase string
	files      map[string]*volume.Archive
}

func newVolume(d *Dispatcher, id string) *Volume {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Volume{
		id:     id,
		d:      d,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		files:  make(map[string]*volume.Archive),
	}
	v.current.Store("")
	v.logger = d.logger.With().Str("fsid", id).Logger()
	if d.opts.ForwardLogs {
		v.logger = v.logger.Hook(consoleHook{d: d, fileSystemID: id, requestID: &v.current})
	}
	return v
}

func (v *Volume) enqueue(msg request.Message) bool {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return false
	}
	v.queue = append(v.queue, msg)
	v.mu.Unlock()
	select {
	case v.wake <- struct{}{}:
	default:
	}
	return true
}

func (v *Volume) isStopping() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopping
}

// shutdown abandons pending host requests and queues the release of every
// archive of the volume
func (v *Volume) shutdown(msg request.Message) {
	v.mu.Lock()
	already := v.stopping
	v.stopping = true
	v.mu.Unlock()
	if already {
		return
	}
	v.cancel()
	v.enqueue(msg)
}

func (v *Volume) next() request.Message {
	for {
		v.mu.Lock()
		if len(v.queue) > 0 {
			msg := v.queue[0]
			v.queue[0] = nil
			v.queue = v.queue[1:]
			v.mu.Unlock()
			return msg
		}
		v.mu.Unlock()
		<-v.wake
	}
}

func (v *Volume) run() {
	for {
		msg := v.next()
		v.current.Store(msg.RequestID())
		log := v.logger.With().Str("request", msg.RequestID()).Logger()
		log.Debug().Msgf("Processing %s", msg.Operation())

		var err error
		switch msg.Operation() {
		case request.OpReadMetadata:
			err = v.readMetadata(log, msg)
		case request.OpOpenFile:
			err = v.openFile(log, msg)
		case request.OpReadFile:
			err = v.readFile(log, msg)
		case request.OpCloseFile:
			err = v.closeFile(log, msg)
		case request.OpCloseVolume:
			v.close(log)
			return
		}
		if err != nil {
			log.Error().Err(err).Msgf("%s failed", msg.Operation())
			if err := v.d.send(request.FileSystemError(v.id, msg.RequestID(), err.Error())); err != nil {
				log.Debug().Err(err).Msg("Cannot report failure to host")
			}
		}
	}
}

func (v *Volume) close(log zerolog.Logger) {
	v.d.forget(v)
	for id, a := range v.files {
		if err := a.Cleanup(); err != nil {
			log.Debug().Err(err).Str("open_request", id).Msg("Cleanup failed")
		}
		delete(v.files, id)
	}
	v.logger.Debug().Msg("Volume closed")

	// requests racing the close are answered rather than left hanging
	v.mu.Lock()
	left := v.queue
	v.queue = nil
	v.stopped = true
	v.mu.Unlock()
	for _, msg := range left {
		_ = v.d.send(request.FileSystemError(v.id, msg.RequestID(), "volume closed"))
	}
}

func (v *Volume) setPassphrase(p string) {
	v.passphrase = p
}

func (v *Volume) newReader(log zerolog.Logger, requestID string, size int64, volumes []request.Volume) (volume.Reader, error) {
	opts := volume.ChunkOptions{
		ChunkSize:     v.d.opts.ChunkSize,
		CacheChunks:   v.d.opts.CacheChunks,
		FetchAttempts: v.d.opts.FetchAttempts,
		Logger:        log,
		OnPassphrase:  v.setPassphrase,
	}
	host := link{d: v.d, fileSystemID: v.id, requestID: requestID}

	if len(volumes) > 1 {
		m, err := volume.NewMultiVolumeReader(v.ctx, host, volumes, opts)
		if err != nil {
			return nil, err
		}
		if v.passphrase != "" {
			m.SetPassphrase(v.passphrase)
		}
		return m, nil
	}

	if len(volumes) == 1 {
		opts.Volume = volumes[0].Name
		size = volumes[0].Size
	}
	c, err := volume.NewChunkReader(v.ctx, host, size, opts)
	if err != nil {
		return nil, err
	}
	if v.passphrase != "" {
		c.SetPassphrase(v.passphrase)
	}
	if !v.d.opts.InMemory {
		return c, nil
	}

	defer c.Close()
	data := make([]byte, size)
	if _, err := io.ReadFull(c, data); err != nil {
		return nil, errors.Wrap(err, "cannot load archive in memory")
	}
	mr := volume.NewMemoryReader(data)
	if v.passphrase != "" {
		mr.SetPassphrase(v.passphrase)
	}
	return mr, nil
}

func (v *Volume) openArchive(log zerolog.Logger, msg request.Message) (*volume.Archive, error) {
	if p := msg.String(request.KeyPassphrase); p != "" {
		v.passphrase = p
	}
	size := request.DecodeInt64(msg, request.KeyArchiveSize)
	r, err := v.newReader(log, msg.RequestID(), size, msg.Volumes())
	if err != nil {
		return nil, err
	}

	opts := []volume.Option{volume.WithLogger(log)}
	if v.d.opts.Backend != nil {
		opts = append(opts, volume.WithBackend(v.d.opts.Backend))
	}
	a := volume.NewArchive(msg.RequestID(), r, opts...)
	if err := a.Init(v.ctx); err != nil {
		if errors.Is(err, volume.ErrPassphraseRejected) {
			v.passphrase = ""
		}
		if cerr := a.Cleanup(); cerr != nil {
			log.Debug().Err(cerr).Msg("Cleanup after failed init")
		}
		return nil, err
	}
	return a, nil
}

func (v *Volume) readMetadata(log zerolog.Logger, msg request.Message) error {
	a, err := v.openArchive(log, msg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Cleanup(); err != nil {
			log.Debug().Err(err).Msg("Cleanup failed")
		}
	}()

	t := newTree()
	for index := int64(0); ; index++ {
		e, err := a.NextHeader(v.ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		t.add(index, e)
	}
	return v.d.send(request.ReadMetadataDone(v.id, msg.RequestID(), t.root))
}

func (v *Volume) openFile(log zerolog.Logger, msg request.Message) error {
	if _, ok := v.files[msg.RequestID()]; ok {
		return errors.Errorf("file already opened by request %s", msg.RequestID())
	}
	index := request.DecodeInt64(msg, request.KeyIndex)
	filePath := msg.String(request.KeyFilePath)
	if index < 0 {
		return errors.Wrapf(volume.ErrInvalidArgument, "negative index %d", index)
	}

	a, err := v.openArchive(log, msg)
	if err != nil {
		return err
	}
	if err := v.seekEntry(a, index, filePath); err != nil {
		if cerr := a.Cleanup(); cerr != nil {
			log.Debug().Err(cerr).Msg("Cleanup failed")
		}
		return err
	}

	v.files[msg.RequestID()] = a
	log.Debug().Str("path", filePath).Int64("index", index).Msg("File opened")
	return v.d.send(request.OpenFileDone(v.id, msg.RequestID()))
}

func (v *Volume) seekEntry(a *volume.Archive, index int64, filePath string) error {
	for i := int64(0); i <= index; i++ {
		e, err := a.NextHeader(v.ctx)
		if err == io.EOF {
			return errors.Errorf("no entry at index %d", index)
		} else if err != nil {
			return err
		}
		if i < index {
			continue
		}
		if filePath != "" && cleanPath(filePath) != e.Path {
			return errors.Errorf("entry %d is %s, not %s", index, e.Path, filePath)
		}
		if e.IsDir {
			return errors.Errorf("%s is a directory", e.Path)
		}
	}
	return nil
}

func (v *Volume) readFile(log zerolog.Logger, msg request.Message) error {
	openRequestID := msg.String(request.KeyOpenRequestID)
	a, ok := v.files[openRequestID]
	if !ok {
		return errors.Errorf("no file opened by request %s", openRequestID)
	}
	offset := request.DecodeInt64(msg, request.KeyOffset)
	length := request.DecodeInt64(msg, request.KeyLength)
	if length <= 0 || offset < 0 {
		return errors.Wrapf(volume.ErrInvalidArgument, "offset %d length %d", offset, length)
	}

	e, _ := a.Entry()
	if remaining := e.Size - offset; remaining < length {
		length = max(remaining, 0)
	}
	if length == 0 {
		return v.d.send(request.ReadFileDone(v.id, msg.RequestID(), []byte{}, false))
	}

	for length > 0 {
		n := min(length, v.d.opts.ReadFileChunk)
		buf := make([]byte, n)
		if err := a.ReadData(v.ctx, offset, buf); err != nil {
			if volume.IsFatal(err) {
				v.drop(log, openRequestID, a)
			}
			return err
		}
		offset += n
		length -= n
		if err := v.d.send(request.ReadFileDone(v.id, msg.RequestID(), buf, length > 0)); err != nil {
			return err
		}
	}
	return nil
}

func (v *Volume) closeFile(log zerolog.Logger, msg request.Message) error {
	openRequestID := msg.String(request.KeyOpenRequestID)
	a, ok := v.files[openRequestID]
	if !ok {
		return errors.Errorf("no file opened by request %s", openRequestID)
	}
	delete(v.files, openRequestID)
	if err := a.Cleanup(); err != nil {
		return err
	}
	log.Debug().Str("open_request", openRequestID).Msg("File closed")
	return v.d.send(request.CloseFileDone(v.id, msg.RequestID(), openRequestID))
}

func (v *Volume) drop(log zerolog.Logger, openRequestID string, a *volume.Archive) {
	delete(v.files, openRequestID)
	if err := a.Cleanup(); err != nil {
		log.Debug().Err(err).Msg("Cleanup failed")
	}
}
