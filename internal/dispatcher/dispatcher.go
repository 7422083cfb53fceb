package dispatcher

import (
	"context"
	"sync"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/crazy-max/unarc/pkg/volume"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultReadFileChunk is the largest payload of a single READ_FILE_DONE
const DefaultReadFileChunk int64 = 512 * 1024

// Sender delivers messages to the host. Send may be called from several
// goroutines at once.
type Sender interface {
	Send(msg request.Message) error
}

// Options holds dispatcher options
type Options struct {
	ChunkSize     int64
	CacheChunks   int
	FetchAttempts uint
	ReadFileChunk int64

	// InMemory fetches whole single-volume archives before decoding them.
	InMemory bool

	// ForwardLogs mirrors warnings and errors to the host as CONSOLE_LOG.
	ForwardLogs bool

	// Backend decodes archives. volume.ArchivesBackend is used if nil.
	Backend volume.Backend

	Logger zerolog.Logger
}

type key struct {
	fileSystemID string
	requestID    string
}

// Dispatcher routes host messages to one worker per file system and replies
// from the host to the reader waiting for them.
type Dispatcher struct {
	sender Sender
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[key]chan request.Message
	volumes map[string]*Volume
	closed  bool
	wg      sync.WaitGroup
}

// New creates a dispatcher answering through sender
func New(sender Sender, opts Options) *Dispatcher {
	if opts.ReadFileChunk <= 0 {
		opts.ReadFileChunk = DefaultReadFileChunk
	}
	return &Dispatcher{
		sender:  sender,
		opts:    opts,
		logger:  opts.Logger,
		pending: make(map[key]chan request.Message),
		volumes: make(map[string]*Volume),
	}
}

// Handle processes a message received from the host. It never blocks on
// archive work: requests are queued on the worker of their file system.
func (d *Dispatcher) Handle(ctx context.Context, msg request.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return errors.Wrap(err, "invalid message")
	}

	op := msg.Operation()
	if op.IsReply() {
		d.deliver(msg)
		return nil
	}

	switch op {
	case request.OpReadMetadata, request.OpOpenFile, request.OpReadFile, request.OpCloseFile:
		v, err := d.volume(msg.FileSystemID())
		if err == nil && !v.enqueue(msg) {
			err = errors.New("volume closed")
		}
		if err != nil {
			return d.send(request.FileSystemError(msg.FileSystemID(), msg.RequestID(), err.Error()))
		}
	case request.OpCloseVolume:
		d.mu.Lock()
		v, ok := d.volumes[msg.FileSystemID()]
		d.mu.Unlock()
		if !ok {
			d.logger.Debug().Str("fsid", msg.FileSystemID()).Msg("Close of unknown volume ignored")
			return nil
		}
		v.shutdown(msg)
	default:
		d.logger.Warn().Str("fsid", msg.FileSystemID()).Msgf("Unsupported operation %s", op)
		return d.send(request.FileSystemError(msg.FileSystemID(), msg.RequestID(), "unsupported operation "+op.String()))
	}
	return nil
}

// Close stops every worker, releasing their archives, and waits for them
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	volumes := make([]*Volume, 0, len(d.volumes))
	for _, v := range d.volumes {
		volumes = append(volumes, v)
	}
	d.mu.Unlock()

	for _, v := range volumes {
		v.shutdown(request.CloseVolume(v.id, ""))
	}
	d.wg.Wait()
	return nil
}

// Volumes returns the number of file systems with a live worker
func (d *Dispatcher) Volumes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.volumes)
}

func (d *Dispatcher) volume(fileSystemID string) (*Volume, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// a closing volume keeps its worker until its archives are released,
	// new requests get a fresh one
	if v, ok := d.volumes[fileSystemID]; ok && !v.isStopping() {
		return v, nil
	}
	if d.closed {
		return nil, errors.New("dispatcher closed")
	}
	v := newVolume(d, fileSystemID)
	d.volumes[fileSystemID] = v
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		v.run()
	}()
	return v, nil
}

func (d *Dispatcher) forget(v *Volume) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.volumes[v.id] == v {
		delete(d.volumes, v.id)
	}
}

func (d *Dispatcher) send(msg request.Message) error {
	if err := d.sender.Send(msg); err != nil {
		return errors.Wrapf(err, "cannot send %s", msg.Operation())
	}
	return nil
}

// call sends msg and waits for the host reply correlated by the pair
// fileSystemID, requestID. The correlation entry is removed when ctx is done
// so that a late reply is dropped.
func (d *Dispatcher) call(ctx context.Context, fileSystemID, requestID string, msg request.Message) (request.Message, error) {
	k := key{fileSystemID: fileSystemID, requestID: requestID}
	ch := make(chan request.Message, 1)

	d.mu.Lock()
	if _, busy := d.pending[k]; busy {
		d.mu.Unlock()
		return nil, errors.Errorf("request %s is already waiting for the host", requestID)
	}
	d.pending[k] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.pending[k] == ch {
			delete(d.pending, k)
		}
		d.mu.Unlock()
	}()

	if err := d.send(msg); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) deliver(msg request.Message) {
	k := key{fileSystemID: msg.FileSystemID(), requestID: msg.RequestID()}

	d.mu.Lock()
	ch, ok := d.pending[k]
	if ok {
		delete(d.pending, k)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug().Str("fsid", k.fileSystemID).Str("request", k.requestID).Msgf("Dropping stale %s", msg.Operation())
		return
	}
	ch <- msg
}
