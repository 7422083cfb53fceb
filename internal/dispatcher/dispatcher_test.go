package dispatcher

import (
	"bytes"
	"context"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/mholt/archives"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fsID = "fs-1"

// testHost answers chunk and passphrase requests from memory and records
// every other message sent by the dispatcher
type testHost struct {
	t          *testing.T
	d          *Dispatcher
	archive    []byte
	passphrase string
	hold       bool

	mu      sync.Mutex
	chunks  int
	held    []request.Message
	out     chan request.Message
	console []request.Message
}

func newTestHost(t *testing.T, archive []byte, opts Options) *testHost {
	h := &testHost{t: t, archive: archive, out: make(chan request.Message, 1024)}
	h.d = New(h, opts)
	t.Cleanup(func() {
		_ = h.d.Close()
	})
	return h
}

func (h *testHost) Send(msg request.Message) error {
	switch msg.Operation() {
	case request.OpReadChunk:
		h.mu.Lock()
		h.chunks++
		if h.hold {
			h.held = append(h.held, msg)
			h.mu.Unlock()
			return nil
		}
		h.mu.Unlock()
		go h.answerChunk(msg)
	case request.OpReadPassphrase:
		reply := request.ReadPassphraseDone(msg.FileSystemID(), msg.RequestID(), h.passphrase)
		if h.passphrase == "" {
			reply = request.ReadPassphraseError(msg.FileSystemID(), msg.RequestID(), "canceled")
		}
		go func() {
			_ = h.d.Handle(context.Background(), reply)
		}()
	case request.OpConsoleLog:
		h.mu.Lock()
		h.console = append(h.console, msg)
		h.mu.Unlock()
	default:
		h.out <- msg
	}
	return nil
}

func (h *testHost) answerChunk(msg request.Message) {
	offset := request.DecodeInt64(msg, request.KeyOffset)
	length := request.DecodeInt64(msg, request.KeyLength)
	end := min(offset+length, int64(len(h.archive)))
	reply := request.ReadChunkDone(msg.FileSystemID(), msg.RequestID(), h.archive[offset:end], offset)
	_ = h.d.Handle(context.Background(), reply)
}

func (h *testHost) handle(msg request.Message) {
	require.NoError(h.t, h.d.Handle(context.Background(), msg))
}

func (h *testHost) receive() request.Message {
	select {
	case msg := <-h.out:
		return msg
	case <-time.After(10 * time.Second):
		h.t.Fatal("no message from dispatcher")
		return nil
	}
}

func (h *testHost) size() int64 {
	return int64(len(h.archive))
}

func buildZip(t *testing.T, files map[string]string, order ...string) []byte {
	t.Helper()
	mfs := fstest.MapFS{}
	for name, data := range files {
		mfs[name] = &fstest.MapFile{Data: []byte(data), Mode: 0o644, ModTime: time.Unix(1700000000, 0)}
	}
	var infos []archives.FileInfo
	for _, name := range order {
		fi, err := fs.Stat(mfs, name)
		require.NoError(t, err)
		infos = append(infos, archives.FileInfo{
			FileInfo:      fi,
			NameInArchive: name,
			Open: func() (fs.File, error) {
				return mfs.Open(name)
			},
		})
	}
	var buf bytes.Buffer
	require.NoError(t, archives.Zip{}.Archive(context.Background(), &buf, infos))
	return buf.Bytes()
}

var sample = map[string]string{
	"f1":        "0123456789",
	"docs/f2":   "abcdefghijklmnopqrst",
	"docs/f3.b": strings.Repeat("z", 100),
}

// garbage starts with a byte no decoder accepts, brotli included
var garbage = append([]byte{0x11}, strings.Repeat("not an archive ", 10)...)

func sampleZip(t *testing.T) []byte {
	return buildZip(t, sample, "f1", "docs/f2", "docs/f3.b")
}

func TestReadMetadata(t *testing.T) {
	h := newTestHost(t, sampleZip(t), Options{ChunkSize: 64})
	h.handle(request.ReadMetadata(fsID, "1", h.size()))

	reply := h.receive()
	require.Equal(t, request.OpReadMetadataDone, reply.Operation())
	assert.Equal(t, "1", reply.RequestID())

	root := reply.Map(request.KeyMetadata)
	require.NotNil(t, root)
	assert.Equal(t, true, root[keyIsDirectory])

	entries := root[keyEntries].(map[string]any)
	f1 := entries["f1"].(map[string]any)
	assert.Equal(t, false, f1[keyIsDirectory])
	assert.Equal(t, "10", f1[keySize])
	assert.Equal(t, "0", f1[keyIndex])
	assert.Equal(t, int64(1700000000), f1[keyModificationTime])

	docs := entries["docs"].(map[string]any)
	assert.Equal(t, true, docs[keyIsDirectory])
	docEntries := docs[keyEntries].(map[string]any)
	assert.Equal(t, "1", docEntries["f2"].(map[string]any)[keyIndex])
	assert.Equal(t, "100", docEntries["f3.b"].(map[string]any)[keySize])
	assert.Equal(t, "2", docEntries["f3.b"].(map[string]any)[keyIndex])
}

func TestOpenReadCloseFile(t *testing.T) {
	h := newTestHost(t, sampleZip(t), Options{ChunkSize: 64, ReadFileChunk: 8})

	h.handle(request.OpenFile(fsID, "open-1", "docs/f2", 1, h.size()))
	reply := h.receive()
	require.Equal(t, request.OpOpenFileDone, reply.Operation(), reply)

	h.handle(request.ReadFile(fsID, "read-1", "open-1", 5, 10))
	first := h.receive()
	require.Equal(t, request.OpReadFileDone, first.Operation(), first)
	assert.Equal(t, "fghijklm", string(first.Bytes(request.KeyReadFileData)))
	assert.True(t, first.Bool(request.KeyHasMoreData))
	second := h.receive()
	assert.Equal(t, "no", string(second.Bytes(request.KeyReadFileData)))
	assert.False(t, second.Bool(request.KeyHasMoreData))

	// backward read
	h.handle(request.ReadFile(fsID, "read-2", "open-1", 0, 3))
	reply = h.receive()
	assert.Equal(t, "read-2", reply.RequestID())
	assert.Equal(t, "abc", string(reply.Bytes(request.KeyReadFileData)))

	// clamped to the entry size
	h.handle(request.ReadFile(fsID, "read-3", "open-1", 18, 100))
	reply = h.receive()
	assert.Equal(t, "st", string(reply.Bytes(request.KeyReadFileData)))
	assert.False(t, reply.Bool(request.KeyHasMoreData))

	h.handle(request.ReadFile(fsID, "read-4", "open-1", 20, 5))
	reply = h.receive()
	assert.Empty(t, reply.Bytes(request.KeyReadFileData))
	assert.False(t, reply.Bool(request.KeyHasMoreData))

	h.handle(request.CloseFile(fsID, "close-1", "open-1"))
	reply = h.receive()
	require.Equal(t, request.OpCloseFileDone, reply.Operation())
	assert.Equal(t, "open-1", reply.String(request.KeyOpenRequestID))

	h.handle(request.ReadFile(fsID, "read-5", "open-1", 0, 1))
	reply = h.receive()
	assert.Equal(t, request.OpFileSystemError, reply.Operation())
	assert.Contains(t, reply.String(request.KeyError), "no file opened by request open-1")
}

func TestFileSystemErrors(t *testing.T) {
	h := newTestHost(t, sampleZip(t), Options{})

	h.handle(request.OpenFile(fsID, "open-1", "f1", 0, h.size()))
	require.Equal(t, request.OpOpenFileDone, h.receive().Operation())

	h.handle(request.ReadFile(fsID, "read-1", "open-1", 0, 0))
	reply := h.receive()
	assert.Equal(t, request.OpFileSystemError, reply.Operation())
	assert.Contains(t, reply.String(request.KeyError), "invalid argument")

	h.handle(request.OpenFile(fsID, "open-2", "f1", 1, h.size()))
	reply = h.receive()
	assert.Equal(t, request.OpFileSystemError, reply.Operation())
	assert.Contains(t, reply.String(request.KeyError), "entry 1 is docs/f2, not f1")

	h.handle(request.OpenFile(fsID, "open-3", "", 9, h.size()))
	reply = h.receive()
	assert.Contains(t, reply.String(request.KeyError), "no entry at index 9")

	h.handle(request.CloseFile(fsID, "close-1", "unknown"))
	reply = h.receive()
	assert.Equal(t, request.OpFileSystemError, reply.Operation())
	assert.Equal(t, "close-1", reply.RequestID())

	h.handle(request.Message{
		request.KeyOperation:    int(request.OpReadMetadataDone),
		request.KeyFileSystemID: fsID,
		request.KeyRequestID:    "x",
	})
	reply = h.receive()
	assert.Contains(t, reply.String(request.KeyError), "unsupported operation READ_METADATA_DONE")

	assert.Error(t, h.d.Handle(context.Background(), request.Message{request.KeyOperation: 0}))
}

func TestUnsupportedArchive(t *testing.T) {
	h := newTestHost(t, garbage, Options{})
	h.handle(request.ReadMetadata(fsID, "1", h.size()))
	reply := h.receive()
	assert.Equal(t, request.OpFileSystemError, reply.Operation())
	assert.Contains(t, reply.String(request.KeyError), "unsupported format")
}

func TestInMemory(t *testing.T) {
	h := newTestHost(t, sampleZip(t), Options{InMemory: true, ChunkSize: 16})
	h.handle(request.OpenFile(fsID, "open-1", "docs/f3.b", 2, h.size()))
	require.Equal(t, request.OpOpenFileDone, h.receive().Operation())

	h.mu.Lock()
	chunks := h.chunks
	h.mu.Unlock()
	h.handle(request.ReadFile(fsID, "read-1", "open-1", 90, 10))
	reply := h.receive()
	assert.Equal(t, strings.Repeat("z", 10), string(reply.Bytes(request.KeyReadFileData)))

	h.handle(request.ReadFile(fsID, "read-2", "open-1", 0, 10))
	h.receive()
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, chunks, h.chunks, "archive is served from memory")
}

func TestStaleReplyDropped(t *testing.T) {
	h := newTestHost(t, sampleZip(t), Options{})
	h.handle(request.ReadChunkDone(fsID, "nobody", []byte("late"), 0))
	h.handle(request.ReadPassphraseDone("other", "1", "pw"))

	h.handle(request.ReadMetadata(fsID, "1", h.size()))
	assert.Equal(t, request.OpReadMetadataDone, h.receive().Operation())
}

func TestCloseVolumeAbandonsFetch(t *testing.T) {
	h := newTestHost(t, sampleZip(t), Options{})
	h.hold = true

	h.handle(request.ReadMetadata(fsID, "1", h.size()))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.held) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.d.Volumes())

	h.handle(request.CloseVolume(fsID, "2"))
	reply := h.receive()
	assert.Equal(t, request.OpFileSystemError, reply.Operation())
	assert.Equal(t, "1", reply.RequestID())
	require.Eventually(t, func() bool {
		return h.d.Volumes() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// the reply for the abandoned fetch arrives late and is ignored
	h.mu.Lock()
	held := h.held[0]
	h.hold = false
	h.mu.Unlock()
	h.answerChunk(held)

	// the file system can be mounted again
	h.handle(request.ReadMetadata(fsID, "3", h.size()))
	assert.Equal(t, request.OpReadMetadataDone, h.receive().Operation())
}

func TestVolumesProgressIndependently(t *testing.T) {
	h := newTestHost(t, sampleZip(t), Options{})
	h.hold = true
	h.handle(request.ReadMetadata("stuck", "1", h.size()))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.held) == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	h.hold = false
	h.mu.Unlock()
	h.handle(request.ReadMetadata(fsID, "1", h.size()))
	reply := h.receive()
	assert.Equal(t, request.OpReadMetadataDone, reply.Operation())
	assert.Equal(t, fsID, reply.FileSystemID())
}

func TestConsoleLogForwarding(t *testing.T) {
	h := newTestHost(t, garbage, Options{
		ForwardLogs: true,
		Logger:      zerolog.New(zerolog.NewTestWriter(t)),
	})
	h.handle(request.ReadMetadata(fsID, "7", h.size()))
	assert.Equal(t, request.OpFileSystemError, h.receive().Operation())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.console)
	msg := h.console[0]
	assert.Equal(t, "7", msg.RequestID())
	assert.Equal(t, "READ_METADATA failed", msg.String(request.KeyMessage))
	assert.True(t, strings.HasSuffix(msg.String(request.KeySrcFile), "worker.go"))
	assert.Contains(t, msg.String(request.KeySrcFunc), "run")
}
