package host

import (
	"context"
	"io"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/pkg/errors"
)

// Handle processes a message sent by the sandbox. Chunk and passphrase
// requests are answered on their own goroutine so that the receive loop
// keeps draining the connection.
func (l *Local) Handle(_ context.Context, msg request.Message) error {
	if err := msg.Validate(); err != nil {
		return errors.Wrap(err, "invalid message")
	}

	switch op := msg.Operation(); op {
	case request.OpReadChunk:
		go l.answerChunk(msg)
	case request.OpReadPassphrase:
		go l.answerPassphrase(msg)
	case request.OpConsoleLog:
		l.logger.Warn().
			Str("fsid", msg.FileSystemID()).
			Str("request", msg.RequestID()).
			Str("src_file", msg.String(request.KeySrcFile)).
			Int("src_line", msg.Int(request.KeySrcLine)).
			Str("src_func", msg.String(request.KeySrcFunc)).
			Msg(msg.String(request.KeyMessage))
	case request.OpReadMetadataDone, request.OpOpenFileDone, request.OpCloseFileDone,
		request.OpReadFileDone, request.OpFileSystemError:
		l.mu.Lock()
		w, ok := l.waiting[msg.RequestID()]
		l.mu.Unlock()
		if !ok {
			l.logger.Debug().Str("request", msg.RequestID()).Msgf("Dropping unexpected %s", op)
			return nil
		}
		select {
		case w.ch <- msg:
		case <-w.done:
		}
	default:
		return errors.Errorf("unsupported operation %s", op)
	}
	return nil
}

func (l *Local) answerChunk(msg request.Message) {
	offset := request.DecodeInt64(msg, request.KeyOffset)
	length := request.DecodeInt64(msg, request.KeyLength)
	data, err := l.readChunk(msg.FileSystemID(), msg.String(request.KeyVolume), offset, length)

	reply := request.ReadChunkDone(msg.FileSystemID(), msg.RequestID(), data, offset)
	if err != nil {
		l.logger.Error().Err(err).Str("fsid", msg.FileSystemID()).Int64("offset", offset).Msg("Cannot read chunk")
		reply = request.ReadChunkError(msg.FileSystemID(), msg.RequestID(), err.Error())
	}
	if err := l.conn.Send(reply); err != nil {
		l.logger.Debug().Err(err).Msg("Cannot answer chunk request")
	}
}

func (l *Local) readChunk(fileSystemID, volume string, offset, length int64) ([]byte, error) {
	m, err := l.mount(fileSystemID)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, errors.Errorf("invalid range %d+%d", offset, length)
	}

	name := m.volumes[0].Name
	if volume != "" {
		name = volume
	}
	p, ok := m.paths[name]
	if !ok {
		return nil, errors.Errorf("unknown volume %s", volume)
	}

	f, err := l.fs.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s", p)
	}
	defer f.Close()

	data := make([]byte, length)
	n, err := f.ReadAt(data, offset)
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "cannot read %s", p)
	}
	return data[:n], nil
}

func (l *Local) answerPassphrase(msg request.Message) {
	reply := request.ReadPassphraseDone(msg.FileSystemID(), msg.RequestID(), l.opts.Passphrase)
	if l.opts.Passphrase == "" {
		l.logger.Warn().Str("fsid", msg.FileSystemID()).Msg("Archive is encrypted but no passphrase is set")
		reply = request.ReadPassphraseError(msg.FileSystemID(), msg.RequestID(), "no passphrase")
	}
	if err := l.conn.Send(reply); err != nil {
		l.logger.Debug().Err(err).Msg("Cannot answer passphrase request")
	}
}
