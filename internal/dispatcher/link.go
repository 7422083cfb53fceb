package dispatcher

import (
	"context"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/pkg/errors"
)

// link is the host seen by the readers of one request
type link struct {
	d            *Dispatcher
	fileSystemID string
	requestID    string
}

func (l link) ReadChunk(ctx context.Context, volume string, offset, length int64) ([]byte, error) {
	msg := request.ReadVolumeChunk(l.fileSystemID, l.requestID, volume, offset, length)
	reply, err := l.d.call(ctx, l.fileSystemID, l.requestID, msg)
	if err != nil {
		return nil, err
	}

	switch op := reply.Operation(); op {
	case request.OpReadChunkDone:
		if got := request.DecodeInt64(reply, request.KeyOffset); got != offset {
			return nil, errors.Errorf("host answered offset %d, expected %d", got, offset)
		}
		return reply.Bytes(request.KeyChunkBuffer), nil
	case request.OpReadChunkError:
		return nil, hostError(reply, "host failed to read chunk")
	default:
		return nil, errors.Errorf("unexpected %s in answer to %s", op, request.OpReadChunk)
	}
}

func (l link) ReadPassphrase(ctx context.Context) (string, error) {
	msg := request.ReadPassphrase(l.fileSystemID, l.requestID)
	reply, err := l.d.call(ctx, l.fileSystemID, l.requestID, msg)
	if err != nil {
		return "", err
	}

	switch op := reply.Operation(); op {
	case request.OpReadPassphraseDone:
		return reply.String(request.KeyPassphrase), nil
	case request.OpReadPassphraseError:
		return "", hostError(reply, "host gave no passphrase")
	default:
		return "", errors.Errorf("unexpected %s in answer to %s", op, request.OpReadPassphrase)
	}
}

func hostError(reply request.Message, msg string) error {
	if detail := reply.String(request.KeyError); detail != "" {
		return errors.Errorf("%s: %s", msg, detail)
	}
	return errors.New(msg)
}
