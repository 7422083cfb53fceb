package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/crazy-max/unarc/pkg/request"
	"github.com/pkg/errors"
)

// Conn is a message oriented connection with the other side of the protocol.
// Send may be called from several goroutines, Receive from one only.
type Conn interface {
	Receive(ctx context.Context) (request.Message, error)
	Send(msg request.Message) error
	Close() error
}

// StreamConn carries codec encoded messages over a byte stream such as the
// standard input and output of the process
type StreamConn struct {
	dec     Decoder
	enc     Encoder
	mu      sync.Mutex
	closers []io.Closer
	once    sync.Once
}

// NewStreamConn reads messages from r and writes them to w. Close closes r
// and w when they implement io.Closer.
func NewStreamConn(r io.Reader, w io.Writer, codec Codec) *StreamConn {
	c := &StreamConn{
		dec: codec.NewDecoder(r),
		enc: codec.NewEncoder(w),
	}
	for _, v := range []any{r, w} {
		if closer, ok := v.(io.Closer); ok {
			c.closers = append(c.closers, closer)
		}
	}
	return c
}

// Receive blocks until a message is decoded. io.EOF is returned once the
// stream ends.
func (c *StreamConn) Receive(ctx context.Context) (request.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg request.Message
	if err := c.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "cannot decode message")
	}
	return msg, nil
}

func (c *StreamConn) Send(msg request.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return errors.Wrap(err, "cannot encode message")
	}
	return nil
}

func (c *StreamConn) Close() error {
	var err error
	c.once.Do(func() {
		for _, closer := range c.closers {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Pipe returns the two ends of an in-memory connection. Messages go
// through codec like they would on a real stream.
func Pipe(codec Codec) (*StreamConn, *StreamConn) {
	a, b := net.Pipe()
	return NewStreamConn(a, a, codec), NewStreamConn(b, b, codec)
}
