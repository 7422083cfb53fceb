package volume

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateCleaned
)

// Archive walks the entries of an archive read through a Reader and serves
// reads at arbitrary offsets of the current entry on top of a forward-only
// decoder. An Archive is not safe for concurrent use.
type Archive struct {
	requestID string
	reader    Reader
	backend   Backend
	logger    zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	state   state
	session Session

	// entry peeked by Init, handed out by the first NextHeader
	peeked    bool
	peekEntry Entry
	peekErr   error

	entry      Entry
	hasEntry   bool
	index      int
	dataOffset int64
	passphrase string
	restarts   int
	lastErr    error
}

// Option configures an Archive
type Option func(*Archive)

// WithBackend sets the decode backend. ArchivesBackend is used by default.
func WithBackend(b Backend) Option {
	return func(a *Archive) {
		a.backend = b
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(a *Archive) {
		a.logger = l
	}
}

// NewArchive creates an archive for the request requestID. The archive takes
// ownership of r and closes it in Cleanup.
func NewArchive(requestID string, r Reader, opts ...Option) *Archive {
	a := &Archive{
		requestID: requestID,
		reader:    r,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.backend == nil {
		a.backend = ArchivesBackend{Logger: a.logger}
	}
	return a
}

// RequestID returns the request the archive was created for
func (a *Archive) RequestID() string {
	return a.requestID
}

// Entry returns the entry reached by the last NextHeader
func (a *Archive) Entry() (Entry, bool) {
	return a.entry, a.hasEntry
}

// DataOffset returns the decode position inside the current entry
func (a *Archive) DataOffset() int64 {
	return a.dataOffset
}

// Restarts returns how many times the decode session was reopened to serve
// a backward read
func (a *Archive) Restarts() int {
	return a.restarts
}

// LastError returns the error of the last operation, nil if it succeeded
func (a *Archive) LastError() error {
	return a.lastErr
}

func (a *Archive) track(err *error) {
	a.lastErr = *err
}

// Init opens the decode session and reads the first header. On failure the
// caller must still call Cleanup.
func (a *Archive) Init(ctx context.Context) (err error) {
	defer a.track(&err)
	if a.state != stateUninitialized {
		return newError(KindInvalidArgument, "init", errors.New("archive already initialized"))
	}
	a.state = stateInitialized
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.open(); err != nil {
		return newError(KindInit, "init", err)
	}
	return nil
}

// NextHeader advances to the next entry. io.EOF is returned once every entry
// has been visited.
func (a *Archive) NextHeader(_ context.Context) (entry Entry, err error) {
	defer a.track(&err)
	if err := a.usable("next header"); err != nil {
		return Entry{}, err
	}

	if err := a.resume(); err != nil {
		return Entry{}, err
	}

	var next Entry
	if a.peeked {
		a.peeked = false
		next, err = a.peekEntry, a.peekErr
	} else {
		next, err = a.session.Next()
	}
	if err == io.EOF {
		a.hasEntry = false
		return Entry{}, io.EOF
	} else if err != nil {
		a.hasEntry = false
		return Entry{}, newError(KindHeaderRead, "next header", err)
	}

	a.index++
	a.entry, a.hasEntry = next, true
	a.dataOffset = 0
	return next, nil
}

// ReadData fills buffer with the bytes of the current entry starting at
// offset. Reading before the current decode position reopens the session.
// If the entry ends before buffer is full, the bytes read are kept, the rest
// of buffer is zeroed and an incomplete read error is returned.
func (a *Archive) ReadData(_ context.Context, offset int64, buffer []byte) (err error) {
	defer a.track(&err)
	if len(buffer) == 0 {
		return newError(KindInvalidArgument, "read data", errors.New("length must be greater than 0"))
	}
	if offset < 0 {
		return newError(KindInvalidArgument, "read data", errors.Errorf("negative offset %d", offset))
	}
	if err := a.usable("read data"); err != nil {
		return err
	}
	if !a.hasEntry {
		return newError(KindInvalidArgument, "read data", errors.New("no current entry"))
	}

	err = a.readData(offset, buffer)
	if errors.Is(err, ErrPassphraseRequired) && a.passphrase == "" {
		// entry data is encrypted while headers are not
		if err := a.obtainPassphrase(); err != nil {
			return err
		}
		if err := a.restart(); err != nil {
			return err
		}
		err = a.readData(offset, buffer)
	}
	return err
}

func (a *Archive) readData(offset int64, buffer []byte) error {
	if a.session == nil {
		if err := a.resume(); err != nil {
			return err
		}
	} else if offset < a.dataOffset {
		a.logger.Debug().Int64("offset", offset).Int64("data_offset", a.dataOffset).Msg("Backward read, restarting decode session")
		if err := a.restart(); err != nil {
			return err
		}
	}

	if skip := offset - a.dataOffset; skip > 0 {
		n, err := io.CopyN(io.Discard, a.session, skip)
		a.dataOffset += n
		if err == io.EOF {
			clear(buffer)
			return newError(KindIncompleteRead, "read data", errors.Errorf("entry ended at %d before offset %d", a.dataOffset, offset))
		} else if err != nil {
			return a.sessionError("read data", err)
		}
	}

	n, err := io.ReadFull(a.session, buffer)
	a.dataOffset += int64(n)
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		clear(buffer[n:])
		return newError(KindIncompleteRead, "read data", errors.Errorf("read %d of %d bytes at offset %d", n, len(buffer), offset))
	case err != nil:
		return a.sessionError("read data", err)
	}
	return nil
}

// Cleanup releases the decode session and the reader. Cleanup must be
// called exactly once.
func (a *Archive) Cleanup() (err error) {
	defer a.track(&err)
	if a.state == stateCleaned {
		return newError(KindInvalidArgument, "cleanup", errors.New("archive already cleaned up"))
	}
	a.state = stateCleaned
	a.hasEntry = false

	var sessionErr error
	if a.cancel != nil {
		a.cancel()
	}
	// closing the reader first unblocks a walker waiting on the host
	readerErr := a.reader.Close()
	if a.session != nil {
		sessionErr = a.session.Close()
		a.session = nil
	}
	a.reader = nil

	if readerErr != nil {
		return newError(KindReaderIO, "cleanup", readerErr)
	}
	if sessionErr != nil {
		return errors.Wrap(sessionErr, "cannot close decode session")
	}
	return nil
}

func (a *Archive) usable(op string) error {
	switch a.state {
	case stateUninitialized:
		return newError(KindInvalidArgument, op, errors.New("archive not initialized"))
	case stateCleaned:
		return newError(KindInvalidArgument, op, errors.New("archive cleaned up"))
	}
	// a session lost by a failed restart is reopened on the next call
	if a.session == nil && !a.hasEntry {
		return newError(KindInvalidArgument, op, errors.New("no decode session"))
	}
	return nil
}

// resume reopens the session dropped by a failed restart
func (a *Archive) resume() error {
	if a.session != nil {
		return nil
	}
	a.logger.Debug().Int("index", a.index).Msg("Resuming decode session")
	return a.restart()
}

// open starts a session and peeks the first header, asking for a passphrase
// if the backend needs one
func (a *Archive) open() error {
	err := a.openSession()
	if errors.Is(err, ErrPassphraseRequired) && a.passphrase == "" {
		if err := a.obtainPassphrase(); err != nil {
			return err
		}
		if err := a.rewind(); err != nil {
			return err
		}
		err = a.openSession()
	}
	if errors.Is(err, ErrPassphraseRequired) {
		return newError(KindPassphraseRejected, "open", err)
	}
	return err
}

func (a *Archive) openSession() error {
	session, err := a.backend.Open(a.ctx, a.reader, a.passphrase)
	if err != nil {
		return err
	}
	entry, err := session.Next()
	if err != nil && err != io.EOF {
		_ = session.Close()
		return err
	}
	a.session = session
	a.peeked, a.peekEntry, a.peekErr = true, entry, err
	return nil
}

func (a *Archive) obtainPassphrase() error {
	a.logger.Debug().Msg("Archive is encrypted, passphrase needed")
	p, err := a.reader.Passphrase()
	if err != nil {
		return err
	}
	if p == "" {
		return newError(KindPassphraseRejected, "passphrase", errNoPassphrase)
	}
	a.passphrase = p
	return nil
}

func (a *Archive) rewind() error {
	if _, err := a.reader.Seek(0, io.SeekStart); err != nil {
		return newError(KindReaderIO, "rewind", err)
	}
	return nil
}

// restart reopens the decode session from the start of the archive and
// walks the headers again up to the current entry. On failure no session is
// kept so the next call starts over.
func (a *Archive) restart() error {
	err := a.reopen()
	if err != nil && a.session != nil {
		_ = a.session.Close()
		a.session = nil
	}
	return err
}

func (a *Archive) reopen() error {
	if a.session != nil {
		_ = a.session.Close()
		a.session = nil
	}
	a.peeked = false
	a.restarts++

	if err := a.rewind(); err != nil {
		return err
	}
	if err := a.openSession(); err != nil {
		return a.sessionError("restart", err)
	}

	a.peeked = false
	entry, err := a.peekEntry, a.peekErr
	for i := 1; ; i++ {
		if err == io.EOF {
			return newError(KindHeaderRead, "restart", errors.Errorf("archive ended before entry %d", a.index))
		} else if err != nil {
			return newError(KindHeaderRead, "restart", err)
		}
		if i == a.index {
			break
		}
		entry, err = a.session.Next()
	}
	if entry.Path != a.entry.Path {
		return newError(KindHeaderRead, "restart", errors.Errorf("entry %d is %s, expected %s", a.index, entry.Path, a.entry.Path))
	}
	a.dataOffset = 0
	return nil
}

func (a *Archive) sessionError(op string, err error) error {
	var verr *Error
	if errors.As(err, &verr) || errors.Is(err, ErrPassphraseRequired) {
		return err
	}
	return newError(KindReaderIO, op, err)
}
