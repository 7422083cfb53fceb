package volume

import (
	"github.com/pkg/errors"
)

// Kind classifies a failure of a reader or an archive
type Kind int

const (
	KindInit Kind = iota + 1
	KindHeaderRead
	KindIncompleteRead
	KindInvalidArgument
	KindReaderIO
	KindPassphraseRejected
	KindUnsupportedFormat
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init error"
	case KindHeaderRead:
		return "header read error"
	case KindIncompleteRead:
		return "incomplete read"
	case KindInvalidArgument:
		return "invalid argument"
	case KindReaderIO:
		return "reader i/o error"
	case KindPassphraseRejected:
		return "passphrase rejected"
	case KindUnsupportedFormat:
		return "unsupported format"
	}
	return "unknown error"
}

// Sentinels to compare against with errors.Is
var (
	ErrInit               = &Error{Kind: KindInit}
	ErrHeaderRead         = &Error{Kind: KindHeaderRead}
	ErrIncompleteRead     = &Error{Kind: KindIncompleteRead}
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrReaderIO           = &Error{Kind: KindReaderIO}
	ErrPassphraseRejected = &Error{Kind: KindPassphraseRejected}
	ErrUnsupportedFormat  = &Error{Kind: KindUnsupportedFormat}
)

// Error is returned by every reader and archive operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels compare by kind only
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Fatal returns true if the archive that produced the error cannot be used anymore
func (e *Error) Fatal() bool {
	return e.Kind == KindInit || e.Kind == KindUnsupportedFormat
}

// IsFatal reports whether err leaves the archive unusable
func IsFatal(err error) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Fatal() {
			return true
		}
		if e.Err == nil {
			return false
		}
		err = e.Err
	}
	return false
}

// ErrPassphraseRequired is wrapped by backends when the archive cannot be
// decoded without a passphrase
var ErrPassphraseRequired = errors.New("passphrase required")

var (
	errUnknownSize      = errors.New("archive size unknown")
	errBadWhence        = errors.New("invalid whence")
	errNegativePosition = errors.New("negative position")
	errReaderClosed     = errors.New("reader closed")
	errNoPassphrase     = errors.New("no passphrase available")
	errFetchInFlight    = errors.New("a host request is already in flight")
	errBackwardSeek     = errors.New("cannot seek backward on a forward-only stream")
)
