package ferrokv

import "fmt"

// ErrorKind classifies an *Error the way spec.md §7 groups failure modes,
// matching the teacher's pkg/wal/errors.go sentinel-per-package idiom but
// as a single taxonomy shared across every layer ferrokv wires together.
type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindMeta
	KindLogger
	KindInvalidArgument
	KindPager
	KindTxManager
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindMeta:
		return "meta"
	case KindLogger:
		return "logger"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindPager:
		return "pager"
	case KindTxManager:
		return "tx_manager"
	default:
		return "unknown"
	}
}

// Error is the typed error every ferrokv operation returns: a kind for
// errors.Is-style classification, the operation that failed, and the
// wrapped cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ferrokv: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("ferrokv: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, ferrokv.ErrMetaError) matches
// any *Error of that kind regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Kind sentinels for errors.Is comparisons against the taxonomy itself,
// independent of Op/Err.
var (
	ErrIoError         = &Error{Kind: KindIO}
	ErrMetaError       = &Error{Kind: KindMeta}
	ErrLoggerError     = &Error{Kind: KindLogger}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrPagerError      = &Error{Kind: KindPager}
	ErrTxManagerError  = &Error{Kind: KindTxManager}
)

// Specific, fine-grained sentinels wrapped as the Err of an *Error above.
var (
	// ErrReadOnly is returned by Update when the database was opened with
	// Options.ReadOnly.
	ErrReadOnly = fmt.Errorf("database opened read-only")

	// ErrInvalidPageSize is returned by Open when Options.PageSize is
	// smaller than page.MinPageSize.
	ErrInvalidPageSize = fmt.Errorf("page size too small")

	// ErrCorruptMeta is returned by Open when neither meta page passes its
	// checksum, i.e. the file was truncated or written by something else.
	ErrCorruptMeta = fmt.Errorf("both meta pages are corrupt")

	// ErrVersionMismatch is returned by Open when a file's meta.MinVersion
	// exceeds what this build understands.
	ErrVersionMismatch = fmt.Errorf("data file requires a newer version")

	// ErrClosed is returned by View and Update once Close has been called.
	ErrClosed = fmt.Errorf("database is closed")
)
