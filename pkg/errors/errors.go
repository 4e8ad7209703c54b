// Package errors defines the error kinds raised by the indexing core and the
// policy deciding which of them a session absorbs and which abort it.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrOversizedTerm     = errors.New("term exceeds maximum length")
	ErrEmptyTerm         = errors.New("empty term")
	ErrInvalidPosition   = errors.New("token position went backwards")
	ErrCorruptedSession  = errors.New("corrupted session state")
	ErrInvalidState      = errors.New("operation not allowed in current session state")
	ErrInvalidInput      = errors.New("invalid input")
)

// Kind classifies an indexing failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindResourceExhausted
	KindOversizedTerm
	KindEmptyTerm
	KindInvalidPosition
	KindCorruptedSession
	KindInvalidState
	KindInvalidInput
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindResourceExhausted: "resource_exhausted",
	KindOversizedTerm:     "oversized_term",
	KindEmptyTerm:         "empty_term",
	KindInvalidPosition:   "invalid_position",
	KindCorruptedSession:  "corrupted_session",
	KindInvalidState:      "invalid_state",
	KindInvalidInput:      "invalid_input",
}

var kindSentinels = map[Kind]error{
	KindResourceExhausted: ErrResourceExhausted,
	KindOversizedTerm:     ErrOversizedTerm,
	KindEmptyTerm:         ErrEmptyTerm,
	KindInvalidPosition:   ErrInvalidPosition,
	KindCorruptedSession:  ErrCorruptedSession,
	KindInvalidState:      ErrInvalidState,
	KindInvalidInput:      ErrInvalidInput,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Recoverable reports whether a session can keep indexing after an error of
// this kind.
func (k Kind) Recoverable() bool {
	switch k {
	case KindResourceExhausted, KindOversizedTerm, KindEmptyTerm, KindInvalidPosition:
		return true
	default:
		return false
	}
}

// IndexError carries the kind of an indexing failure together with where it
// happened.
type IndexError struct {
	Kind  Kind
	Op    string
	Field string
	Term  []byte
	Err   error
}

func (e *IndexError) Error() string {
	msg := e.Op
	if e.Field != "" {
		msg += fmt.Sprintf(" field=%s", e.Field)
	}
	if len(e.Term) > 0 {
		msg += fmt.Sprintf(" term=%q", truncate(e.Term, 32))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Kind)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error belonging to the kind, so callers can test
// errors.Is(err, ErrOversizedTerm) without knowing the wrapped cause.
func (e *IndexError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// New creates an IndexError for op whose cause is the kind's sentinel.
func New(kind Kind, op string) *IndexError {
	return &IndexError{Kind: kind, Op: op, Err: kindSentinels[kind]}
}

// Newf creates an IndexError whose cause is a formatted message wrapping the
// kind's sentinel.
func Newf(kind Kind, op string, format string, args ...any) *IndexError {
	cause := fmt.Errorf(format, args...)
	if sentinel, ok := kindSentinels[kind]; ok {
		cause = fmt.Errorf("%w: %s", sentinel, cause.Error())
	}
	return &IndexError{Kind: kind, Op: op, Err: cause}
}

// Wrap attaches a kind to an existing error. It returns nil for a nil err.
func Wrap(err error, kind Kind, op string) *IndexError {
	if err == nil {
		return nil
	}
	return &IndexError{Kind: kind, Op: op, Err: err}
}

// WithField returns e annotated with the field name.
func (e *IndexError) WithField(field string) *IndexError {
	e.Field = field
	return e
}

// WithTerm returns e annotated with a private copy of term.
func (e *IndexError) WithTerm(term []byte) *IndexError {
	e.Term = append([]byte(nil), term...)
	return e
}

// KindOf extracts the kind of err, looking through wrapping.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsRecoverable reports whether err belongs to a recoverable kind.
func IsRecoverable(err error) bool {
	return KindOf(err).Recoverable()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
