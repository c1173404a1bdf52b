// Package syncerr implements the five-kind error taxonomy of spec.md §7.
//
// Each kind carries a distinct policy at the call site: a MsgError skips one
// message and continues, a BoxError aborts the current mailbox and moves on
// to the next configured one, a StoreError aborts every mailbox sharing the
// current session, a ConfigError is fatal for the store being opened, and
// Fatal exits the process immediately.
package syncerr

import "fmt"

// Kind identifies which of the five policies an error carries.
type Kind int

const (
	KindMsg Kind = iota
	KindBox
	KindStore
	KindConfig
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindMsg:
		return "MsgBad"
	case KindBox:
		return "BoxBad"
	case KindStore:
		return "StoreBad"
	case KindConfig:
		return "ConfigError"
	case KindFatal:
		return "Fatal"
	default:
		return "UnknownKind"
	}
}

// Error wraps an underlying cause with the kind that determines how the
// caller should react to it.
type Error struct {
	Kind Kind
	Op   string // what was being attempted, e.g. "select", "append"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Msg(op string, err error) error    { return &Error{Kind: KindMsg, Op: op, Err: err} }
func Box(op string, err error) error    { return &Error{Kind: KindBox, Op: op, Err: err} }
func Store(op string, err error) error  { return &Error{Kind: KindStore, Op: op, Err: err} }
func Config(op string, err error) error { return &Error{Kind: KindConfig, Op: op, Err: err} }
func Fatal(op string, err error) error  { return &Error{Kind: KindFatal, Op: op, Err: err} }

// Is reports whether err is a *Error of the given kind.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
