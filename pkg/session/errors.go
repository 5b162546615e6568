package session

import "errors"

// Error kinds named by spec.md §7. These are classifications, not a type
// hierarchy: each wraps the underlying cause and is tested with errors.Is
// against the sentinel values below.
var (
	ErrStore          = errors.New("session store error")
	ErrIO             = errors.New("session document io error")
	ErrNotFound       = errors.New("session document not found")
	ErrCorrupt        = errors.New("session document corrupt")
	ErrUnresolvable   = errors.New("session model unresolvable")
	ErrModelCall      = errors.New("model call error")
	ErrInvalidArgument = errors.New("invalid argument")
)

// StoreError wraps an index read/write failure. Callers log and continue;
// it must never crash the session loop (spec.md §7).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "session store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

func newStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IoError wraps a document file read/write failure.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string { return "session io: " + e.Op + ": " + e.Err.Error() }
func (e *IoError) Unwrap() []error { return []error{ErrIO, e.Err} }

func newIoError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Err: err}
}

// LoadErrorKind distinguishes the three ways Placeholder.load can fail.
type LoadErrorKind int

const (
	LoadErrorNotFound LoadErrorKind = iota
	LoadErrorCorrupt
	LoadErrorUnresolvableModel
)

// LoadError is raised by Placeholder.load. A failed load leaves the UI on
// the prior current session (spec.md §7).
type LoadError struct {
	Kind LoadErrorKind
	Fid  string
	Err  error
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case LoadErrorNotFound:
		return "session " + e.Fid + ": document not found"
	case LoadErrorCorrupt:
		return "session " + e.Fid + ": document corrupt: " + errString(e.Err)
	default:
		return "session " + e.Fid + ": model unresolvable: " + errString(e.Err)
	}
}

func (e *LoadError) Unwrap() []error {
	sentinel := ErrNotFound
	switch e.Kind {
	case LoadErrorCorrupt:
		sentinel = ErrCorrupt
	case LoadErrorUnresolvableModel:
		sentinel = ErrUnresolvable
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ModelCallErrorKind distinguishes retryable from fatal model call errors.
type ModelCallErrorKind int

const (
	ModelCallRetryable ModelCallErrorKind = iota
	ModelCallFatal
)

// ModelCallError wraps a streaming/model-call failure. Streaming failures
// are recovered by finalizing the log and emitting a summary, never by
// propagating into the request path (spec.md §7).
type ModelCallError struct {
	Kind ModelCallErrorKind
	Err  error
}

func (e *ModelCallError) Error() string { return "model call: " + e.Err.Error() }
func (e *ModelCallError) Unwrap() []error { return []error{ErrModelCall, e.Err} }

// InvalidArgumentError is thrown synchronously for programmer errors (agent
// not registered, fid not found) and propagates to the caller.
type InvalidArgumentError struct {
	Msg string
}

func (e *InvalidArgumentError) Error() string { return e.Msg }
func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

func newInvalidArgument(msg string) error {
	return &InvalidArgumentError{Msg: msg}
}
