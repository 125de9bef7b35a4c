package shopkeep

import (
	"errors"
	"strings"
)

// Error kinds. Every error surfaced by the orchestrator and the translation
// pipeline matches exactly one of these with errors.Is.
var (
	// ErrValidation is a malformed request or import document.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is a duplicate site name or a concurrent conflicting operation.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is an unknown site or store name.
	ErrNotFound = errors.New("not found")

	// ErrResourceConflict is a naming collision at the container/network layer.
	ErrResourceConflict = errors.New("resource conflict")

	// ErrExternal is a container runtime or in-container command failure or timeout.
	ErrExternal = errors.New("external failure")

	// ErrCompilation is a catalog compile failure after validation passed.
	ErrCompilation = errors.New("compilation failed")
)

var kinds = []error{
	ErrValidation,
	ErrConflict,
	ErrNotFound,
	ErrResourceConflict,
	ErrExternal,
	ErrCompilation,
}

// Error carries the kind of failure together with where it happened.
// Messages must never contain generated credentials.
type Error struct {
	Kind    error
	Op      string
	Site    string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Site != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("(" + e.Site + ")")
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	switch {
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if len(e.Details) > 0 {
		b.WriteString(" [" + strings.Join(e.Details, ", ") + "]")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewError builds an *Error of the given kind.
func NewError(kind error, op, site string, err error, details ...string) *Error {
	return &Error{Kind: kind, Op: op, Site: site, Err: err, Details: details}
}

// KindOf returns the kind of the outermost *Error in err's chain, falling back
// to the first sentinel err matches. It returns nil when err matches none.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// DetailsOf returns the details of the outermost *Error in err's chain that
// carries any.
func DetailsOf(err error) []string {
	for err != nil {
		if e, ok := err.(*Error); ok && len(e.Details) > 0 {
			return e.Details
		}
		err = errors.Unwrap(err)
	}
	return nil
}
