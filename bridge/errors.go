package bridge

import (
	"errors"
	"fmt"

	"github.com/drummonds/pdfbridge/engine/pdfrenderer"
)

var (
	// ErrInvalidArgument is returned for arguments rejected before the engine is touched
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned for stale handles and pages the document does not have
	ErrNotFound = errors.New("not found")
	// ErrEngineUnavailable is returned when the engine fails to initialize
	ErrEngineUnavailable = errors.New("engine unavailable")
)

// ErrorKind classifies a failed engine call
type ErrorKind int

const (
	KindSuccess ErrorKind = iota
	KindUnknown
	KindFileUnreadable
	KindBadFormat
	KindPassword
	KindUnsupportedSecurity
	KindPageError
)

func (k ErrorKind) String() string {
	switch k {
	case KindSuccess:
		return "Success"
	case KindFileUnreadable:
		return "FileUnreadable"
	case KindBadFormat:
		return "BadFormat"
	case KindPassword:
		return "PasswordRequiredOrIncorrect"
	case KindUnsupportedSecurity:
		return "UnsupportedSecurity"
	case KindPageError:
		return "PageError"
	default:
		return "Unknown"
	}
}

// Message is the human readable description of the kind
func (k ErrorKind) Message() string {
	switch k {
	case KindSuccess:
		return "No error"
	case KindFileUnreadable:
		return "File not found or could not be opened"
	case KindBadFormat:
		return "File not in PDF format or corrupted"
	case KindPassword:
		return "Incorrect password"
	case KindUnsupportedSecurity:
		return "Unsupported security scheme"
	case KindPageError:
		return "Page not found or content error"
	default:
		return "Unknown error"
	}
}

// KindFromCode maps each engine status to exactly one kind
func KindFromCode(code pdfrenderer.ErrorCode) ErrorKind {
	switch code {
	case pdfrenderer.CodeSuccess:
		return KindSuccess
	case pdfrenderer.CodeFile:
		return KindFileUnreadable
	case pdfrenderer.CodeFormat:
		return KindBadFormat
	case pdfrenderer.CodePassword:
		return KindPassword
	case pdfrenderer.CodeSecurity:
		return KindUnsupportedSecurity
	case pdfrenderer.CodePage:
		return KindPageError
	default:
		return KindUnknown
	}
}

// OpenError is returned when the engine refuses to load a document
type OpenError struct {
	Kind ErrorKind
	Err  error
}

func (e *OpenError) Error() string {
	if e.Err == nil {
		return "open document: " + e.Kind.Message()
	}
	return fmt.Sprintf("open document: %s: %v", e.Kind.Message(), e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// IOError is a failed block read against the document source
type IOError struct {
	Offset int64
	Length int
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("read %d bytes at offset %d: %v", e.Length, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// KindOf reports the kind carried by err. Errors that did not come from a
// failed open are KindUnknown, nil is KindSuccess.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindSuccess
	}
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return openErr.Kind
	}
	return KindFromCode(pdfrenderer.CodeOf(err))
}
