package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/hub/internal/engine"
	"github.com/fentz26/hub/internal/ids"
	"github.com/fentz26/hub/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrPipelineNotFound   = errors.New("pipeline not found")
	ErrPipelineNotRunning = errors.New("pipeline is not running")
	ErrInvalidPipelineID  = ids.ErrInvalidPipelineID
	ErrMissingField       = errors.New("missing required field")
	ErrIllegalTransition  = errors.New("illegal pipeline transition")
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindEngine     Kind = "engine"
	KindStorage    Kind = "storage"
	KindInternal   Kind = "internal"
)

// HTTPStatus maps a kind to its response code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Title is the short human label used in error bodies.
func (k Kind) Title() string {
	switch k {
	case KindValidation:
		return "Validation error"
	case KindNotFound:
		return "Not found"
	case KindConflict:
		return "Conflict"
	case KindEngine:
		return "Engine failure"
	case KindStorage:
		return "Storage error"
	default:
		return "Internal server error"
	}
}

// Error is a classified control plane error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var cpErr *Error
	if errors.As(err, &cpErr) {
		return cpErr.Kind
	}
	var failure *engine.Failure
	switch {
	case errors.As(err, &failure):
		return KindEngine
	case errors.Is(err, ErrInvalidPipelineID), errors.Is(err, ErrMissingField), errors.Is(err, store.ErrInvalidID):
		return KindValidation
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrPipelineNotFound), errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPipelineNotRunning):
		return KindConflict
	case errors.Is(err, store.ErrCorruptRecord):
		return KindStorage
	}
	return KindInternal
}
