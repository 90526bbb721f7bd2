package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeNetwork           ErrorCode = "NETWORK"
	CodeSchema            ErrorCode = "SCHEMA"
	CodeArchiveStructure  ErrorCode = "ARCHIVE_STRUCTURE"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeIndexInconsistent ErrorCode = "INDEX_INCONSISTENT"
	CodeInternal          ErrorCode = "INTERNAL"
)

var (
	// ErrToolNotFound: the registry snapshot has no entry for the id.
	ErrToolNotFound = errors.New("tool not found in registry")
	// ErrNotInstalled: no installed-tool record exists for the id.
	ErrNotInstalled = errors.New("tool is not installed")
	// ErrInstallBusy: an install or update for the same id is in flight.
	ErrInstallBusy = errors.New("install already in progress for tool")
	// ErrRegistryUnavailable: no snapshot could be obtained from any source.
	ErrRegistryUnavailable = errors.New("registry unavailable")
	// ErrRegistryMalformed: the registry document itself does not parse.
	ErrRegistryMalformed = errors.New("registry document is malformed")
)

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
	Meta    map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
			Meta:    existing.Meta,
		}
	}
	return E(code, op, "", err)
}

// WithMeta attaches a key/value pair, allocating the map on first use.
func (e *Error) WithMeta(key, value string) *Error {
	if e == nil {
		return nil
	}
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
	return e
}

// MetaInstallState is the Meta key carrying the pipeline state at which an
// install job failed.
const MetaInstallState = "state"

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrNotInstalled):
		return CodeNotFound, true
	case errors.Is(err, ErrInstallBusy):
		return CodeConflict, true
	case errors.Is(err, ErrRegistryUnavailable):
		return CodeNetwork, true
	case errors.Is(err, ErrRegistryMalformed):
		return CodeSchema, true
	default:
		return "", false
	}
}
