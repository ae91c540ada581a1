package transfer

import (
	"errors"
	"fmt"

	"github.com/quantarax/verisync/daemon/store"
	"github.com/quantarax/verisync/daemon/transport"
	"github.com/quantarax/verisync/internal/hashtree"
)

// Kind classifies why a session did not complete.
type Kind int

const (
	KindVerificationFailure Kind = iota + 1
	KindSizeMismatch
	KindTransportClosed
	KindStorageIoFailure
	KindProtocolViolation
	KindNotFound
)

var kindNames = map[Kind]string{
	KindVerificationFailure: "VerificationFailure",
	KindSizeMismatch:        "SizeMismatch",
	KindTransportClosed:     "TransportClosed",
	KindStorageIoFailure:    "StorageIoFailure",
	KindProtocolViolation:   "ProtocolViolation",
	KindNotFound:            "NotFound",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind parses the wire name of a kind. Unknown names from newer
// peers map to KindProtocolViolation.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindProtocolViolation
}

// Sentinels, one per kind, so callers can use errors.Is.
var (
	ErrVerification      = errors.New("verification failure")
	ErrSizeMismatch      = errors.New("size mismatch")
	ErrTransportClosed   = errors.New("transport closed")
	ErrStorageIo         = errors.New("storage failure")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotFound          = errors.New("blob not found")
)

func (k Kind) sentinel() error {
	switch k {
	case KindVerificationFailure:
		return ErrVerification
	case KindSizeMismatch:
		return ErrSizeMismatch
	case KindTransportClosed:
		return ErrTransportClosed
	case KindStorageIoFailure:
		return ErrStorageIo
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrProtocolViolation
	}
}

// Error is the error of a failed or aborted session.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of a session error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// classifyRecv maps a receive failure to a session error.
func classifyRecv(err error) *Error {
	switch {
	case errors.Is(err, transport.ErrUnknownMessage),
		errors.Is(err, transport.ErrMalformedMessage),
		errors.Is(err, transport.ErrFrameTooLarge),
		errors.Is(err, transport.ErrUnexpectedMessage):
		return newError(KindProtocolViolation, err, "receiving")
	default:
		return newError(KindTransportClosed, err, "receiving")
	}
}

// classifyStore maps a store failure to a session error.
func classifyStore(err error, hash hashtree.Hash) *Error {
	switch {
	case errors.Is(err, store.ErrSizeMismatch):
		return newError(KindSizeMismatch, err, "%s", hash.Short())
	case errors.Is(err, store.ErrNotFound):
		return newError(KindNotFound, err, "%s", hash.Short())
	default:
		return newError(KindStorageIoFailure, err, "%s", hash.Short())
	}
}
