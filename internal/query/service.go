// Package query implements the read-side intelligence operations: entity
// search, network expansion, inspector links, cluster discovery, anomaly
// scanning, stuck-permit diagnosis, and timeline estimation. Every
// operation reads the derived tables; nothing here writes.
package query

import (
	"errors"
	"fmt"

	"github.com/permitsight/permitsight/pipeline/internal/store"
)

// Service answers intelligence queries against the store.
type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Kind classifies a query error for transport mapping.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindNotFound
	KindUnavailable
	KindInternal
)

// Error is the only error type query operations return.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrKind extracts the Kind from err, defaulting to KindInternal.
func ErrKind(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindInternal
}

func badRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// wrap maps store errors onto query error kinds.
func wrap(msg string, err error) *Error {
	switch {
	case store.IsNotFound(err):
		return &Error{Kind: KindNotFound, Msg: msg, Err: err}
	case errors.Is(err, store.ErrUnavailable):
		return &Error{Kind: KindUnavailable, Msg: msg, Err: err}
	}
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}
