// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncmodel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies sync failures by how the driver must react to them.
type ErrorKind string

const (
	KindTransport   ErrorKind = "transport"   // retryable with backoff
	KindProtocol    ErrorKind = "protocol"    // fatal for the cycle
	KindVersion     ErrorKind = "version"     // fatal for the cycle
	KindAuth        ErrorKind = "auth"        // fatal for the cycle
	KindParse       ErrorKind = "parse"       // isolated to one record
	KindReferential ErrorKind = "referential" // isolated to one record
	KindConcurrency ErrorKind = "concurrency" // skip the trigger
	KindStorage     ErrorKind = "storage"     // fatal for the cycle
)

var (
	ErrTransport      = errors.New("transport error")
	ErrProtocol       = errors.New("protocol error")
	ErrVersion        = errors.New("incompatible sync version")
	ErrAuth           = errors.New("authentication failed")
	ErrParse          = errors.New("malformed record")
	ErrReferential    = errors.New("referential integrity violation")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrStorage        = errors.New("storage error")
)

var kindSentinels = map[ErrorKind]error{
	KindTransport:   ErrTransport,
	KindProtocol:    ErrProtocol,
	KindVersion:     ErrVersion,
	KindAuth:        ErrAuth,
	KindParse:       ErrParse,
	KindReferential: ErrReferential,
	KindConcurrency: ErrSyncInProgress,
	KindStorage:     ErrStorage,
}

// SyncError attaches a taxonomy kind and the failing operation to an error.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransport) and friends match on kind.
func (e *SyncError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the taxonomy kind of err. Unclassified errors are storage
// errors: they come from the local database or from programming mistakes and
// must stop the cycle.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindStorage
}

// IsRetryable reports whether the driver should retry the failed phase.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransport
}
