// Package transport holds the contracts shared by transport backends: status
// codes, capability attributes, completions, the MemoryDomain / Iface /
// Endpoint interfaces and the component registry.
package transport

import (
	"errors"
	"fmt"
)

// Status is the outcome of a transport operation. It implements error so that
// domain operations can wrap it and callers can test with errors.Is.
type Status int8

const (
	StatusOK           Status = 0
	StatusInProgress   Status = 1
	StatusIOError      Status = -3
	StatusNoMemory     Status = -4
	StatusInvalidParam Status = -5
	StatusNoDevice     Status = -14
	StatusBusy         Status = -15
	StatusUnsupported  Status = -22
)

var statusNames = map[Status]string{
	StatusOK:           "Success",
	StatusInProgress:   "Operation in progress",
	StatusIOError:      "Input/output error",
	StatusNoMemory:     "Out of memory",
	StatusInvalidParam: "Invalid parameter",
	StatusNoDevice:     "No such device",
	StatusBusy:         "Device is busy",
	StatusUnsupported:  "Operation is not supported",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown status %d", int8(s))
}

func (s Status) Error() string {
	return s.String()
}

// IsError reports whether s is a failure (negative) status.
func (s Status) IsError() bool {
	return s < 0
}

// StatusOf maps err to a status. Nil is StatusOK; an error wrapping a Status
// yields that status; anything else is StatusIOError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusIOError
}

// FatalError marks a condition after which the transport state can no longer
// be trusted (a failed attach or detach, an out-of-range remote offset). It is
// logged by the backend before being returned; the embedding application
// decides whether to abort.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
