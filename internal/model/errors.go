package model

import (
	"errors"
	"fmt"
)

var (
	ErrMissingPlaceholder         = errors.New("missing placeholder")
	ErrMalformedTemplate          = errors.New("malformed template")
	ErrBadValue                   = errors.New("bad placeholder value")
	ErrQueueSubmissionUnparseable = errors.New("queue submission unparseable")
	ErrRemoteExecution            = errors.New("remote execution failed")
	ErrUnparseableRemoteOutput    = errors.New("unparseable remote output")
	ErrIdentityAssigned           = errors.New("identity already assigned")
	ErrForeignHost                = errors.New("process runs on another host")
	ErrNoQueue                    = errors.New("host has no queue configured")
	ErrUnknownHost                = errors.New("unknown host")
)

type IdentityAssignedError struct {
	Current Identity
	New     Identity
}

func (e *IdentityAssignedError) Error() string {
	return fmt.Sprintf("job already holds %s, refusing %s", e.Current, e.New)
}

func (e *IdentityAssignedError) Unwrap() error {
	return ErrIdentityAssigned
}
