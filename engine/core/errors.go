package core

import (
	"github.com/cockroachdb/errors"
)

var (
	// A device object or a page backing an allocation could not be created.
	ErrAllocationFailed = errors.New("allocation failed")
	// An upload request does not fit in a single upload page.
	ErrUploadTooLarge  = errors.New("upload request exceeds page size")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDoubleFree      = errors.New("descriptor allocation freed twice")
	ErrQueueClosed     = errors.New("command queue is shut down")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnknown         = errors.New("unknown")
)
