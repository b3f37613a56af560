package gpu

import "github.com/cockroachdb/errors"

var (
	ErrDeviceLost        = errors.New("device lost")
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrOutOfHostMemory   = errors.New("out of host memory")
	ErrNoDevice          = errors.New("no suitable device")
	ErrInvalidHandle     = errors.New("invalid descriptor handle")
	ErrInvalidLayout     = errors.New("invalid binding layout")
	ErrInvalidCommand    = errors.New("invalid command")
)

// IsFatal reports whether err leaves the device unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}
