package device

import "errors"

// Errors returned by the device package. Check with errors.Is:
//
//	if errors.Is(err, device.ErrRecordNotFound) {
//	    // handle not found case
//	}
var (
	// ErrRecordNotFound is returned when no record exists for an id.
	ErrRecordNotFound = errors.New("device: record not found")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("device: invalid record")
)
