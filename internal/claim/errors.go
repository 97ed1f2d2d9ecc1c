package claim

import "errors"

var (
	// ErrInvalidCodeFormat is returned before any network call when the
	// code is not six characters from [A-Z0-9] after trimming and
	// uppercasing.
	ErrInvalidCodeFormat = errors.New("claim: code must be 6 letters or digits")

	// ErrInvalidBaseURL is returned when the relay base URL is not an
	// absolute http(s) URL.
	ErrInvalidBaseURL = errors.New("claim: invalid relay base url")

	// ErrClaimFailed is returned when the relay rejects the code or cannot
	// be reached. A relay-provided message is carried by *RejectedError.
	ErrClaimFailed = errors.New("claim failed")
)

// RejectedError carries the relay's own error string. Error returns that
// string verbatim so it can be shown to the user unchanged.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string { return e.Message }

// Unwrap makes errors.Is(err, ErrClaimFailed) hold.
func (e *RejectedError) Unwrap() error { return ErrClaimFailed }
