package sign

import "errors"

// Domain errors for the sign package.
//
// Validation failures wrap ErrValidation, so callers can map any of them
// to a single client error:
//
//	if errors.Is(err, sign.ErrValidation) {
//	    // 400
//	}
var (
	// ErrSignNotFound is returned when a sign ID does not exist.
	ErrSignNotFound = errors.New("sign: not found")

	// ErrSignExists is returned when provisioning an ID that already exists.
	ErrSignExists = errors.New("sign: already exists")

	// ErrValidation is the parent of every input validation error.
	ErrValidation = errors.New("sign: validation failed")

	// ErrInvalidReport is returned for malformed status reports.
	ErrInvalidReport = wrapValidation("invalid status report")

	// ErrInvalidName is returned when a sign name is empty or too long.
	ErrInvalidName = wrapValidation("invalid name")

	// ErrInvalidCommand is returned when a command body is missing or malformed.
	ErrInvalidCommand = wrapValidation("invalid command")

	// ErrStore is returned when the backing store rejects a write.
	// The cached snapshot is left unchanged.
	ErrStore = errors.New("sign: store failure")
)

// validationError is a named validation failure that matches ErrValidation.
type validationError struct {
	msg string
}

func wrapValidation(msg string) error {
	return &validationError{msg: "sign: " + msg}
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrValidation }
