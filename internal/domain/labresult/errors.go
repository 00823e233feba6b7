package labresult

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateSample is returned when a result for the same device and
	// sample number is already stored. The stored record is left untouched.
	ErrDuplicateSample = errors.New("duplicate sample number")

	// ErrDecodeFailure wraps hl7v2 decoding errors for payloads with no
	// recognizable segment structure.
	ErrDecodeFailure = errors.New("message could not be decoded")

	// ErrMissingSampleNumber is returned when a decoded message carries no
	// sample number, so it cannot be stored idempotently.
	ErrMissingSampleNumber = errors.New("message carries no sample number")

	ErrPatientNotFound   = errors.New("patient not found")
	ErrNotFound          = errors.New("instrument result not found")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrValidation        = errors.New("validation failed")

	// ErrAmbiguousSample is returned when a sample number lookup matches
	// results from more than one device and no device id was given.
	ErrAmbiguousSample = errors.New("sample number is reported by more than one device")

	// ErrNotReprocessable is returned when reprocessing a result that parsed.
	ErrNotReprocessable = errors.New("only PARSE_FAILED results can be reprocessed")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
