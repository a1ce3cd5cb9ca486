package types

import "errors"

// Validation-class errors: reject the unit of work, never retry.
var (
	ErrInvalidAction        = errors.New("types: invalid action")
	ErrHoldWithQuantity     = errors.New("types: HOLD intent must have zero quantity")
	ErrNegativeQuantity     = errors.New("types: quantity must be >= 0")
	ErrConfidenceOutOfRange = errors.New("types: confidence must be in [0,1]")
	ErrUnknownEventKind     = errors.New("types: unrecognized market event kind")
	ErrSchemaMismatch       = errors.New("types: schema version mismatch")
)
