package lifecycle

import "errors"

// Error kinds surfaced by the Controller. Failures from collaborators are
// wrapped so the original cause stays reachable through errors.Is/As.
var (
	ErrMissingInput         = errors.New("missing input")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("document not found")
	ErrInvalidState         = errors.New("invalid document state")
	ErrNotAvailable         = errors.New("file not available")
)
