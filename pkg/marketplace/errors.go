package marketplace

import "errors"

// Error kinds returned by the lifecycle service. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrUnavailable      = errors.New("extension unavailable")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// ErrorCode returns a stable machine-readable code for an error kind
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	default:
		return "internal"
	}
}
