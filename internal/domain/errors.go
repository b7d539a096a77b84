package domain

import "errors"

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrNetworkFailure    = errors.New("network failure")
	ErrResourceBusy      = errors.New("resource busy")
	ErrSessionDisposed   = errors.New("session disposed")
)

// Classify maps an error onto the error code reported to the UI.
func Classify(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrorCodePermission
	case errors.Is(err, ErrDeviceUnavailable):
		return ErrorCodeDevice
	case errors.Is(err, ErrNetworkFailure):
		return ErrorCodeNetwork
	case errors.Is(err, ErrResourceBusy):
		return ErrorCodeBusy
	default:
		return ErrorCodeUnavailable
	}
}
