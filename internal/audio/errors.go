package audio

import "errors"

var (
	// ErrDeviceUnavailable is returned when there is no default output device
	// or the endpoint enumerator cannot be reached.
	ErrDeviceUnavailable = errors.New("default output device unavailable")
	// ErrStreamInitFailed is returned when format negotiation or stream
	// initialization is rejected.
	ErrStreamInitFailed = errors.New("stream initialization failed")
	// ErrStreamStartFailed is returned when a stream cannot be primed or started.
	ErrStreamStartFailed = errors.New("stream start failed")
	// ErrCaptureFault is returned when the capture stream fails mid-session.
	// The engine is stopped when it is returned.
	ErrCaptureFault = errors.New("capture fault")
	// ErrStopFailed wraps every teardown failure of a Stop call.
	ErrStopFailed = errors.New("stop failed")
	// ErrInvalidState is returned when an operation is called in the wrong
	// engine state or out of acquire/release order.
	ErrInvalidState = errors.New("invalid engine state")
)
