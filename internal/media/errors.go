package media

import "errors"

// Error taxonomy for the media boundary. Room-level errors force the room
// into ending; track-level errors are logged and the track skipped.
var (
	// ErrServiceUnavailable means the external media service cannot be
	// reached (or exhausted its retry budget). Room-level: the room must
	// move to ending and the surviving peer is re-queued.
	ErrServiceUnavailable = errors.New("media: service unavailable")

	// ErrDeviceNotReady means produce was called before the capability
	// handshake with the media service completed.
	ErrDeviceNotReady = errors.New("media: device not ready")

	// ErrIncompatibleCapabilities means the media service reports the
	// producer cannot be consumed with the given capabilities. Track-level
	// and recoverable: skip the track, the room stays active.
	ErrIncompatibleCapabilities = errors.New("media: incompatible capabilities")

	// ErrTransportNotFound means the client referenced a transport id this
	// manager does not own (stale or foreign id). No state change.
	ErrTransportNotFound = errors.New("media: transport not found")

	// ErrConsumerNotFound means the client referenced an unknown consumer id.
	ErrConsumerNotFound = errors.New("media: consumer not found")

	// ErrNoTransports means produce/consume was attempted before
	// CreateTransports succeeded.
	ErrNoTransports = errors.New("media: transports not created")

	// ErrManagerClosed means the manager already tore down its handles.
	ErrManagerClosed = errors.New("media: manager closed")
)
