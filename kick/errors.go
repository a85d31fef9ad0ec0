package kick

import "errors"

var (
	// ErrDecode reports a frame that is not a well-formed Pusher envelope.
	ErrDecode = errors.New("decode failure")
	// ErrNormalize reports a recognized event whose payload has an unexpected shape.
	ErrNormalize = errors.New("normalize failure")
	// ErrInvalidChannelName is returned when a name normalizes to nothing.
	ErrInvalidChannelName = errors.New("invalid channel name")
)
