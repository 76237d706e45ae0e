package market

import "errors"

var (
	// ErrInvalidBar marks a bar that fails internal consistency checks.
	ErrInvalidBar = errors.New("invalid bar")
	// ErrOutOfOrderBar marks a bar whose open time regressed against the
	// stream already consumed.
	ErrOutOfOrderBar = errors.New("bar open time out of order")
	// ErrEndOfStream is returned by a feed once no further bars exist.
	// Replay drivers close remaining positions on it; live feeds block
	// instead of returning it.
	ErrEndOfStream = errors.New("end of bar stream")
)
