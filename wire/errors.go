package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol is matched by every decode failure caused by the peer
	// sending bytes that do not form a valid frame.
	ErrProtocol = errors.New("wire: protocol error")

	// ErrShortRead is returned when the stream ends before a declared length
	// has been satisfied.
	ErrShortRead = fmt.Errorf("%w: short read", ErrProtocol)

	// ErrInvalidTopic is returned when topic bytes are not valid UTF-8.
	ErrInvalidTopic = fmt.Errorf("%w: topic is not valid utf-8", ErrProtocol)

	// ErrFrameTooLarge is returned by the encoders when a length does not fit
	// in a u32.
	ErrFrameTooLarge = errors.New("wire: frame field exceeds 4 GiB")
)
