package wire

import "errors"

var (
	// ErrDecode is returned when a datagram is not a well-formed message
	ErrDecode = errors.New("malformed message")

	// ErrFieldTooLong is returned when a key, value or contact list exceeds 255 entries
	ErrFieldTooLong = errors.New("field exceeds one-byte length prefix")

	// ErrInvalidMessage is returned for messages that cannot be encoded at all
	ErrInvalidMessage = errors.New("invalid message")
)
