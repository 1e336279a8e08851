package protocol

import "errors"

// Protocol errors. Any of them means the byte stream cannot be trusted and
// the connection must be torn down.
var (
	// ErrProtocol is the root of every structural decoding failure.
	ErrProtocol = errors.New("protocol: malformed command")

	// ErrUnknownOpcode is returned for an opcode missing from the command table.
	ErrUnknownOpcode = errors.New("protocol: unknown opcode")

	// ErrTruncated is returned when a command extends past the end of the input.
	ErrTruncated = errors.New("protocol: truncated command")

	// ErrTrailingTooLarge is returned when a declared trailing length exceeds
	// the limit for its opcode.
	ErrTrailingTooLarge = errors.New("protocol: trailing data exceeds limit")

	// ErrInvalidEnum is returned when a field holds a value outside its enum.
	ErrInvalidEnum = errors.New("protocol: enum value out of range")

	// ErrInvalidString is returned for trailing text that is not valid UTF-8.
	ErrInvalidString = errors.New("protocol: invalid string")

	// ErrSerializerClosed is returned by serializers after Close.
	ErrSerializerClosed = errors.New("protocol: serializer closed")
)

// protocolError joins a specific cause with ErrProtocol so callers can match
// either one with errors.Is.
type protocolError struct {
	cause  error
	detail string
}

func (e *protocolError) Error() string {
	if e.detail == "" {
		return e.cause.Error()
	}
	return e.cause.Error() + ": " + e.detail
}

func (e *protocolError) Unwrap() []error {
	return []error{ErrProtocol, e.cause}
}

func malformed(cause error, detail string) error {
	return &protocolError{cause: cause, detail: detail}
}
