package server

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpuwire/protocol"
)

// Server errors.
var (
	// ErrConnectionClosed is returned by HandleCommands after Close or after
	// an earlier call failed. A connection that sent one malformed command
	// is never trusted again.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrNilDevice is returned by New when no device is given.
	ErrNilDevice = errors.New("server: nil device")

	// ErrNilSerializer is returned by New when no serializer is given.
	ErrNilSerializer = errors.New("server: nil serializer")
)

// CommandError reports the command that made HandleCommands fail.
//
// Err wraps protocol.ErrProtocol for malformed input and one of the objects
// errors (ErrUnknownObject, ErrIDInUse, ErrTableFull, ErrInvalidID) for
// invalid object references.
type CommandError struct {
	// Offset is the position of the command's opcode in the HandleCommands
	// input. Nothing of the command was applied.
	Offset int

	// Opcode is the raw opcode, 0 when the input ended before one was read.
	Opcode uint32

	Err error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("server: %s at offset %d: %v", protocol.Opcode(e.Opcode), e.Offset, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// violation builds a protocol error raised by the server rather than the
// decoder, for rules that need object state to check.
func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", protocol.ErrProtocol, fmt.Sprintf(format, args...))
}
