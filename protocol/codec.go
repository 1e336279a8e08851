package protocol

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Message is a typed command or reply that can be encoded.
type Message interface {
	// Opcode returns the raw opcode written at the start of the message.
	Opcode() uint32

	// table returns the message set the opcode belongs to.
	table() *Table

	// appendPayload appends the fixed payload.
	appendPayload(b []byte) []byte

	// trailing returns the trailing region, or nil.
	trailing() []byte
}

// EncodedSize returns the number of bytes m occupies on the wire.
func EncodedSize(m Message) int {
	info, _ := m.table().Lookup(m.Opcode())
	n := opcodeSize + info.FixedSize
	if info.Trailing {
		n += trailingLenSize + len(m.trailing())
	}
	return n
}

// AppendMessage appends the encoding of m to b.
func AppendMessage(b []byte, m Message) []byte {
	info, _ := m.table().Lookup(m.Opcode())
	b = binary.LittleEndian.AppendUint32(b, m.Opcode())
	b = m.appendPayload(b)
	if info.Trailing {
		t := m.trailing()
		b = binary.LittleEndian.AppendUint64(b, uint64(len(t)))
		b = append(b, t...)
	}
	return b
}

// fields reads fixed payload fields in order. The payload length is
// checked once against the table before any field is read.
type fields struct {
	b   []byte
	off int
}

func (f *fields) u32() uint32 {
	v := binary.LittleEndian.Uint32(f.b[f.off:])
	f.off += sizeU32
	return v
}

func (f *fields) u64() uint64 {
	v := binary.LittleEndian.Uint64(f.b[f.off:])
	f.off += sizeU64
	return v
}

func (f *fields) boolean(name string) (bool, error) {
	switch v := f.u32(); v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, malformed(ErrInvalidEnum, fmt.Sprintf("%s = %d", name, v))
	}
}

// open validates that c carries want and that its payload has the declared
// size, then returns a field reader over the payload.
func open(t *Table, c Command, want uint32) (*fields, error) {
	info, ok := t.Lookup(want)
	if !ok || c.Op != want {
		return nil, malformed(ErrUnknownOpcode, fmt.Sprintf("got opcode %d, want %d", c.Op, want))
	}
	if len(c.Payload) != info.FixedSize {
		return nil, malformed(ErrTruncated, fmt.Sprintf("%s payload is %d bytes, want %d", info.Name, len(c.Payload), info.FixedSize))
	}
	return &fields{b: c.Payload}, nil
}

// text validates trailing bytes as a UTF-8 string.
func text(name string, b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", malformed(ErrInvalidString, name+" is not valid UTF-8")
	}
	return string(b), nil
}

func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
func appendU64(b []byte, v uint64) []byte { return binary.LittleEndian.AppendUint64(b, v) }

func appendBool(b []byte, v bool) []byte {
	if v {
		return appendU32(b, 1)
	}
	return appendU32(b, 0)
}
