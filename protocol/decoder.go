// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command is one structurally valid message extracted by a Decoder.
//
// Payload and Trailing alias the decoder input; they are only valid as long
// as the caller keeps that buffer unchanged.
type Command struct {
	// Op is the raw opcode; convert with Opcode(c.Op) or ReplyOpcode(c.Op).
	Op uint32

	// Offset is the position of the opcode in the decoder input.
	Offset int

	// Size is the total encoded size, opcode and trailing data included.
	Size int

	// Payload is exactly the fixed payload declared for Op.
	Payload []byte

	// Trailing is the trailing region, nil for opcodes without one.
	Trailing []byte
}

// Decoder extracts messages from a byte buffer without executing them.
//
// Every read is checked against the remaining input before it happens, so
// the decoder never reads past the buffer and never allocates on behalf of
// the input: a declared length is only trusted after it is known to fit.
type Decoder struct {
	table       *Table
	data        []byte
	off         int
	maxTrailing uint64
}

// NewDecoder creates a decoder over data using table for message layouts.
// maxTrailing bounds every trailing region; 0 selects DefaultMaxTrailing.
func NewDecoder(table *Table, data []byte, maxTrailing uint64) *Decoder {
	if maxTrailing == 0 {
		maxTrailing = DefaultMaxTrailing
	}
	return &Decoder{
		table:       table,
		data:        data,
		maxTrailing: maxTrailing,
	}
}

// More reports whether unread input remains.
func (d *Decoder) More() bool {
	return d.off < len(d.data)
}

// Offset returns the number of bytes consumed by successful Next calls.
func (d *Decoder) Offset() int {
	return d.off
}

// Next extracts the next message.
//
// On error the decoder does not advance: Offset still points at the first
// byte of the malformed message. The error wraps ErrProtocol.
func (d *Decoder) Next() (Command, error) {
	start := d.off
	remaining := len(d.data) - start

	if remaining < opcodeSize {
		return Command{}, malformed(ErrTruncated,
			fmt.Sprintf("%d bytes left for a %d-byte opcode at offset %d", remaining, opcodeSize, start))
	}
	op := binary.LittleEndian.Uint32(d.data[start:])
	info, ok := d.table.Lookup(op)
	if !ok {
		return Command{}, malformed(ErrUnknownOpcode, fmt.Sprintf("%s opcode %d at offset %d", d.table.name, op, start))
	}

	pos := start + opcodeSize
	if len(d.data)-pos < info.FixedSize {
		return Command{}, malformed(ErrTruncated,
			fmt.Sprintf("%s needs %d payload bytes, %d left at offset %d", info.Name, info.FixedSize, len(d.data)-pos, start))
	}
	cmd := Command{
		Op:      op,
		Offset:  start,
		Payload: d.data[pos : pos+info.FixedSize : pos+info.FixedSize],
	}
	pos += info.FixedSize

	if info.Trailing {
		if len(d.data)-pos < trailingLenSize {
			return Command{}, malformed(ErrTruncated,
				fmt.Sprintf("%s trailing length cut off at offset %d", info.Name, start))
		}
		n := binary.LittleEndian.Uint64(d.data[pos:])
		pos += trailingLenSize

		limit := d.maxTrailing
		if info.MaxTrailing != 0 && info.MaxTrailing < limit {
			limit = info.MaxTrailing
		}
		if n > limit {
			return Command{}, malformed(ErrTrailingTooLarge,
				fmt.Sprintf("%s declares %d bytes, limit %d", info.Name, n, limit))
		}
		if n > uint64(len(d.data)-pos) {
			return Command{}, malformed(ErrTruncated,
				fmt.Sprintf("%s declares %d trailing bytes, %d left at offset %d", info.Name, n, len(d.data)-pos, start))
		}
		end := pos + int(n)
		cmd.Trailing = d.data[pos:end:end]
		pos = end
	}

	cmd.Size = pos - start
	d.off = pos
	return cmd, nil
}

// DecodeAll extracts every message in data. It stops at the first malformed
// message and returns the messages decoded so far with the error.
func DecodeAll(table *Table, data []byte, maxTrailing uint64) ([]Command, error) {
	d := NewDecoder(table, data, maxTrailing)
	var cmds []Command
	for d.More() {
		c, err := d.Next()
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, c)
	}
	return cmds, nil
}
