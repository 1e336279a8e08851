package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDecoder_RoundTripStream(t *testing.T) {
	data := Encode(
		DeviceGetQueueCmd{Device: 1, Result: 1},
		DeviceCreateBufferCmd{Device: 1, Result: 7, Usage: 9, MappedAtCreation: true, Size: 256},
		DeviceCreateShaderModuleCmd{Device: 1, Result: 2, Source: "@compute @workgroup_size(1) fn main() {}"},
		BufferUnmapCmd{Buffer: 7},
		DestroyObjectCmd{Type: 3, ID: 7},
	)

	cmds, err := DecodeAll(Commands, data, 0)
	if err != nil {
		t.Fatalf("DecodeAll failed: %v", err)
	}
	wantOps := []Opcode{OpDeviceGetQueue, OpDeviceCreateBuffer, OpDeviceCreateShaderModule, OpBufferUnmap, OpDestroyObject}
	if len(cmds) != len(wantOps) {
		t.Fatalf("decoded %d commands, want %d", len(cmds), len(wantOps))
	}
	off := 0
	for i, c := range cmds {
		if Opcode(c.Op) != wantOps[i] {
			t.Errorf("cmd %d: op = %v, want %v", i, Opcode(c.Op), wantOps[i])
		}
		if c.Offset != off {
			t.Errorf("cmd %d: offset = %d, want %d", i, c.Offset, off)
		}
		off += c.Size
	}
	if off != len(data) {
		t.Errorf("sizes sum to %d, want %d", off, len(data))
	}

	var create DeviceCreateBufferCmd
	if err := create.Decode(cmds[1]); err != nil {
		t.Fatalf("Decode DeviceCreateBuffer: %v", err)
	}
	if create.Result != 7 || create.Size != 256 || !create.MappedAtCreation || create.Usage != 9 {
		t.Errorf("DeviceCreateBuffer = %+v", create)
	}

	var shader DeviceCreateShaderModuleCmd
	if err := shader.Decode(cmds[2]); err != nil {
		t.Fatalf("Decode DeviceCreateShaderModule: %v", err)
	}
	if shader.Source != "@compute @workgroup_size(1) fn main() {}" {
		t.Errorf("Source = %q", shader.Source)
	}
}

// A 100-byte buffer of which 50 bytes are valid input, holding a write that
// declares 10,000 trailing bytes.
func TestDecoder_TrailingOverrun(t *testing.T) {
	buf := make([]byte, 100)
	head := Encode(QueueWriteBufferCmd{Queue: 1, Buffer: 2, Offset: 0})
	copy(buf, head)
	lenOff := opcodeSize + Commands.entries[OpQueueWriteBuffer].FixedSize
	binary.LittleEndian.PutUint64(buf[lenOff:], 10000)

	d := NewDecoder(Commands, buf[:50], 0)
	_, err := d.Next()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Next = %v, want ErrProtocol", err)
	}
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("Next = %v, want ErrTruncated", err)
	}
	if d.Offset() != 0 {
		t.Errorf("Offset after error = %d, want 0", d.Offset())
	}
}

func TestDecoder_Errors(t *testing.T) {
	valid := Encode(DeviceTickCmd{Device: 1})

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short opcode", []byte{1, 0}, ErrTruncated},
		{"unknown opcode", []byte{0xff, 0, 0, 0}, ErrUnknownOpcode},
		{"zero opcode", []byte{0, 0, 0, 0}, ErrUnknownOpcode},
		{"short payload", valid[:len(valid)-1], ErrTruncated},
		{
			"missing trailing length",
			Encode(QueueWriteBufferCmd{Queue: 1, Buffer: 1})[:opcodeSize+16+3],
			ErrTruncated,
		},
		{"shader over limit", declareTrailing(OpDeviceCreateShaderModule, MaxShaderSource+1), ErrTrailingTooLarge},
		{"huge length", declareTrailing(OpQueueWriteBuffer, ^uint64(0)), ErrTrailingTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder(Commands, tt.data, 0)
			_, err := d.Next()
			if !errors.Is(err, tt.want) {
				t.Errorf("Next = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Next = %v, does not wrap ErrProtocol", err)
			}
			if d.Offset() != 0 {
				t.Errorf("Offset = %d, want 0", d.Offset())
			}
		})
	}
}

func TestDecoder_DecoderLimit(t *testing.T) {
	data := Encode(QueueWriteBufferCmd{Queue: 1, Buffer: 1, Data: make([]byte, 64)})

	if _, err := DecodeAll(Commands, data, 64); err != nil {
		t.Fatalf("limit 64: %v", err)
	}
	_, err := DecodeAll(Commands, data, 63)
	if !errors.Is(err, ErrTrailingTooLarge) {
		t.Errorf("limit 63: %v, want ErrTrailingTooLarge", err)
	}
}

func TestDecoder_StopsAtFirstError(t *testing.T) {
	good := Encode(DeviceTickCmd{Device: 1}, BufferUnmapCmd{Buffer: 3})
	data := append(append([]byte{}, good...), 0xee, 0, 0, 0)

	cmds, err := DecodeAll(Commands, data, 0)
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("DecodeAll = %v, want ErrUnknownOpcode", err)
	}
	if len(cmds) != 2 {
		t.Errorf("decoded %d commands before the error, want 2", len(cmds))
	}
}

func TestTypedDecode_EnumChecks(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		decode func(Command) error
		want   error
	}{
		{
			"map mode 0",
			Encode(BufferMapAsyncCmd{Buffer: 1, Mode: 0}),
			func(c Command) error { var m BufferMapAsyncCmd; return m.Decode(c) },
			ErrInvalidEnum,
		},
		{
			"map mode 3",
			Encode(BufferMapAsyncCmd{Buffer: 1, Mode: 3}),
			func(c Command) error { var m BufferMapAsyncCmd; return m.Decode(c) },
			ErrInvalidEnum,
		},
		{
			"object type 0",
			Encode(DestroyObjectCmd{Type: 0, ID: 1}),
			func(c Command) error { var m DestroyObjectCmd; return m.Decode(c) },
			ErrInvalidEnum,
		},
		{
			"object type 99",
			Encode(DestroyObjectCmd{Type: 99, ID: 1}),
			func(c Command) error { var m DestroyObjectCmd; return m.Decode(c) },
			ErrInvalidEnum,
		},
		{
			"mappedAtCreation 2",
			patchU32(Encode(DeviceCreateBufferCmd{Device: 1, Result: 2}), opcodeSize+3*sizeU32, 2),
			func(c Command) error { var m DeviceCreateBufferCmd; return m.Decode(c) },
			ErrInvalidEnum,
		},
		{
			"shader not utf8",
			Encode(DeviceCreateShaderModuleCmd{Device: 1, Result: 2, Source: "\xff\xfe"}),
			func(c Command) error { var m DeviceCreateShaderModuleCmd; return m.Decode(c) },
			ErrInvalidString,
		},
		{
			"submit list not multiple of 4",
			rawTrailing(OpQueueSubmit, []byte{1, 0, 0, 0, 0, 0}),
			func(c Command) error { var m QueueSubmitCmd; return m.Decode(c) },
			ErrTruncated,
		},
		{
			"wrong opcode",
			Encode(BufferUnmapCmd{Buffer: 1}),
			func(c Command) error { var m BufferDestroyCmd; return m.Decode(c) },
			ErrUnknownOpcode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmds, err := DecodeAll(Commands, tt.data, 0)
			if err != nil {
				t.Fatalf("DecodeAll failed: %v", err)
			}
			err = tt.decode(cmds[0])
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Decode = %v, does not wrap ErrProtocol", err)
			}
		})
	}
}

func TestQueueSubmitCmd_IDs(t *testing.T) {
	data := Encode(QueueSubmitCmd{Queue: 1, CommandBuffers: []uint32{4, 5, 6}})
	cmds, err := DecodeAll(Commands, data, 0)
	if err != nil {
		t.Fatal(err)
	}
	var m QueueSubmitCmd
	if err := m.Decode(cmds[0]); err != nil {
		t.Fatal(err)
	}
	if len(m.CommandBuffers) != 3 || m.CommandBuffers[0] != 4 || m.CommandBuffers[2] != 6 {
		t.Errorf("CommandBuffers = %v, want [4 5 6]", m.CommandBuffers)
	}
}

func TestOpcode_String(t *testing.T) {
	if got := OpBufferMapAsync.String(); got != "BufferMapAsync" {
		t.Errorf("String = %q", got)
	}
	if got := Opcode(200).String(); got != "Opcode(200)" {
		t.Errorf("String = %q", got)
	}
	if got := ReplyDeviceLost.String(); got != "DeviceLost" {
		t.Errorf("String = %q", got)
	}
}

// declareTrailing builds op with a zeroed fixed payload and a trailing
// length of n but no trailing bytes.
func declareTrailing(op Opcode, n uint64) []byte {
	info, _ := Commands.Lookup(uint32(op))
	b := binary.LittleEndian.AppendUint32(nil, uint32(op))
	b = append(b, make([]byte, info.FixedSize)...)
	return binary.LittleEndian.AppendUint64(b, n)
}

func rawTrailing(op Opcode, trailing []byte) []byte {
	b := declareTrailing(op, uint64(len(trailing)))
	return append(b, trailing...)
}

func patchU32(b []byte, off int, v uint32) []byte {
	binary.LittleEndian.PutUint32(b[off:], v)
	return b
}
