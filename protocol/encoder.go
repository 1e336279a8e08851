package protocol

// Encoder builds a byte stream of messages. It is the client half of the
// format and is used by tests and by tooling that produces capture files.
//
// Encoder is not safe for concurrent use.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encode appends m and returns the encoder for chaining.
func (e *Encoder) Encode(m Message) *Encoder {
	e.buf = AppendMessage(e.buf, m)
	return e
}

// Raw appends bytes verbatim. Tests use it to build malformed streams.
func (e *Encoder) Raw(b ...byte) *Encoder {
	e.buf = append(e.buf, b...)
	return e
}

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Bytes returns the encoded stream. The slice is owned by the encoder until
// the next Encode or Reset.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Reset discards the encoded bytes, keeping the allocation.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Encode returns the encoding of msgs as one stream.
func Encode(msgs ...Message) []byte {
	var b []byte
	for _, m := range msgs {
		b = AppendMessage(b, m)
	}
	return b
}
