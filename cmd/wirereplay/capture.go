package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// A capture file is a sequence of frames, one per HandleCommands call made
// by the recording client:
//
//	u32 length (little-endian) | length bytes of commands
const maxFrameSize = 256 << 20

var errFrameTooLarge = errors.New("wirereplay: frame exceeds size limit")

// ReadFrames reads every frame from r. A clean end of input between frames
// ends the capture; anything else short is an error.
func ReadFrames(r io.Reader) ([][]byte, error) {
	var frames [][]byte
	var hdr [4]byte
	for i := 0; ; i++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("wirereplay: frame %d header: %w", i, err)
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n > maxFrameSize {
			return nil, fmt.Errorf("%w: frame %d is %d bytes", errFrameTooLarge, i, n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, fmt.Errorf("wirereplay: frame %d body: %w", i, err)
		}
		frames = append(frames, frame)
	}
}

// WriteFrame appends one frame to w.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(frame))
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
