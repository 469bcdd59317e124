package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single IPC frame. Frames above it are a framing
// error; the connection carrying them is dropped.
const MaxFrameSize = 1 << 20

var ErrFrameTooLarge = errors.New("ipc frame exceeds maximum size")

// DecodeError marks a frame whose bytes arrived intact but whose JSON did
// not parse. The stream stays aligned, so callers may drop the message and
// keep reading.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "ipc frame decode: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeFrame serializes m as a 4-byte little-endian length prefix followed
// by the UTF-8 JSON envelope.
func EncodeFrame(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// ReadFrame reads exactly one frame from r. A partial header or body at
// stream end surfaces as io.ErrUnexpectedEOF, never as a phantom message.
func ReadFrame(r io.Reader) (Message, error) {
	var m Message
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return m, io.EOF
		}
		return m, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return m, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return m, io.ErrUnexpectedEOF
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return m, &DecodeError{Err: err}
	}
	return m, nil
}
