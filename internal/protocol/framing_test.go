package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeLocationCheck, "moda", TargetFramework,
		LocationCheckPayload{Location: "Chest", Instance: 2})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}

	frame, err := EncodeFrame(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != msg.Type || got.Source != msg.Source || got.Target != msg.Target {
		t.Fatalf("envelope mismatch: got=%+v want=%+v", got, msg)
	}

	p, err := DecodePayload[LocationCheckPayload](got)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Location != "Chest" || p.Instance != 2 {
		t.Fatalf("payload mismatch: got=%+v", p)
	}
}

// chunkReader returns at most one byte per Read to exercise reassembly.
type chunkReader struct {
	data []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReadFrame_ArbitraryChunking(t *testing.T) {
	var stream []byte
	want := []string{TypeRegister, TypeLocationCheck, TypeLog}
	for _, typ := range want {
		msg, _ := NewMessage(typ, "m", TargetFramework, nil)
		frame, err := EncodeFrame(msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, frame...)
	}

	r := &chunkReader{data: stream}
	for i, typ := range want {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got.Type != typ {
			t.Fatalf("frame %d: got=%q want=%q", i, got.Type, typ)
		}
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF at stream end, got %v", err)
	}
}

func TestReadFrame_PartialHeaderIsNotAMessage(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x10, 0x00}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("partial header: got=%v want=ErrUnexpectedEOF", err)
	}
}

func TestReadFrame_PartialBodyIsNotAMessage(t *testing.T) {
	msg, _ := NewMessage(TypeLog, "m", TargetFramework, LogPayload{Level: "info", Message: "hi"})
	frame, _ := EncodeFrame(msg)
	_, err := ReadFrame(bytes.NewReader(frame[:len(frame)-3]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("partial body: got=%v want=ErrUnexpectedEOF", err)
	}
}

func TestReadFrame_OversizeRejected(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversize: got=%v want=ErrFrameTooLarge", err)
	}
}

func TestReadFrame_BadJSONKeepsStreamAligned(t *testing.T) {
	bad := []byte("{not json")
	var stream []byte
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(bad)))
	stream = append(stream, hdr[:]...)
	stream = append(stream, bad...)

	good, _ := NewMessage(TypeLog, "m", TargetFramework, nil)
	frame, _ := EncodeFrame(good)
	stream = append(stream, frame...)

	r := bytes.NewReader(stream)
	_, err := ReadFrame(r)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	got, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("read after bad frame: %v", err)
	}
	if got.Type != TypeLog {
		t.Fatalf("got=%q want=%q", got.Type, TypeLog)
	}
}
