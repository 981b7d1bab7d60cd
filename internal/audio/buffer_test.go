package audio

import (
	"bytes"
	"testing"
)

func TestRingBuffer_WriteRead(t *testing.T) {
	rb := NewRingBuffer(16)

	data := []byte{1, 2, 3, 4, 5}
	written := rb.Write(data)
	if written != len(data) {
		t.Fatalf("Expected %d bytes written, got %d", len(data), written)
	}

	out := make([]byte, 5)
	read := rb.Read(out)
	if read != 5 {
		t.Fatalf("Expected 5 bytes read, got %d", read)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("Expected %v, got %v", data, out)
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(8) // capacity 7

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	written := rb.Write(data)
	if written != 7 {
		t.Errorf("Expected 7 bytes written into capacity-7 buffer, got %d", written)
	}
}

func TestRingBuffer_ReadFrame(t *testing.T) {
	rb := NewRingBuffer(1024)

	// Fewer bytes than one frame: no frame yet.
	rb.Write(make([]byte, TelephonyFrameBytes-1))
	if frame := rb.ReadFrame(TelephonyFrameBytes); frame != nil {
		t.Errorf("Expected nil frame with %d bytes buffered, got %d bytes", TelephonyFrameBytes-1, len(frame))
	}

	// Top up past one frame boundary.
	rb.Write(make([]byte, 100))
	frame := rb.ReadFrame(TelephonyFrameBytes)
	if len(frame) != TelephonyFrameBytes {
		t.Fatalf("Expected %d-byte frame, got %d", TelephonyFrameBytes, len(frame))
	}

	// Remainder stays buffered.
	if rb.Available() != TelephonyFrameBytes-1+100-TelephonyFrameBytes {
		t.Errorf("Unexpected remainder: %d bytes", rb.Available())
	}
}

func TestRingBuffer_Drain(t *testing.T) {
	rb := NewRingBuffer(256)

	rb.Write([]byte{9, 8, 7})
	data := rb.Drain()
	if !bytes.Equal(data, []byte{9, 8, 7}) {
		t.Errorf("Expected [9 8 7], got %v", data)
	}
	if rb.Available() != 0 {
		t.Errorf("Expected empty buffer after drain, got %d bytes", rb.Available())
	}
	if again := rb.Drain(); again != nil {
		t.Errorf("Expected nil drain on empty buffer, got %v", again)
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(8)

	for cycle := 0; cycle < 5; cycle++ {
		data := []byte{byte(cycle), byte(cycle + 1), byte(cycle + 2)}
		if written := rb.Write(data); written != 3 {
			t.Fatalf("cycle %d: expected 3 written, got %d", cycle, written)
		}
		out := make([]byte, 3)
		if read := rb.Read(out); read != 3 {
			t.Fatalf("cycle %d: expected 3 read, got %d", cycle, read)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("cycle %d: expected %v, got %v", cycle, data, out)
		}
	}
}
