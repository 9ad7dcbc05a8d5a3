package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type recordingWriter struct {
	writes [][]byte
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func TestEncodeCall(t *testing.T) {
	f, err := EncodeCall(1, "Test", "ping", []any{42})
	if err != nil {
		t.Fatalf("EncodeCall failed: %v", err)
	}
	want := `1, "Test", "ping"[42]`
	if string(f.Content()) != want {
		t.Fatalf("content mismatch: got %q, want %q", f.Content(), want)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	wire := buf.Bytes()
	if got := binary.BigEndian.Uint32(wire[:4]); got != uint32(len(want)) {
		t.Errorf("length prefix: got %d, want %d", got, len(want))
	}
	if !bytes.Equal(wire[:4], []byte{0, 0, 0, 21}) {
		t.Errorf("length prefix bytes: got %v", wire[:4])
	}
	if string(wire[4:]) != want {
		t.Errorf("body mismatch: got %q", wire[4:])
	}
	if !bytes.Equal(wire, f.Bytes()) {
		t.Errorf("Bytes() disagrees with Encode")
	}
}

func TestEncodeCallNoReply(t *testing.T) {
	f, err := EncodeCall(NoReply, "Test", "ping", []any{42})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(f.Content()); got != `"Test", "ping"[42]` {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestEncodeCallWithoutParams(t *testing.T) {
	f, err := EncodeCall(7, "Editor", "save", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(f.Content()); got != `7, "Editor", "save"null` {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestEncodeReplies(t *testing.T) {
	res, err := EncodeResult(3, map[string]bool{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(res.Content()); got != `3, "r"{"ok":true}` {
		t.Errorf("result content: %q", got)
	}
	if res.Len() != len(res.Content()) {
		t.Errorf("Len %d disagrees with content length %d", res.Len(), len(res.Content()))
	}

	e, err := EncodeError(4, "boom")
	if err != nil {
		t.Fatal(err)
	}
	if got := string(e.Content()); got != `4, "e""boom"` {
		t.Errorf("error content: %q", got)
	}
}

func TestEncodeMultiByteLength(t *testing.T) {
	f, err := EncodeResult(1, "héllo")
	if err != nil {
		t.Fatal(err)
	}
	wire := f.Bytes()
	if got := binary.BigEndian.Uint32(wire[:4]); int(got) != len(wire)-4 {
		t.Fatalf("length prefix counts characters, not bytes: %d vs %d", got, len(wire)-4)
	}
}

func TestEncodeWritesPartsInOrder(t *testing.T) {
	f, err := EncodeCall(2, "D", "c", []any{"x"})
	if err != nil {
		t.Fatal(err)
	}
	w := &recordingWriter{}
	if err := Encode(w, f); err != nil {
		t.Fatal(err)
	}
	if len(w.writes) != 3 {
		t.Fatalf("expect 3 writes, got %d", len(w.writes))
	}
	if string(w.writes[1]) != `2, "D", "c"` || string(w.writes[2]) != `["x"]` {
		t.Fatalf("unexpected parts: %q %q", w.writes[1], w.writes[2])
	}

	w = &recordingWriter{}
	p, _ := EncodePayload(nil)
	if err := Encode(w, p); err != nil {
		t.Fatal(err)
	}
	if len(w.writes) != 2 {
		t.Fatalf("payload-only frame: expect 2 writes, got %d", len(w.writes))
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestEncodePropagatesWriteError(t *testing.T) {
	f, _ := EncodePayload(1)
	if err := Encode(failingWriter{}, f); err == nil {
		t.Fatal("expect write error")
	}
}

func TestHandshake(t *testing.T) {
	want := []byte{67, 72, 105, 149, 126, 235, 175, 184, 64, 54, 169, 168, 0, 210, 208, 34, 249, 189}
	if !bytes.Equal(DefaultHandshake[:], want) {
		t.Fatalf("default handshake bytes changed: %v", DefaultHandshake[:])
	}
	h, err := ParseHandshake(DefaultHandshake.String())
	if err != nil {
		t.Fatal(err)
	}
	if h != DefaultHandshake {
		t.Fatalf("hex round trip mismatch")
	}
	if _, err := ParseHandshake("abcd"); err == nil {
		t.Fatal("expect error for short handshake")
	}
	if _, err := ParseHandshake("zz"); err == nil {
		t.Fatal("expect error for bad hex")
	}
}
