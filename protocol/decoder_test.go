package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"frame-rpc/codec"
)

type collector struct {
	msgs []Message
}

func (c *collector) handle(m Message) { c.msgs = append(c.msgs, m) }

func (c *collector) raws() []string {
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Raw)
	}
	return out
}

func payloadFrame(t *testing.T, v any) []byte {
	t.Helper()
	f, err := EncodePayload(v)
	if err != nil {
		t.Fatal(err)
	}
	return f.Bytes()
}

// feedSplit feeds data in chunks whose sizes come from next, copying each
// chunk so no test shares memory with the decoder.
func feedSplit(t *testing.T, d *Decoder, data []byte, next func() int) {
	t.Helper()
	for len(data) > 0 {
		n := next()
		if n > len(data) {
			n = len(data)
		}
		if err := d.Feed(append([]byte(nil), data[:n]...)); err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		data = data[n:]
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDecoderChunkingIndependent(t *testing.T) {
	values := []any{
		map[string]any{"id": 1, "result": []any{"a", "b"}},
		nil,
		"x",
		map[string]any{},
		[]any{1.5, true, "<tag>", "ünïcode"},
	}
	var stream []byte
	var want []string
	for _, v := range values {
		frame := payloadFrame(t, v)
		stream = append(stream, frame...)
		want = append(want, string(frame[4:]))
	}

	rng := rand.New(rand.NewSource(1))
	strategies := map[string]func() int{
		"whole":  func() int { return len(stream) },
		"bytes":  func() int { return 1 },
		"pairs":  func() int { return 2 },
		"threes": func() int { return 3 },
		"fives":  func() int { return 5 },
		"random": func() int { return 1 + rng.Intn(9) },
	}
	for name, next := range strategies {
		t.Run(name, func(t *testing.T) {
			c := &collector{}
			d := NewDecoder(c.handle)
			feedSplit(t, d, stream, next)
			if !equalStrings(c.raws(), want) {
				t.Fatalf("decoded %q, want %q", c.raws(), want)
			}
			if d.Buffered() != 0 || d.State() != AwaitingLength {
				t.Fatalf("leftover state: buffered=%d state=%v", d.Buffered(), d.State())
			}
		})
	}
}

func TestDecoderEverySplitPoint(t *testing.T) {
	stream := append(payloadFrame(t, []any{"first", 1}), payloadFrame(t, map[string]any{"second": nil})...)
	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			c := &collector{}
			d := NewDecoder(c.handle)
			for _, part := range [][]byte{stream[:i], stream[i:j], stream[j:]} {
				if err := d.Feed(append([]byte(nil), part...)); err != nil {
					t.Fatalf("split %d/%d: %v", i, j, err)
				}
			}
			if len(c.msgs) != 2 {
				t.Fatalf("split %d/%d: got %d messages", i, j, len(c.msgs))
			}
			if string(c.msgs[0].Raw) != `["first",1]` || string(c.msgs[1].Raw) != `{"second":null}` {
				t.Fatalf("split %d/%d: got %q", i, j, c.raws())
			}
		}
	}
}

func TestDecoderManyFramesOneChunk(t *testing.T) {
	var stream []byte
	for i := 0; i < 50; i++ {
		stream = append(stream, payloadFrame(t, i)...)
	}
	c := &collector{}
	d := NewDecoder(c.handle)
	if err := d.Feed(stream); err != nil {
		t.Fatal(err)
	}
	if len(c.msgs) != 50 {
		t.Fatalf("expect 50 callbacks, got %d", len(c.msgs))
	}
	for i, m := range c.msgs {
		if n, ok := m.Value.AsInt64(); !ok || n != int64(i) {
			t.Fatalf("message %d out of order: %s", i, m.Raw)
		}
	}
}

func TestDecoderTailPlusFollowingFrames(t *testing.T) {
	first := payloadFrame(t, "aaaaaaaa")
	second := payloadFrame(t, "bb")
	third := payloadFrame(t, "c")
	c := &collector{}
	d := NewDecoder(c.handle)

	if err := d.Feed(append([]byte(nil), first[:7]...)); err != nil {
		t.Fatal(err)
	}
	if len(c.msgs) != 0 {
		t.Fatal("no frame should be complete yet")
	}
	chunk := append(append(append([]byte(nil), first[7:]...), second...), third...)
	if err := d.Feed(chunk); err != nil {
		t.Fatal(err)
	}
	want := []string{`"aaaaaaaa"`, `"bb"`, `"c"`}
	if !equalStrings(c.raws(), want) {
		t.Fatalf("got %q, want %q", c.raws(), want)
	}
}

func TestDecoderLengthFieldSplits(t *testing.T) {
	frame := payloadFrame(t, map[string]any{"k": "v"})
	for split := 1; split <= 3; split++ {
		c := &collector{}
		d := NewDecoder(c.handle)
		if err := d.Feed(append([]byte(nil), frame[:split]...)); err != nil {
			t.Fatal(err)
		}
		if d.State() != AwaitingLength || d.Buffered() != split {
			t.Fatalf("split %d: state=%v buffered=%d", split, d.State(), d.Buffered())
		}
		if !d.InFrame() {
			t.Fatalf("split %d: partial length field should count as in-frame", split)
		}
		if err := d.Feed(append([]byte(nil), frame[split:]...)); err != nil {
			t.Fatal(err)
		}
		if len(c.msgs) != 1 || string(c.msgs[0].Raw) != `{"k":"v"}` {
			t.Fatalf("split %d: got %q", split, c.raws())
		}
	}
}

func TestDecoderBoundaryExact(t *testing.T) {
	frame := payloadFrame(t, []any{1, 2, 3})
	c := &collector{}
	d := NewDecoder(c.handle)

	if err := d.Feed(append([]byte(nil), frame[:LengthSize]...)); err != nil {
		t.Fatal(err)
	}
	if d.State() != AwaitingContent {
		t.Fatalf("chunk ending on the length boundary should move to content, got %v", d.State())
	}
	if d.Buffered() != 0 {
		t.Fatalf("length field should be consumed, %d bytes left", d.Buffered())
	}
	if err := d.Feed(append([]byte(nil), frame[LengthSize:]...)); err != nil {
		t.Fatal(err)
	}
	if len(c.msgs) != 1 {
		t.Fatalf("chunk ending on the content boundary should complete the frame, got %d", len(c.msgs))
	}
	if d.InFrame() {
		t.Fatal("decoder should be idle after an exact frame")
	}
}

func TestDecoderSmallContent(t *testing.T) {
	for _, raw := range []string{"null", "{}", "0", `""`} {
		c := &collector{}
		d := NewDecoder(c.handle)
		f := Frame{Payload: []byte(raw)}
		if err := d.Feed(f.Bytes()); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if len(c.msgs) != 1 || string(c.msgs[0].Raw) != raw {
			t.Fatalf("%s: got %q", raw, c.raws())
		}
	}

	c := &collector{}
	d := NewDecoder(c.handle)
	if err := d.Feed(Frame{Payload: []byte("null")}.Bytes()); err != nil {
		t.Fatal(err)
	}
	if c.msgs[0].Value.Kind() != codec.KindNull {
		t.Fatalf("expect null value, got %v", c.msgs[0].Value.Kind())
	}
}

func TestDecoderFatalParse(t *testing.T) {
	bad := Frame{Payload: []byte("not json")}.Bytes()
	good := payloadFrame(t, "after")
	c := &collector{}
	d := NewDecoder(c.handle)

	err := d.Feed(append(append([]byte(nil), bad...), good...))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expect *ParseError, got %v", err)
	}
	if pe.Offset != 0 || pe.Length != 8 {
		t.Errorf("unexpected error position: offset=%d length=%d", pe.Offset, pe.Length)
	}
	if len(c.msgs) != 0 {
		t.Fatalf("no message may follow a parse failure, got %q", c.raws())
	}
	if d.State() != Halted {
		t.Fatalf("expect halted, got %v", d.State())
	}
	if err2 := d.Feed(good); err2 != err {
		t.Fatalf("halted decoder must keep returning the same error, got %v", err2)
	}
	if len(c.msgs) != 0 {
		t.Fatal("halted decoder delivered a message")
	}
	if d.Err() != err {
		t.Fatal("Err() should report the halting error")
	}
}

func TestDecoderParseErrorOffset(t *testing.T) {
	good := payloadFrame(t, 1)
	bad := Frame{Payload: []byte("{")}.Bytes()
	c := &collector{}
	d := NewDecoder(c.handle)
	err := d.Feed(append(append([]byte(nil), good...), bad...))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expect *ParseError, got %v", err)
	}
	if pe.Offset != int64(len(good)) {
		t.Fatalf("offset: got %d, want %d", pe.Offset, len(good))
	}
	if len(c.msgs) != 1 {
		t.Fatalf("frame before the bad one should be delivered, got %d", len(c.msgs))
	}
}

func TestDecoderRejectsEmptyContentInJSONMode(t *testing.T) {
	d := NewDecoder(nil)
	err := d.Feed(Frame{}.Bytes())
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expect *ParseError for empty content, got %v", err)
	}
}

func TestDecoderInvalidUTF8(t *testing.T) {
	d := NewDecoder(nil)
	err := d.Feed(Frame{Payload: []byte{'"', 0xc3, 0x28, '"'}}.Bytes())
	if !errors.Is(err, codec.ErrInvalidUTF8) {
		t.Fatalf("expect invalid UTF-8 parse error, got %v", err)
	}
}

func TestDecoderMaxContentLength(t *testing.T) {
	c := &collector{}
	d := NewDecoder(c.handle, WithMaxContentLength(8))
	err := d.Feed([]byte{0, 0, 0, 9})
	var pv *ProtocolViolation
	if !errors.As(err, &pv) {
		t.Fatalf("expect *ProtocolViolation, got %v", err)
	}
	if pv.Length != 9 || pv.Max != 8 {
		t.Fatalf("unexpected violation: %+v", pv)
	}
	if d.State() != Halted {
		t.Fatalf("expect halted, got %v", d.State())
	}

	d = NewDecoder(c.handle, WithMaxContentLength(8))
	if err := d.Feed(payloadFrame(t, "123456")); err != nil {
		t.Fatalf("frame at the limit should pass: %v", err)
	}
}

func TestDecoderRawCallFrame(t *testing.T) {
	f, err := EncodeCall(1, "Test", "ping", []any{42})
	if err != nil {
		t.Fatal(err)
	}
	wire := f.Bytes()

	c := &collector{}
	d := NewDecoder(c.handle, WithRawContent())
	feedSplit(t, d, wire, func() int { return 1 })
	if len(c.msgs) != 1 {
		t.Fatalf("expect one message, got %d", len(c.msgs))
	}
	if got := string(c.msgs[0].Raw); got != `1, "Test", "ping"[42]` {
		t.Fatalf("raw content mismatch: %q", got)
	}
	if !c.msgs[0].Value.IsNull() {
		t.Fatal("raw mode must not parse content")
	}

	// The same call frame is not one JSON value.
	d = NewDecoder(nil)
	var pe *ParseError
	if err := d.Feed(f.Bytes()); !errors.As(err, &pe) {
		t.Fatalf("call frame in JSON mode should fail to parse, got %v", err)
	}
}

func TestDecoderRawEmptyContent(t *testing.T) {
	c := &collector{}
	d := NewDecoder(c.handle, WithRawContent())
	if err := d.Feed(append(Frame{}.Bytes(), Frame{Payload: []byte("x")}.Bytes()...)); err != nil {
		t.Fatal(err)
	}
	if !equalStrings(c.raws(), []string{"", "x"}) {
		t.Fatalf("got %q", c.raws())
	}
}

func TestDecoderAvoidsCopyWithinOneChunk(t *testing.T) {
	frame := payloadFrame(t, "in-place")
	c := &collector{}
	d := NewDecoder(c.handle)
	if err := d.Feed(frame); err != nil {
		t.Fatal(err)
	}
	if &c.msgs[0].Raw[0] != &frame[LengthSize] {
		t.Fatal("a frame contained in one chunk should not be copied")
	}
}

func TestDecoderIgnoresEmptyChunks(t *testing.T) {
	frame := payloadFrame(t, true)
	c := &collector{}
	d := NewDecoder(c.handle)
	for _, part := range [][]byte{nil, frame[:2], {}, frame[2:], nil} {
		if err := d.Feed(append([]byte(nil), part...)); err != nil {
			t.Fatal(err)
		}
	}
	if len(c.msgs) != 1 {
		t.Fatalf("expect 1 message, got %d", len(c.msgs))
	}
}

func TestDecoderLargeFrame(t *testing.T) {
	big := bytes.Repeat([]byte("z"), 1<<20)
	frame := payloadFrame(t, string(big))
	c := &collector{}
	d := NewDecoder(c.handle)
	feedSplit(t, d, frame, func() int { return 4093 })
	if len(c.msgs) != 1 || len(c.msgs[0].Raw) != len(big)+2 {
		t.Fatalf("large frame not reassembled")
	}
}

func TestDecoderTrickledBytesStayCompact(t *testing.T) {
	frame := payloadFrame(t, strings.Repeat("q", 20000))
	c := &collector{}
	d := NewDecoder(c.handle)

	const trickled = 10000
	feedSplit(t, d, frame[:LengthSize+1], func() int { return LengthSize + 1 })
	feedSplit(t, d, frame[LengthSize+1:LengthSize+1+trickled], func() int { return 1 })

	held := cap(d.active)
	for _, p := range d.pending {
		held += cap(p)
	}
	if len(d.pending) > trickled/(coalesceSize/2) || held > trickled+2*coalesceSize {
		t.Fatalf("%d trickled bytes held in %d chunks, %d bytes capacity", trickled, len(d.pending), held)
	}

	feedSplit(t, d, frame[LengthSize+1+trickled:], func() int { return 777 })
	if len(c.msgs) != 1 || !bytes.Equal(c.msgs[0].Raw, frame[LengthSize:]) {
		t.Fatalf("trickled frame not reassembled")
	}
}
