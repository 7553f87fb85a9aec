package console

import (
	"errors"
	"testing"
	"unsafe"
)

func resetHooks(t *testing.T) {
	t.Helper()
	prevSave, prevDisable, prevRestore := saveFlagsFn, disableIntFn, restoreFlagsFn
	saveFlagsFn = func() uint64 { return 0 }
	disableIntFn = func() {}
	restoreFlagsFn = func(uint64) {}
	t.Cleanup(func() {
		saveFlagsFn, disableIntFn, restoreFlagsFn = prevSave, prevDisable, prevRestore
		SetSink(nil)
	})
}

type recordingSink struct {
	writes [][]byte
}

func (r *recordingSink) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	r.writes = append(r.writes, cp)
	return len(p), nil
}

func TestWriteDropsWhenNoSinkInstalled(t *testing.T) {
	resetHooks(t)

	n, err := Write([]byte("hello"))
	if n != 0 || err != nil {
		t.Fatalf("expected a no-op write with no sink installed; got (%d, %v)", n, err)
	}
}

func TestWriteForwardsToInstalledSink(t *testing.T) {
	resetHooks(t)

	sink := &recordingSink{}
	SetSink(sink)

	n, err := Write([]byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("unexpected result (%d, %v)", n, err)
	}
	if len(sink.writes) != 1 || string(sink.writes[0]) != "hi" {
		t.Fatalf("expected the sink to receive \"hi\"; got %v", sink.writes)
	}
}

func TestWritePropagatesSinkError(t *testing.T) {
	resetHooks(t)

	wantErr := errors.New("boom")
	SetSink(&erroringSink{err: wantErr})

	_, err := Write([]byte("x"))
	if err != wantErr {
		t.Fatalf("expected the sink's error to propagate; got %v", err)
	}
}

type erroringSink struct{ err error }

func (s *erroringSink) Write(p []byte) (int, error) { return 0, s.err }

func TestWriteHexU32PadsToEightDigits(t *testing.T) {
	resetHooks(t)
	sink := &recordingSink{}
	SetSink(sink)

	WriteHexU32(0xbeef)

	if got := string(sink.writes[0]); got != "0000beef" {
		t.Fatalf("expected \"0000beef\"; got %q", got)
	}
}

func TestWriteHexU64PadsToSixteenDigits(t *testing.T) {
	resetHooks(t)
	sink := &recordingSink{}
	SetSink(sink)

	WriteHexU64(0xdeadbeef)

	if got := string(sink.writes[0]); got != "00000000deadbeef" {
		t.Fatalf("expected \"00000000deadbeef\"; got %q", got)
	}
}

func TestClearNoOpsOnNonClearingSink(t *testing.T) {
	resetHooks(t)
	SetSink(&recordingSink{})

	// Must not panic even though recordingSink has no Clear method.
	Clear()
}

func newHostVGA(t *testing.T) *VGA {
	t.Helper()
	buf := make([]uint16, vgaColumns*vgaRows)
	return NewVGA(uintptr(unsafe.Pointer(&buf[0])))
}

func TestVGAWritePlacesCharacters(t *testing.T) {
	v := newHostVGA(t)

	v.Write([]byte("AB"))

	if ch := v.fb[0] & 0xff; ch != 'A' {
		t.Fatalf("expected 'A' at position 0; got %q", rune(ch))
	}
	if ch := v.fb[1] & 0xff; ch != 'B' {
		t.Fatalf("expected 'B' at position 1; got %q", rune(ch))
	}
	if attr := v.fb[0] >> 8; attr != defaultAttr {
		t.Fatalf("expected default attribute 0x%x; got 0x%x", defaultAttr, attr)
	}
}

func TestVGANewlineMovesToNextRow(t *testing.T) {
	v := newHostVGA(t)

	v.Write([]byte("A\nB"))

	if ch := v.fb[vgaColumns] & 0xff; ch != 'B' {
		t.Fatalf("expected 'B' at the start of row 1; got %q", rune(ch))
	}
}

func TestVGAWrapsAtColumnBoundary(t *testing.T) {
	v := newHostVGA(t)

	line := make([]byte, vgaColumns+1)
	for i := range line {
		line[i] = 'x'
	}
	v.Write(line)

	if ch := v.fb[vgaColumns] & 0xff; ch != 'x' {
		t.Fatalf("expected the 81st character to wrap onto row 1; got %q", rune(ch))
	}
}

func TestVGAScrollsWhenRunningOffBottom(t *testing.T) {
	v := newHostVGA(t)

	for row := 0; row < vgaRows; row++ {
		v.Write([]byte{'0' + byte(row%10), '\n'})
	}

	// after vgaRows newlines the first row written has scrolled off; the
	// framebuffer's first row should now hold whatever followed it.
	if ch := v.fb[0] & 0xff; ch != '1' {
		t.Fatalf("expected row 0 after scroll to hold '1'; got %q", rune(ch))
	}
}

func TestVGAClearResetsFramebufferAndCursor(t *testing.T) {
	v := newHostVGA(t)
	v.Write([]byte("hello"))

	v.Clear()

	for i, cell := range v.fb {
		if cell&0xff != ' ' {
			t.Fatalf("expected cell %d to be blank after Clear; got %q", i, rune(cell&0xff))
		}
	}
	if v.row != 0 || v.col != 0 {
		t.Fatalf("expected cursor reset to (0,0); got (%d,%d)", v.row, v.col)
	}
}
