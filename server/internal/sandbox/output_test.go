package sandbox

import (
	"strings"
	"testing"
)

func TestCappedWriter(t *testing.T) {
	var seen strings.Builder
	w := newCappedWriter(StreamStdout, 5, ObserverFunc(func(stream string, data []byte) {
		if stream != StreamStdout {
			t.Errorf("stream = %q", stream)
		}
		seen.Write(data)
	}))

	if n, err := w.Write([]byte("abc")); err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if w.Truncated() {
		t.Error("truncated before the cap")
	}

	// Writes past the cap still report full length.
	if n, err := w.Write([]byte("defgh")); err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if n, _ := w.Write([]byte("ijk")); n != 3 {
		t.Errorf("Write = %d, want 3", n)
	}

	if w.String() != "abcde" {
		t.Errorf("String = %q", w.String())
	}
	if seen.String() != "abcde" {
		t.Errorf("observer saw %q", seen.String())
	}
	if !w.Truncated() {
		t.Error("not truncated past the cap")
	}
}

func TestCappedWriterInvalidUTF8(t *testing.T) {
	w := newCappedWriter(StreamStderr, 100, nil)
	_, _ = w.Write([]byte("ok \xff\xfe end"))
	if got := w.String(); got != "ok � end" {
		t.Errorf("String = %q", got)
	}
}
