package hl7v2

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func writeFrames(t *testing.T, f *Framer, p string) []string {
	t.Helper()
	frames, err := f.Write([]byte(p))
	if err != nil {
		t.Fatalf("Write(%q): %v", p, err)
	}
	return toStrings(frames)
}

func toStrings(frames [][]byte) []string {
	out := make([]string, 0, len(frames))
	for _, fr := range frames {
		out = append(out, string(fr))
	}
	return out
}

func assertFrames(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("frames = %q, want %q", got, want)
	}
}

func TestFramer_SingleMessage(t *testing.T) {
	f := NewFramer(0)

	got := writeFrames(t, f, "MSH|^~\\&|DH36\rOBX|1|NM|WBC||5\r\r")
	assertFrames(t, got, "MSH|^~\\&|DH36\rOBX|1|NM|WBC||5")
	if f.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", f.Buffered())
	}
}

func TestFramer_Terminators(t *testing.T) {
	for name, term := range map[string]string{
		"CR CR":     "\r\r",
		"LF LF":     "\n\n",
		"CRLF CRLF": "\r\n\r\n",
		"CR LF LF":  "\r\n\n",
		"MLLP":      "\x1c\r",
	} {
		t.Run(name, func(t *testing.T) {
			f := NewFramer(0)
			got := writeFrames(t, f, "OBR|1||S-1\nOBX|1|NM|WBC||5"+term+"OBR|1||S-2")
			assertFrames(t, got, "OBR|1||S-1\nOBX|1|NM|WBC||5")
			if f.Buffered() != len("OBR|1||S-2") {
				t.Errorf("Buffered() = %d, want %d", f.Buffered(), len("OBR|1||S-2"))
			}
		})
	}
}

func TestFramer_TerminatorSplitAcrossWrites(t *testing.T) {
	f := NewFramer(0)

	assertFrames(t, writeFrames(t, f, "OBR|1||S-1\r"))
	// a single CRLF is a segment break
	assertFrames(t, writeFrames(t, f, "\n"))

	got := writeFrames(t, f, "\r\nOBR|1||S-2")
	assertFrames(t, got, "OBR|1||S-1")
	if f.Buffered() != len("OBR|1||S-2") {
		t.Errorf("Buffered() = %d, want %d", f.Buffered(), len("OBR|1||S-2"))
	}
}

func TestFramer_ByteAtATime(t *testing.T) {
	stream := "OBR|1||S-1\rOBX|1|NM|WBC||5\r\rOBR|1||S-2\rOBX|1|NM|WBC||6\r\r"
	f := NewFramer(0)

	var got []string
	for i := 0; i < len(stream); i++ {
		got = append(got, writeFrames(t, f, stream[i:i+1])...)
	}
	assertFrames(t, got,
		"OBR|1||S-1\rOBX|1|NM|WBC||5",
		"OBR|1||S-2\rOBX|1|NM|WBC||6",
	)
}

func TestFramer_TwoMessagesOneWrite(t *testing.T) {
	f := NewFramer(0)
	assertFrames(t, writeFrames(t, f, "OBR|1||A\r\rOBR|1||B\n\n"), "OBR|1||A", "OBR|1||B")
}

func TestFramer_DropsEmptyFrames(t *testing.T) {
	f := NewFramer(0)
	assertFrames(t, writeFrames(t, f, "\r\r\n\n  \r\r\x0b\x1c\r"))
}

func TestFramer_StripsMLLPEnvelope(t *testing.T) {
	f := NewFramer(0)
	got := writeFrames(t, f, "\x0bMSH|^~\\&|DH36\rOBR|1||S-9\r\x1c\r")
	assertFrames(t, got, "MSH|^~\\&|DH36\rOBR|1||S-9")
}

func TestFramer_TooLarge(t *testing.T) {
	f := NewFramer(64)

	assertFrames(t, writeFrames(t, f, "OBR|1||S-1\r\r"), "OBR|1||S-1")

	frames, err := f.Write([]byte(strings.Repeat("X", 65)))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if len(frames) != 0 {
		t.Errorf("frames = %q, want none", frames)
	}
	if f.Buffered() != 0 {
		t.Errorf("overflow should discard the buffer, Buffered() = %d", f.Buffered())
	}
}

func TestFramer_TooLargeKeepsCompletedFrames(t *testing.T) {
	f := NewFramer(16)
	frames, err := f.Write([]byte("OBR|1||S-1\r\r" + strings.Repeat("Y", 32)))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	assertFrames(t, toStrings(frames), "OBR|1||S-1")
}

func TestFramer_FlushAndReset(t *testing.T) {
	f := NewFramer(0)
	writeFrames(t, f, "OBR|1||S-3\rOBX|1|NM|WBC||5\r")

	if got := string(f.Flush()); got != "OBR|1||S-3\rOBX|1|NM|WBC||5" {
		t.Errorf("Flush() = %q", got)
	}
	if got := f.Flush(); got != nil {
		t.Errorf("second Flush() = %q, want nil", got)
	}

	writeFrames(t, f, "partial")
	f.Reset()
	if f.Buffered() != 0 {
		t.Errorf("Buffered() after Reset = %d, want 0", f.Buffered())
	}
}

func TestFrameBuffer(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   string
		wantOK bool
	}{
		{"trims whitespace", "\r\n  OBR|1||S-1\rOBX|1|NM|WBC||5\r\n\r\n", "OBR|1||S-1\rOBX|1|NM|WBC||5", true},
		{"strips MLLP envelope", "\x0b  OBR|1||S-1\r\x1c\r", "OBR|1||S-1", true},
		{"whitespace only", " \r\n\t", "", false},
		{"envelope only", "\x0b\x1c\r\n", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, ok := FrameBuffer([]byte(tt.body))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && string(frame) != tt.want {
				t.Errorf("frame = %q, want %q", frame, tt.want)
			}
		})
	}
}
