package stream

import (
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, input string) []string {
	t.Helper()
	dec := newDecoder(strings.NewReader(input))
	var out []string
	for {
		payload, err := dec.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, string(payload))
	}
}

func TestDecoderReadsDataLines(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	got := collect(t, input)
	want := []string{`{"a":1}`, `{"b":2}`, `[DONE]`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("payload %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDecoderSkipsCommentsAndOtherFields(t *testing.T) {
	input := ": keep-alive\nevent: message\nid: 42\nretry: 1000\ndata: {\"x\":true}\n\n"
	got := collect(t, input)
	if len(got) != 1 || got[0] != `{"x":true}` {
		t.Fatalf("unexpected payloads %v", got)
	}
}

func TestDecoderHandlesCRLFAndMissingSpace(t *testing.T) {
	input := "data:{\"tight\":1}\r\ndata: {\"spaced\":2}\r\n"
	got := collect(t, input)
	if len(got) != 2 || got[0] != `{"tight":1}` || got[1] != `{"spaced":2}` {
		t.Fatalf("unexpected payloads %v", got)
	}
}

func TestDecoderFlushesUnterminatedFinalLine(t *testing.T) {
	got := collect(t, "data: {\"a\":1}\ndata: [DONE]")
	if len(got) != 2 || got[1] != `[DONE]` {
		t.Fatalf("unexpected payloads %v", got)
	}
}

func TestDecoderEmptyStream(t *testing.T) {
	if got := collect(t, ""); len(got) != 0 {
		t.Fatalf("expected no payloads, got %v", got)
	}
}
