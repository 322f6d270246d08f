package stream_test

import (
	"errors"
	"io"
	"testing"

	"github.com/inklet-app/diagramchat/backend/internal/stream"
)

// chunkedBody feeds pre-cut chunks one Read at a time, optionally ending with
// an error instead of io.EOF.
type chunkedBody struct {
	chunks []string
	err    error
	closed bool
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.chunks) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	b.chunks[0] = b.chunks[0][n:]
	if b.chunks[0] == "" {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

func (b *chunkedBody) Close() error {
	b.closed = true
	return nil
}

func drain(t *testing.T, r *stream.Reader) ([]string, error) {
	t.Helper()
	var got []string
	for {
		fragment, err := r.Recv()
		if err != nil {
			return got, err
		}
		got = append(got, fragment)
	}
}

func TestReaderYieldsDataLines(t *testing.T) {
	body := &chunkedBody{chunks: []string{
		"data: flow\ndata: chart TD\ndata: [DONE]\n",
	}}

	got, err := drain(t, stream.NewReader(body))
	if err != io.EOF {
		t.Fatalf("Recv err: %v, want io.EOF", err)
	}
	if len(got) != 2 || got[0] != "flow" || got[1] != "chart TD" {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if !body.closed {
		t.Fatal("body not closed after sentinel")
	}
}

func TestReaderHoldsBackPartialLine(t *testing.T) {
	body := &chunkedBody{chunks: []string{
		"data: he",
		"llo\nda",
		"ta: world\n",
		"data: [DONE]\n",
	}}

	got, err := drain(t, stream.NewReader(body))
	if err != io.EOF {
		t.Fatalf("Recv err: %v, want io.EOF", err)
	}
	if len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("unexpected fragments: %q", got)
	}
}

func TestReaderIgnoresNonDataLines(t *testing.T) {
	body := &chunkedBody{chunks: []string{
		"\n: comment\nevent: ping\ndata: keep\n\ndata: [DONE]\n",
	}}

	got, err := drain(t, stream.NewReader(body))
	if err != io.EOF {
		t.Fatalf("Recv err: %v, want io.EOF", err)
	}
	if len(got) != 1 || got[0] != "keep" {
		t.Fatalf("unexpected fragments: %q", got)
	}
}

func TestReaderStopsOnBodyEndWithoutSentinel(t *testing.T) {
	body := &chunkedBody{chunks: []string{"data: only\n"}}

	got, err := drain(t, stream.NewReader(body))
	if err != io.EOF {
		t.Fatalf("Recv err: %v, want io.EOF", err)
	}
	if len(got) != 1 || got[0] != "only" {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if !body.closed {
		t.Fatal("body not closed at end of stream")
	}
}

func TestReaderDeliversFragmentsBeforeTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	body := &chunkedBody{
		chunks: []string{"data: partial\n"},
		err:    boom,
	}

	got, err := drain(t, stream.NewReader(body))
	if !errors.Is(err, boom) {
		t.Fatalf("Recv err: %v, want %v", err, boom)
	}
	if len(got) != 1 || got[0] != "partial" {
		t.Fatalf("fragments before error lost: %q", got)
	}
	if !body.closed {
		t.Fatal("body not closed after transport error")
	}
}

func TestReaderDiscardsLinesAfterSentinel(t *testing.T) {
	body := &chunkedBody{chunks: []string{
		"data: a\ndata: [DONE]\ndata: late\n",
	}}

	got, err := drain(t, stream.NewReader(body))
	if err != io.EOF {
		t.Fatalf("Recv err: %v, want io.EOF", err)
	}
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected fragments: %q", got)
	}
}
