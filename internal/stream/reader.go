// Package stream decodes the text/event-stream framing used by the
// generation endpoint into individual content fragments.
package stream

import (
	"errors"
	"io"
	"strings"
)

// Sentinel is the literal terminator the endpoint emits as its final data line.
const Sentinel = "[DONE]"

const dataPrefix = "data: "

// Reader consumes a response body line by line and yields the payload of
// every complete `data: ` line. It is for single use: once Recv has returned
// an error (including io.EOF) the underlying body has been closed.
type Reader struct {
	body    io.ReadCloser
	chunk   []byte
	residue string
	queue   []string
	done    bool
	err     error
}

// NewReader wraps a response body. The reader takes ownership of body and
// closes it when the stream ends, errors, or Close is called.
func NewReader(body io.ReadCloser) *Reader {
	return &Reader{
		body:  body,
		chunk: make([]byte, 4096),
	}
}

// Recv returns the next decoded fragment. io.EOF signals a clean end of
// stream (the sentinel or the body finishing); any other error means the
// stream broke mid-flight. Fragments decoded before a transport error are
// still delivered ahead of that error.
func (r *Reader) Recv() (string, error) {
	for {
		if len(r.queue) > 0 {
			data := r.queue[0]
			r.queue = r.queue[1:]
			if data == Sentinel {
				r.finish(nil)
				return "", io.EOF
			}
			return data, nil
		}

		if r.done {
			if r.err != nil {
				return "", r.err
			}
			return "", io.EOF
		}

		n, err := r.body.Read(r.chunk)
		if n > 0 {
			r.consume(string(r.chunk[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			r.finish(err)
		}
	}
}

// consume appends freshly decoded bytes, splitting out complete lines and
// holding the trailing partial line back as residue.
func (r *Reader) consume(decoded string) {
	r.residue += decoded
	lines := strings.Split(r.residue, "\n")
	r.residue = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, dataPrefix) {
			r.queue = append(r.queue, line[len(dataPrefix):])
		}
	}
}

func (r *Reader) finish(err error) {
	if r.done {
		return
	}
	r.done = true
	r.err = err
	_ = r.body.Close()
}

// Close releases the underlying body. Safe to call more than once and
// concurrently with an aborted request.
func (r *Reader) Close() error {
	return r.body.Close()
}
