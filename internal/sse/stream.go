package sse

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Decoder reads events from a byte stream that may deliver blocks in
// arbitrary chunk sizes.
type Decoder struct {
	r       io.Reader
	buf     []byte
	pending string
	queue   []string
	eof     bool
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, 32*1024)}
}

// Next returns the next well-formed event. Malformed blocks are skipped. At
// the end of the stream a trailing unterminated block is decoded once and
// then io.EOF is returned.
func (d *Decoder) Next() (Event, error) {
	for {
		for len(d.queue) > 0 {
			block := d.queue[0]
			d.queue = d.queue[1:]
			if ev, ok := Decode(block); ok {
				return ev, nil
			}
		}
		if d.eof {
			return nil, io.EOF
		}

		n, err := d.r.Read(d.buf)
		if n > 0 {
			blocks, rest := Split(d.pending + string(d.buf[:n]))
			d.queue = append(d.queue, blocks...)
			d.pending = rest
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			d.eof = true
			if d.pending != "" {
				d.queue = append(d.queue, d.pending)
				d.pending = ""
			}
		}
	}
}

// Writer frames events onto an HTTP response and flushes after each one.
// It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter sets the streaming headers and writes the status line.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// Send writes one event. It fails once the client has disconnected.
func (sw *Writer) Send(ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write(data); err != nil {
		return fmt.Errorf("writing %s event: %w", ev.Type(), err)
	}
	sw.flusher.Flush()
	return nil
}
