package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"iter"
	"log/slog"
)

const (
	dataPrefix = "data:"
	// maxRecordSize bounds a single buffered line.
	maxRecordSize = 4 << 20
)

// Decoder reads `data: <JSON>` records from a streamed body. Partial lines
// are buffered until their newline arrives. Malformed records are dropped
// and counted; the stream keeps going.
type Decoder struct {
	r       *bufio.Reader
	logger  *slog.Logger
	skipped int
}

// NewDecoder wraps r. A nil logger falls back to slog.Default().
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// Skipped returns the number of records dropped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next well-formed event. It returns io.EOF once the
// stream ends cleanly, or the underlying read error otherwise.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.readLine()
		if len(line) > 0 {
			if ev, ok := d.decodeLine(line); ok {
				return ev, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine returns one line without its terminator. A final line without a
// newline is returned together with io.EOF.
func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, io.EOF
			}
			return buf, err
		}
		if len(buf)+len(chunk) > maxRecordSize {
			d.skipped++
			d.logger.Warn("dropping oversized stream record", "limit", maxRecordSize)
			if err := d.discardLine(isPrefix); err != nil {
				return nil, err
			}
			return nil, nil
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			return buf, nil
		}
	}
}

func (d *Decoder) discardLine(isPrefix bool) error {
	for isPrefix {
		var err error
		_, isPrefix, err = d.r.ReadLine()
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		// event:, id:, retry: and comment lines carry nothing for us.
		return nil, false
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return nil, false
	}
	ev, err := Parse(payload)
	if err != nil {
		d.skipped++
		d.logger.Debug("skipping malformed stream record", "error", err, "record_len", len(payload))
		return nil, false
	}
	return ev, true
}

// Events adapts a Decoder to an iterator. Iteration ends after io.EOF; any
// other read error is yielded once as the final element.
func Events(r io.Reader, logger *slog.Logger) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		dec := NewDecoder(r, logger)
		for {
			ev, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
