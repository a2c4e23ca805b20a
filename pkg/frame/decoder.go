package frame

import "bytes"

// Decoder turns arbitrarily split chunks of an event stream into events.
// It keeps the trailing partial line between calls so a chunk boundary never
// loses or duplicates a frame. A Decoder is not safe for concurrent use; the
// read loop that owns the transport owns the decoder.
type Decoder struct {
	pending []byte
	done    bool
	skipped int
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one chunk and returns the events completed by it, in order.
// After a Complete event has been returned, further input is ignored.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done || len(chunk) == 0 {
		return nil
	}

	d.pending = append(d.pending, chunk...)

	var events []Event
	for !d.done {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := d.pending[:i]
		d.pending = d.pending[i+1:]

		ev, ok := d.decodeLine(line)
		if !ok {
			continue
		}
		events = append(events, ev)
		if _, ok := ev.(Complete); ok {
			d.done = true
			d.pending = nil
		}
	}

	// Compact so a long stream does not pin every chunk it ever saw.
	if len(d.pending) > 0 && cap(d.pending) > 4*len(d.pending)+4096 {
		d.pending = append([]byte(nil), d.pending...)
	}
	return events
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if !bytes.HasPrefix(line, []byte(Prefix)) {
		return nil, false
	}
	ev, err := Parse(line[len(Prefix):])
	if err != nil {
		d.skipped++
		return nil, false
	}
	return ev, true
}

// Close ends the stream. A partial line still pending (no trailing newline)
// is discarded; Close reports how many bytes were dropped.
func (d *Decoder) Close() int {
	n := len(d.pending)
	d.pending = nil
	d.done = true
	return n
}

// Done reports whether the stream has ended, by Complete or Close.
func (d *Decoder) Done() bool {
	return d.done
}

// Skipped returns the number of frames dropped because their payload did
// not parse.
func (d *Decoder) Skipped() int {
	return d.skipped
}
