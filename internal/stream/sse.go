package stream

import (
	"bufio"
	"bytes"
	"io"
)

// decoder reads Server-Sent-Events framing line by line. Each `data:` line
// yields one payload; comment lines, blank separators and any other field
// lines are skipped. Streams in this wire format carry one JSON object per
// data line, so lines are not joined across events.
type decoder struct {
	r *bufio.Reader
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next data payload, or io.EOF at end of stream.
func (d *decoder) Next() ([]byte, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			// Flush a final unterminated data line before surfacing EOF.
			if payload, ok := dataPayload(line); ok {
				return payload, nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		if payload, ok := dataPayload(line); ok {
			return payload, nil
		}
	}
}

func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	payload := line[len("data:"):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	return append([]byte(nil), payload...), true
}
