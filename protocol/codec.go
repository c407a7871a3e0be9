package protocol

import (
	"bufio"
	"fmt"
	"io"
)

// maxLine caps a single envelope at 10MB, matching the largest chunk the
// gateway will ever emit plus base64 overhead.
const maxLine = 10 << 20

// Decoder accumulates bytes from r and yields complete envelope lines.
// Partial messages never cross a Next boundary.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in a line decoder.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	return &Decoder{scanner: sc}
}

// Next returns the next non-empty line, or io.EOF when the stream ends.
// The returned slice is only valid until the following call.
func (d *Decoder) Next() ([]byte, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("protocol: read stream: %w", err)
	}
	return nil, io.EOF
}
