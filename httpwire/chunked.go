/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package httpwire

import (
	"bytes"
	"strconv"
	"strings"

	liberr "github.com/nabbar/reactorhttp/errors"
)

type chunkedState uint8

const (
	stateSize chunkedState = iota
	stateData
	stateDataCRLF
	stateTrailer
	stateDone
)

// ChunkedDecoder incrementally decodes an HTTP/1.1 chunked transfer-coded
// body. Each Feed call must be given the entirety of the not-yet-consumed
// buffer (the caller slices off exactly the returned consumed count
// before the next call); the decoder keeps no hidden byte backlog of its
// own, only small scalar state.
type ChunkedDecoder struct {
	maxBodyBytes int64
	state        chunkedState

	out     []byte
	total   int64
	trailer Headers

	remaining int64
}

// NewChunkedDecoder returns a decoder bounded to maxBodyBytes of decoded
// payload; a non-positive bound disables the limit.
func NewChunkedDecoder(maxBodyBytes int64) *ChunkedDecoder {
	return &ChunkedDecoder{maxBodyBytes: maxBodyBytes}
}

// Done reports whether the terminating zero-size chunk and trailer have
// both been consumed.
func (d *ChunkedDecoder) Done() bool {
	return d.state == stateDone
}

// Body returns the decoded payload accumulated so far.
func (d *ChunkedDecoder) Body() []byte {
	return d.out
}

// Trailer returns the trailer fields read after the terminating chunk,
// if any.
func (d *ChunkedDecoder) Trailer() Headers {
	return d.trailer
}

// Feed consumes as much of data as forms complete chunk frames and
// returns how many bytes were consumed. Call it again with the
// remaining, un-consumed bytes (plus whatever newly arrived) if it
// returns without Done() being true.
func (d *ChunkedDecoder) Feed(data []byte) (consumed int, err liberr.Error) {
	for consumed < len(data) || d.state == stateSize || d.state == stateTrailer {
		switch d.state {
		case stateDone:
			return consumed, nil

		case stateSize:
			line, n := readLine(data[consumed:])
			if n < 0 {
				return consumed, nil
			}
			size, lerr := parseChunkSizeLine(line)
			if lerr != nil {
				return consumed, lerr
			}
			consumed += n

			if size == 0 {
				d.state = stateTrailer
				continue
			}
			if d.maxBodyBytes > 0 && d.total+size > d.maxBodyBytes {
				return consumed, ErrorBodyTooLarge.Error(nil)
			}
			d.remaining = size
			d.state = stateData

		case stateData:
			avail := data[consumed:]
			n := d.remaining
			if int64(len(avail)) < n {
				n = int64(len(avail))
			}
			d.out = append(d.out, avail[:n]...)
			d.total += n
			d.remaining -= n
			consumed += int(n)
			if d.remaining == 0 {
				d.state = stateDataCRLF
			} else {
				return consumed, nil
			}

		case stateDataCRLF:
			rest := data[consumed:]
			if len(rest) < 2 {
				return consumed, nil
			}
			if rest[0] != '\r' || rest[1] != '\n' {
				return consumed, ErrorInvalidChunkSize.Error(nil)
			}
			consumed += 2
			d.state = stateSize

		case stateTrailer:
			rest := data[consumed:]
			if bytes.HasPrefix(rest, []byte("\r\n")) {
				consumed += 2
				d.state = stateDone
				return consumed, nil
			}
			end := bytes.Index(rest, []byte("\r\n\r\n"))
			if end < 0 {
				return consumed, nil
			}
			headers, _, herr := parseHeaderLines(strings.Split(string(rest[:end]), "\r\n"))
			if herr != nil {
				return consumed, herr
			}
			d.trailer = headers
			consumed += end + 4
			d.state = stateDone
			return consumed, nil
		}
	}

	return consumed, nil
}

// readLine returns the CRLF-terminated line (without the CRLF) starting
// at data[0], and how many bytes (including the CRLF) it occupies. It
// returns n=-1 if no complete line is present yet.
func readLine(data []byte) (line []byte, n int) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		return nil, -1
	}
	return data[:idx], idx + 2
}

func parseChunkSizeLine(line []byte) (size int64, err liberr.Error) {
	s := string(line)
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		s = s[:semi]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrorInvalidChunkSize.Error(nil)
	}
	n, perr := strconv.ParseInt(s, 16, 63)
	if perr != nil || n < 0 {
		return 0, ErrorInvalidChunkSize.Error(nil)
	}
	return n, nil
}
