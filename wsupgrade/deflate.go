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

package wsupgrade

import (
	"bytes"
	"compress/flate"
	"io"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// tail is the fixed 4-byte trailer RFC 7692 §7.2.1 says the sender
// appends and the receiver must strip/restore around each message.
var tail = [4]byte{0x00, 0x00, 0xff, 0xff}

// DeflateContext compresses/decompresses one WebSocket message payload
// at a time per RFC 7692. The frame codec (out of core scope) owns
// fragmenting messages into frames; it calls these once per logical
// message.
type DeflateContext interface {
	// CompressMessage deflates payload, appending the synchronization
	// flush and stripping the trailing 4-byte marker per RFC 7692.
	CompressMessage(payload []byte) ([]byte, liberr.Error)
	// DecompressMessage restores the trailing marker and inflates payload.
	DecompressMessage(payload []byte) ([]byte, liberr.Error)
}

type deflateContext struct {
	level                int
	serverNoTakeover     bool
	clientNoTakeover     bool
	compressor           *flate.Writer
	decompressor         io.ReadCloser
	decompressorInput    *bytes.Buffer
}

// NewDeflateContext returns a DeflateContext configured from a
// successfully negotiated Handshake and a compression level (1-9, or
// flate.DefaultCompression). Context takeover is honored per direction:
// when *_no_context_takeover was negotiated, a fresh compressor/
// decompressor is allocated for every message instead of reusing the
// sliding window across messages.
func NewDeflateContext(opts DeflateOptions, level int) DeflateContext {
	d := &deflateContext{
		level:            level,
		serverNoTakeover: opts.ServerNoContextTakeover,
		clientNoTakeover: opts.ClientNoContextTakeover,
	}
	if !d.serverNoTakeover {
		d.compressor, _ = flate.NewWriter(io.Discard, level)
	}
	return d
}

func (d *deflateContext) CompressMessage(payload []byte) ([]byte, liberr.Error) {
	var buf bytes.Buffer

	w := d.compressor
	if w == nil {
		var err error
		w, err = flate.NewWriter(&buf, d.level)
		if err != nil {
			return nil, ErrorInvalidExtension.Error(err)
		}
	} else {
		w.Reset(&buf)
	}

	if _, err := w.Write(payload); err != nil {
		return nil, ErrorInvalidExtension.Error(err)
	}
	if err := w.Flush(); err != nil {
		return nil, ErrorInvalidExtension.Error(err)
	}

	out := buf.Bytes()
	if bytes.HasSuffix(out, tail[:]) {
		out = out[:len(out)-4]
	}
	return out, nil
}

func (d *deflateContext) DecompressMessage(payload []byte) ([]byte, liberr.Error) {
	framed := make([]byte, 0, len(payload)+4)
	framed = append(framed, payload...)
	framed = append(framed, tail[:]...)

	if d.clientNoTakeover || d.decompressor == nil {
		d.decompressorInput = bytes.NewBuffer(nil)
		d.decompressor = flate.NewReader(d.decompressorInput)
	}
	d.decompressorInput.Write(framed)

	out, err := io.ReadAll(d.decompressor)
	if err != nil {
		return nil, ErrorInvalidExtension.Error(err)
	}
	return out, nil
}
