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
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	liberr "github.com/nabbar/reactorhttp/errors"
)

// Coding names the response content-codings the reactor can produce,
// in the server's fixed preference order (best ratio/CPU tradeoff
// first) when a client's Accept-Encoding offers more than one.
type Coding string

const (
	CodingIdentity Coding = "identity"
	CodingZstd     Coding = "zstd"
	CodingBrotli   Coding = "br"
	CodingGzip     Coding = "gzip"
	CodingDeflate  Coding = "deflate"
)

var preferenceOrder = []Coding{CodingZstd, CodingBrotli, CodingGzip, CodingDeflate}

// NegotiateEncoding parses an Accept-Encoding header and returns the
// server's most preferred supported coding among those the client
// accepts (q > 0), or CodingIdentity if none match or the header is
// absent. minSize suppresses compression for bodies not worth the CPU.
func NegotiateEncoding(acceptEncoding string, bodyLen, minSize int) Coding {
	if acceptEncoding == "" || bodyLen < minSize {
		return CodingIdentity
	}

	offers := make(map[Coding]float64)
	wildcardQ := -1.0

	for _, part := range strings.Split(acceptEncoding, ",") {
		name, q := parseOffer(part)
		if name == "*" {
			wildcardQ = q
			continue
		}
		offers[Coding(strings.ToLower(name))] = q
	}

	for _, c := range preferenceOrder {
		if q, ok := offers[c]; ok && q > 0 {
			return c
		}
	}
	if wildcardQ > 0 {
		for _, c := range preferenceOrder {
			if q, ok := offers[c]; !ok || q > 0 {
				_ = q
				return c
			}
		}
	}
	return CodingIdentity
}

func parseOffer(part string) (string, float64) {
	name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
	name = strings.TrimSpace(name)
	q := 1.0
	params = strings.TrimSpace(params)
	if strings.HasPrefix(params, "q=") {
		if v, err := strconv.ParseFloat(strings.TrimPrefix(params, "q="), 64); err == nil {
			q = v
		}
	}
	return name, q
}

// CompressBody encodes payload per coding. CodingIdentity returns
// payload unchanged.
func CompressBody(payload []byte, coding Coding) ([]byte, liberr.Error) {
	switch coding {
	case CodingIdentity, "":
		return payload, nil

	case CodingGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		if err := w.Close(); err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		return buf.Bytes(), nil

	case CodingDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		if err := w.Close(); err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		return buf.Bytes(), nil

	case CodingBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		if err := w.Close(); err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		return buf.Bytes(), nil

	case CodingZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil

	default:
		return payload, nil
	}
}

// readBounded drains r, failing with ErrorDecompressedTooLarge rather
// than allocating past maxBytes of decoded output (guards against
// decompression-bomb bodies).
func readBounded(r io.Reader, maxBytes int64) ([]byte, liberr.Error) {
	limited := io.LimitReader(r, maxBytes+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, ErrorUnsupportedContentEncoding.Error(err)
	}
	if int64(len(out)) > maxBytes {
		return nil, ErrorDecompressedTooLarge.Error(nil)
	}
	return out, nil
}

// DecompressBody reverses CompressBody for an inbound request body,
// bounded to maxBytes of decoded output.
func DecompressBody(payload []byte, coding Coding, maxBytes int64) ([]byte, liberr.Error) {
	switch coding {
	case CodingIdentity, "":
		return payload, nil

	case CodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		defer r.Close()
		return readBounded(r, maxBytes)

	case CodingDeflate:
		r := flate.NewReader(bytes.NewReader(payload))
		defer r.Close()
		return readBounded(r, maxBytes)

	case CodingBrotli:
		r := brotli.NewReader(bytes.NewReader(payload))
		return readBounded(r, maxBytes)

	case CodingZstd:
		dec, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, ErrorUnsupportedContentEncoding.Error(err)
		}
		defer dec.Close()
		return readBounded(dec, maxBytes)

	default:
		return payload, nil
	}
}
