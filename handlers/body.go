package handlers

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/snatchdl/snatch/request"
)

// newBody wraps a raw response body with length accounting, transparent
// decompression per Content-Encoding, and error normalization. expected is
// the declared Content-Length of the raw stream, -1 when unknown. onDone
// fires exactly once when the body is exhausted or closed; clean is true
// only when the raw stream reached a complete EOF, meaning the underlying
// connection is reusable.
func newBody(raw io.ReadCloser, expected int64, encoding string, onDone func(clean bool)) io.ReadCloser {
	counted := &countingBody{raw: raw, expected: expected, onDone: onDone}
	return decodeBody(counted, encoding)
}

// countingBody tracks raw bytes read and converts truncated streams into
// IncompleteReadError. Truncation shows up either as an unexpected-EOF from
// the transport or as a clean EOF short of the declared length.
type countingBody struct {
	raw      io.ReadCloser
	expected int64
	read     int64
	onDone   func(clean bool)
	done     bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.raw.Read(p)
	b.read += int64(n)
	if err == nil {
		return n, nil
	}
	if err == io.EOF {
		if b.expected >= 0 && b.read < b.expected {
			err = &request.IncompleteReadError{Partial: b.read, Expected: b.expected}
			b.finish(false)
		} else {
			b.finish(true)
		}
		return n, err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = &request.IncompleteReadError{Partial: b.read, Expected: b.expected, Cause: err}
	} else {
		err = normalizeError(err)
	}
	b.finish(false)
	return n, err
}

func (b *countingBody) Close() error {
	err := b.raw.Close()
	b.finish(false)
	return err
}

func (b *countingBody) finish(clean bool) {
	if b.done {
		return
	}
	b.done = true
	if b.onDone != nil {
		b.onDone(clean)
	}
}

// decodeBody layers a streaming decoder over the counted body when the
// server compressed it.
func decodeBody(body io.ReadCloser, encoding string) io.ReadCloser {
	switch strings.ToLower(encoding) {
	case "gzip":
		return &lazyGzipBody{raw: body}
	case "br":
		return &decodedBody{reader: brotli.NewReader(body), raw: body}
	case "deflate":
		fr := flate.NewReader(body)
		return &decodedBody{reader: fr, closer: fr, raw: body}
	case "zstd":
		decoder, err := zstd.NewReader(body)
		if err != nil {
			return body
		}
		return &zstdBody{decoder: decoder, raw: body}
	default:
		return body
	}
}

type decodedBody struct {
	reader io.Reader
	closer io.Closer
	raw    io.ReadCloser
}

func (d *decodedBody) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decodedBody) Close() error {
	if d.closer != nil {
		d.closer.Close()
	}
	return d.raw.Close()
}

// lazyGzipBody defers gzip header parsing to the first Read so that opening
// the response never blocks on body bytes.
type lazyGzipBody struct {
	raw    io.ReadCloser
	reader *gzip.Reader
}

func (g *lazyGzipBody) Read(p []byte) (int, error) {
	if g.reader == nil {
		zr, err := gzip.NewReader(g.raw)
		if err != nil {
			return 0, normalizeError(err)
		}
		g.reader = zr
	}
	return g.reader.Read(p)
}

func (g *lazyGzipBody) Close() error {
	if g.reader != nil {
		g.reader.Close()
	}
	return g.raw.Close()
}

type zstdBody struct {
	decoder *zstd.Decoder
	raw     io.ReadCloser
}

func (z *zstdBody) Read(p []byte) (int, error) {
	return z.decoder.Read(p)
}

func (z *zstdBody) Close() error {
	z.decoder.Close()
	return z.raw.Close()
}
