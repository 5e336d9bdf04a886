// Package codec converts request and response bodies between their wire form
// (optionally gzip-compressed) and the decoded form handed to scripts.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Header names handled by the codec. Envelope headers use lower-case keys.
const (
	HeaderContentType     = "content-type"
	HeaderContentLength   = "content-length"
	HeaderContentEncoding = "content-encoding"

	encodingGzip = "gzip"
)

var (
	// ErrMalformedBody indicates a body that declares JSON but does not parse.
	ErrMalformedBody = errors.New("malformed JSON body")

	// ErrGzip indicates a body that declares gzip but cannot be decompressed.
	ErrGzip = errors.New("invalid gzip body")
)

var gzipWriters = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

// Decoded is a body in the form handed to scripts.
type Decoded struct {
	// Body is nil for an empty body, a JSON value when the content type is
	// JSON, or the payload as a string otherwise.
	Body any
	// Raw is the decompressed payload Body was parsed from. Outbound
	// requests send it unchanged until a script replaces the body.
	Raw []byte
	// Gzipped reports whether the wire form was gzip-encoded.
	Gzipped bool
}

// IsJSON reports whether a content type denotes JSON.
func IsJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

// IsGzip reports whether a content-encoding value is gzip.
func IsGzip(contentEncoding string) bool {
	return strings.EqualFold(strings.TrimSpace(contentEncoding), encodingGzip)
}

// Decode turns an inbound request body into its decoded form. headers must
// use lower-case keys.
func Decode(raw []byte, headers map[string]string) (Decoded, error) {
	gzipped := IsGzip(headers[HeaderContentEncoding])
	if gzipped && len(raw) > 0 {
		plain, err := Gunzip(raw)
		if err != nil {
			return Decoded{Gzipped: true}, err
		}
		raw = plain
	}

	if len(raw) == 0 {
		return Decoded{Gzipped: gzipped}, nil
	}

	if IsJSON(headers[HeaderContentType]) {
		body, err := parseJSON(raw)
		if err != nil {
			return Decoded{Gzipped: gzipped}, err
		}
		return Decoded{Body: body, Raw: raw, Gzipped: gzipped}, nil
	}

	return Decoded{Body: string(raw), Raw: raw, Gzipped: gzipped}, nil
}

// DecodeResponse decodes a target response body. Unlike Decode, a payload
// that claims JSON but does not parse is kept as text.
func DecodeResponse(raw []byte, contentType, contentEncoding string) (any, error) {
	if IsGzip(contentEncoding) && len(raw) > 0 {
		plain, err := Gunzip(raw)
		if err != nil {
			return nil, err
		}
		raw = plain
	}
	if len(raw) == 0 {
		return nil, nil
	}
	if IsJSON(contentType) {
		if body, err := parseJSON(raw); err == nil {
			return body, nil
		}
	}
	return string(raw), nil
}

// parseJSON decodes numbers as json.Number so integers beyond float64
// precision keep their digits.
func parseJSON(raw []byte) (any, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedBody
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	return body, nil
}

// Encode serializes a body for an outbound request and returns a copy of
// headers with content-length, and content-encoding when gzipped,
// recomputed. A non-nil raw is the untouched inbound payload and is sent as
// is; otherwise body is serialized according to the content type in
// headers. Inherited length and encoding headers are always dropped first,
// whatever their case.
func Encode(body any, raw []byte, gzipped bool, headers map[string]string) ([]byte, map[string]string, error) {
	out := StripHeaders(headers, HeaderContentLength, HeaderContentEncoding)

	payload := raw
	if payload == nil {
		var err error
		payload, err = Serialize(body, IsJSON(headerValue(headers, HeaderContentType)))
		if err != nil {
			return nil, nil, err
		}
	}

	if gzipped {
		var err error
		payload, err = Gzip(payload)
		if err != nil {
			return nil, nil, err
		}
		out[HeaderContentEncoding] = encodingGzip
	}

	out[HeaderContentLength] = strconv.Itoa(len(payload))
	return payload, out, nil
}

// Serialize converts a decoded body back to bytes. Byte slices are written
// verbatim, as are strings unless asJSON is set; everything else is JSON
// without HTML escaping. A nil body yields no bytes.
func Serialize(body any, asJSON bool) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		if !asJSON {
			return []byte(b), nil
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("failed to serialize body: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// StripHeaders returns a copy of headers without the named keys, compared
// case-insensitively.
func StripHeaders(headers map[string]string, names ...string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		drop := false
		for _, name := range names {
			if strings.EqualFold(k, name) {
				drop = true
				break
			}
		}
		if !drop {
			out[k] = v
		}
	}
	return out
}

// Gzip compresses data.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(zw)
	zw.Reset(&buf)

	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses data.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGzip, err)
	}
	defer func() { _ = zr.Close() }()

	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGzip, err)
	}
	return plain, nil
}
