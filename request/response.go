package request

import (
	"encoding/json"
	"io"
)

// Response is the uniform result of a dispatched request. The handler hands
// over ownership of the underlying connection resource together with Body;
// the caller releases it by closing or fully reading the body.
type Response struct {
	// Status is the final HTTP status code.
	Status int
	// Reason is the status text, when the backend exposes one.
	Reason string
	// Headers are the response headers of the final hop.
	Headers *Headers
	// URL is the final URL after any redirects.
	URL string
	// Body streams the (decoded) response payload. Read errors surface as
	// taxonomy errors, never as backend-native types.
	Body io.ReadCloser

	cached    []byte
	cacheDone bool
}

// Close releases the underlying connection. Safe to call more than once and
// after Bytes.
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Bytes reads the whole body, closing it, and caches the result so repeated
// calls are cheap.
func (r *Response) Bytes() ([]byte, error) {
	if r.cacheDone {
		return r.cached, nil
	}
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		r.Body.Close()
		return nil, err
	}
	r.Body.Close()
	r.cached = data
	r.cacheDone = true
	return data, nil
}

// Text returns the body as a string.
func (r *Response) Text() (string, error) {
	data, err := r.Bytes()
	return string(data), err
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
