package types

// Response is the normalized backend response passed back to the front end.
type Response struct {
	// Status is the HTTP status code. Zero until a status line or a
	// Status/Location header supplied one.
	Status int

	// Header holds the response header fields that survive post-processing.
	Header *Header

	// ContentLength is the response body length, -1 when unknown.
	ContentLength int64

	// Chunked tells the front end to use chunked framing towards the client.
	Chunked bool
}

// NewResponse returns an empty response with unknown length.
func NewResponse() *Response {
	return &Response{Header: &Header{}, ContentLength: -1}
}

// Reset clears the response for reuse after an internal restart.
func (r *Response) Reset() {
	r.Status = 0
	r.Header = &Header{}
	r.ContentLength = -1
	r.Chunked = false
}

// BodyAllowed reports whether a response with this status to method may
// carry a body.
func BodyAllowed(method string, status int) bool {
	if method == "HEAD" {
		return false
	}
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}
