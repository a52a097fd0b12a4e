package http

import "strings"

// Method identifies a supported request method
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGET
	MethodPOST
)

// String returns the wire form of the method
func (m Method) String() string {
	switch m {
	case MethodGET:
		return "GET"
	case MethodPOST:
		return "POST"
	default:
		return "UNKNOWN"
	}
}

// parseMethod maps a method token to a Method. Anything other than GET and
// POST is MethodUnknown.
func parseMethod(token []byte) Method {
	switch string(token) {
	case "GET":
		return MethodGET
	case "POST":
		return MethodPOST
	}
	return MethodUnknown
}

// Request is a fully parsed HTTP/1.1 request
type Request struct {
	Method  Method
	URI     string
	Version string

	// Header names are stored as received; a repeated name overwrites the
	// earlier value.
	Headers map[string]string

	// Body is non-nil only for POST requests with Content-Length > 0
	Body []byte
}

// Header returns the value of the named header. An exact match wins,
// otherwise names are compared case-insensitively.
func (r *Request) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Path returns the URI without its query string
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[:i]
	}
	return r.URI
}

// Reset clears the request for reuse while keeping map and slice storage
func (r *Request) Reset() {
	r.Method = MethodUnknown
	r.URI = ""
	r.Version = ""
	for k := range r.Headers {
		delete(r.Headers, k)
	}
	r.Body = nil
}

// Clone returns a deep copy that shares no storage with r
func (r *Request) Clone() *Request {
	c := &Request{
		Method:  r.Method,
		URI:     r.URI,
		Version: r.Version,
		Headers: make(map[string]string, len(r.Headers)),
	}
	for k, v := range r.Headers {
		c.Headers[k] = v
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}
