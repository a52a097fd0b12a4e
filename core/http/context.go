package http

import (
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// Query returns the first value of the named query parameter
func (r *Request) Query(key string) string {
	i := strings.IndexByte(r.URI, '?')
	if i < 0 {
		return ""
	}
	values, err := url.ParseQuery(r.URI[i+1:])
	if err != nil && len(values) == 0 {
		return ""
	}
	return values.Get(key)
}

// Bind decodes a JSON body into v
func (r *Request) Bind(v any) error {
	return json.Unmarshal(r.Body, v)
}

// JSON builds an application/json response. A value that cannot be
// marshaled yields a 500.
func JSON(code int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Text(StatusInternalServerError, "JSON marshal error")
	}
	return Bytes(code, "application/json", data)
}
