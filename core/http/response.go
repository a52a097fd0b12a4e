package http

import (
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// Supported status codes
const (
	StatusOK                  = 200
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusInternalServerError = 500
)

const defaultContentType = "text/plain"

var statusText = map[int]string{
	StatusOK:                  "OK",
	StatusBadRequest:          "Bad Request",
	StatusNotFound:            "Not Found",
	StatusInternalServerError: "Internal Server Error",
}

// StatusText returns the reason phrase for a supported code, or "" otherwise
func StatusText(code int) string {
	return statusText[code]
}

// Response is what a handler hands back to the server for sending
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Text builds a text/plain response
func Text(code int, body string) *Response {
	return &Response{Status: code, ContentType: defaultContentType, Body: []byte(body)}
}

// Bytes builds a response with an explicit content type
func Bytes(code int, contentType string, body []byte) *Response {
	return &Response{Status: code, ContentType: contentType, Body: body}
}

// BadRequest is the canned reply for unparseable requests
func BadRequest() *Response {
	return Text(StatusBadRequest, "Bad Request")
}

// Bytes serializes the response with BuildResponse
func (r *Response) Bytes() []byte {
	return BuildResponse(r.Status, r.ContentType, r.Body)
}

// BuildResponse renders a complete keep-alive response:
//
//	HTTP/1.1 <code> <reason>\r\n
//	Content-Type: <type>\r\n
//	Content-Length: <n>\r\n
//	Connection: keep-alive\r\n\r\n<body>
//
// Unsupported codes render as 500. A content type that is not a valid header
// value falls back to text/plain.
func BuildResponse(code int, contentType string, body []byte) []byte {
	reason, ok := statusText[code]
	if !ok {
		code = StatusInternalServerError
		reason = statusText[code]
	}
	if contentType == "" || !httpguts.ValidHeaderFieldValue(contentType) {
		contentType = defaultContentType
	}

	buf := make([]byte, 0, 128+len(contentType)+len(body))
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(code), 10)
	buf = append(buf, ' ')
	buf = append(buf, reason...)
	buf = append(buf, "\r\nContent-Type: "...)
	buf = append(buf, contentType...)
	buf = append(buf, "\r\nContent-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\nConnection: keep-alive\r\n\r\n"...)
	buf = append(buf, body...)
	return buf
}
