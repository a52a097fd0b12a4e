package http

// Handler answers one parsed request. The request is owned by the server
// and must not be retained after Serve returns; use Request.Clone to keep it.
type Handler interface {
	Serve(req *Request) *Response
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(req *Request) *Response

// Serve calls f(req)
func (f HandlerFunc) Serve(req *Request) *Response {
	return f(req)
}
