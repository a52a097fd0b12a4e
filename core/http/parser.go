package http

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ParseStatus is the outcome of a Feed call
type ParseStatus int

const (
	StatusIncomplete ParseStatus = iota
	StatusSuccess
	StatusFailed
)

func (s ParseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusIncomplete:
		return "INCOMPLETE"
	default:
		return "FAILED"
	}
}

// State is the parser's position in the request grammar
type State uint8

const (
	StateMethod State = iota
	StateURI
	StateVersion
	StateHeaderName
	StateHeaderValue
	StateBody
	StateComplete

	// CR seen, LF required next
	stateRequestLineLF
	stateHeaderLineLF
	stateHeadersEndLF

	stateFailed
)

const (
	// longest method token worth buffering ("OPTIONS", "CONNECT")
	maxMethodLen = 7

	maxBodyPrealloc = 64 << 10
)

// Parser is a resumable byte-at-a-time HTTP/1.1 request parser.
//
// Feeding successive fragments of one request yields the same result as
// feeding their concatenation, as long as Reset is not called in between.
// A Parser is owned by one goroutine at a time.
type Parser struct {
	state     State
	req       Request
	token     []byte // method, header name
	value     []byte // header value
	uri       []byte
	version   []byte
	length    uint64
	remaining uint64
}

// NewParser returns a parser positioned at the start of a request
func NewParser() *Parser {
	p := &Parser{}
	p.req.Headers = make(map[string]string, 8)
	return p
}

// Reset prepares the parser for a new request
func (p *Parser) Reset() {
	p.state = StateMethod
	p.req.Reset()
	p.token = p.token[:0]
	p.value = p.value[:0]
	p.uri = p.uri[:0]
	p.version = p.version[:0]
	p.length = 0
	p.remaining = 0
}

// State reports the current parser state
func (p *Parser) State() State {
	return p.state
}

// Result returns the parsed request. It is only valid after Feed returned
// StatusSuccess; otherwise nil is returned. The request is owned by the
// parser and is invalidated by Reset; use Clone to keep it.
func (p *Parser) Result() *Request {
	if p.state != StateComplete {
		return nil
	}
	return &p.req
}

// Feed consumes data and advances the state machine.
func (p *Parser) Feed(data []byte) ParseStatus {
	for i := 0; i < len(data); i++ {
		c := data[i]

		switch p.state {
		case StateMethod:
			if c == ' ' {
				m := parseMethod(p.token)
				if m == MethodUnknown {
					return p.fail()
				}
				p.req.Method = m
				p.token = p.token[:0]
				p.state = StateURI
				continue
			}
			if c == '\r' || c == '\n' || len(p.token) >= maxMethodLen {
				return p.fail()
			}
			p.token = append(p.token, c)

		case StateURI:
			switch c {
			case ' ':
				if len(p.uri) == 0 {
					return p.fail()
				}
				p.req.URI = string(p.uri)
				p.state = StateVersion
			case '\r', '\n':
				return p.fail()
			default:
				p.uri = append(p.uri, c)
			}

		case StateVersion:
			switch c {
			case '\r':
				if len(p.version) == 0 {
					return p.fail()
				}
				p.state = stateRequestLineLF
			case '\n':
				if len(p.version) == 0 {
					return p.fail()
				}
				p.endRequestLine()
			case ' ', '\t':
				return p.fail()
			default:
				p.version = append(p.version, c)
			}

		case stateRequestLineLF:
			if c != '\n' {
				return p.fail()
			}
			p.endRequestLine()

		case StateHeaderName:
			switch c {
			case ':':
				if len(p.token) == 0 || !httpguts.ValidHeaderFieldName(string(p.token)) {
					return p.fail()
				}
				p.state = StateHeaderValue
			case '\r':
				if len(p.token) != 0 {
					return p.fail()
				}
				p.state = stateHeadersEndLF
			case '\n':
				if len(p.token) != 0 {
					return p.fail()
				}
				if p.endHeaders() {
					return StatusSuccess
				}
			case ' ', '\t':
				return p.fail()
			default:
				p.token = append(p.token, c)
			}

		case StateHeaderValue:
			switch c {
			case '\r':
				p.state = stateHeaderLineLF
			case '\n':
				if !p.commitHeader() {
					return p.fail()
				}
			default:
				p.value = append(p.value, c)
			}

		case stateHeaderLineLF:
			if c != '\n' || !p.commitHeader() {
				return p.fail()
			}

		case stateHeadersEndLF:
			if c != '\n' {
				return p.fail()
			}
			if p.endHeaders() {
				return StatusSuccess
			}

		case StateBody:
			n := uint64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}
			p.req.Body = append(p.req.Body, data[i:i+int(n)]...)
			p.remaining -= n
			i += int(n) - 1
			if p.remaining == 0 {
				p.state = StateComplete
				return StatusSuccess
			}

		case StateComplete:
			return StatusSuccess

		case stateFailed:
			return StatusFailed
		}
	}

	switch p.state {
	case StateComplete:
		return StatusSuccess
	case stateFailed:
		return StatusFailed
	}
	return StatusIncomplete
}

func (p *Parser) fail() ParseStatus {
	p.state = stateFailed
	return StatusFailed
}

func (p *Parser) endRequestLine() {
	p.req.Version = string(p.version)
	p.state = StateHeaderName
}

// commitHeader stores the pending header and returns to StateHeaderName
func (p *Parser) commitHeader() bool {
	name := string(p.token)
	value := string(bytes.Trim(p.value, " \t"))

	if strings.EqualFold(name, "Content-Length") {
		n, err := strconv.ParseUint(value, 10, 63)
		if err != nil {
			return false
		}
		p.length = n
	}

	if p.req.Headers == nil {
		p.req.Headers = make(map[string]string, 8)
	}
	p.req.Headers[name] = value
	p.token = p.token[:0]
	p.value = p.value[:0]
	p.state = StateHeaderName
	return true
}

// endHeaders moves past the blank line. It reports whether the request is
// complete; otherwise the parser is now collecting the body.
func (p *Parser) endHeaders() bool {
	if p.req.Method == MethodPOST && p.length > 0 {
		p.remaining = p.length
		p.req.Body = make([]byte, 0, min(p.length, maxBodyPrealloc))
		p.state = StateBody
		return false
	}
	p.state = StateComplete
	return true
}
