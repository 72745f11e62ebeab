// Package sip implements the message codec (parse/serialize) and the
// structural validator for the conservative SIP subset this B2BUA
// understands: REGISTER, INVITE, ACK, BYE, CANCEL requests and their
// responses, carried over UDP with CRLF line endings.
package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Header is a single "Name: value" line, kept as presented so that
// serialization can round-trip the exact casing a UA sent.
type Header struct {
	Name  string
	Value string
}

// Message is either a SIP request or a SIP response. Recognized headers
// (Via, From, To, Call-ID, CSeq, Contact, Content-Type, Content-Length,
// Expires) are reachable through Get/GetAll like any other header; the
// names above are simply the ones the rest of the system looks for.
type Message struct {
	IsRequest bool

	// Request line
	Method     string
	RequestURI string

	// Status line
	StatusCode int
	Reason     string

	Headers []Header
	Body    []byte
}

// ParseError is returned when a datagram cannot be parsed as a SIP
// message. The caller's only recourse is to drop the datagram.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "sip: parse error: " + e.Reason }

const crlf = "\r\n"

// Parse decodes a raw UDP payload into a Message. It never panics: any
// malformed input yields a *ParseError.
func Parse(data []byte) (*Message, error) {
	text := string(data)
	// Tolerate bare LF as a line ending from lenient clients; normalize
	// CRLF to LF so the rest of the parser can split on LF alone.
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, &ParseError{Reason: "empty message"}
	}

	msg := &Message{}
	if err := parseFirstLine(lines[0], msg); err != nil {
		return nil, err
	}

	i := 1
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, &ParseError{Reason: fmt.Sprintf("header line without colon: %q", line)}
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			return nil, &ParseError{Reason: "empty header name"}
		}
		msg.Headers = append(msg.Headers, Header{Name: name, Value: value})
	}

	if i < len(lines) {
		body := strings.Join(lines[i:], "\n")
		body = strings.TrimRight(body, "\n")
		if body != "" {
			msg.Body = []byte(body)
		}
	}

	return msg, nil
}

func parseFirstLine(line string, msg *Message) error {
	line = strings.TrimSpace(line)
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return &ParseError{Reason: fmt.Sprintf("malformed first line: %q", line)}
	}

	if parts[0] == "SIP/2.0" {
		msg.IsRequest = false
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return &ParseError{Reason: fmt.Sprintf("malformed status code: %q", parts[1])}
		}
		msg.StatusCode = code
		msg.Reason = strings.Join(parts[2:], " ")
		return nil
	}

	if parts[2] != "SIP/2.0" {
		return &ParseError{Reason: fmt.Sprintf("malformed first line: %q", line)}
	}
	msg.IsRequest = true
	msg.Method = parts[0]
	msg.RequestURI = parts[1]
	return nil
}

// Serialize encodes the message back into a UDP payload. Content-Length
// is computed and emitted whenever a body is present; any Content-Length
// header already present on the message is ignored in favor of the
// computed value so the two can never disagree.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer

	if m.IsRequest {
		buf.WriteString(m.Method)
		buf.WriteByte(' ')
		buf.WriteString(m.RequestURI)
		buf.WriteString(" SIP/2.0")
		buf.WriteString(crlf)
	} else {
		reason := m.Reason
		if reason == "" {
			reason = defaultReason(m.StatusCode)
		}
		buf.WriteString("SIP/2.0 ")
		buf.WriteString(strconv.Itoa(m.StatusCode))
		buf.WriteByte(' ')
		buf.WriteString(reason)
		buf.WriteString(crlf)
	}

	hadContentLength := false
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			hadContentLength = true
			continue // recomputed below, after the other headers
		}
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString(crlf)
	}

	if len(m.Body) > 0 || hadContentLength {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.Itoa(len(m.Body)))
		buf.WriteString(crlf)
	}

	buf.WriteString(crlf)
	buf.Write(m.Body)

	return buf.Bytes()
}

func defaultReason(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

// Get returns the first value for a header, matched case-insensitively
// (SIP header names are case-insensitive on the wire even though this
// codec preserves the case a UA sent when serializing).
func (m *Message) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// GetAll returns every value for a header, in message order.
func (m *Message) GetAll(name string) []string {
	var values []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	return values
}

// Set replaces every existing occurrence of name with a single header.
func (m *Message) Set(name, value string) {
	out := m.Headers[:0]
	replaced := false
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			if !replaced {
				out = append(out, Header{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, h)
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	m.Headers = out
}

// Add appends a header without removing existing ones with the same name.
func (m *Message) Add(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Prepend inserts a header before all others (used for the Via the
// engine adds when forwarding a request downstream).
func (m *Message) Prepend(name, value string) {
	m.Headers = append([]Header{{Name: name, Value: value}}, m.Headers...)
}

// NewRequest builds a bare request message.
func NewRequest(method, requestURI string) *Message {
	return &Message{IsRequest: true, Method: method, RequestURI: requestURI}
}

// NewResponse builds a bare response message.
func NewResponse(statusCode int, reason string) *Message {
	if reason == "" {
		reason = defaultReason(statusCode)
	}
	return &Message{IsRequest: false, StatusCode: statusCode, Reason: reason}
}
