package sip

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ExtractURI returns the content of the first angle-bracketed substring
// in a "display-name <uri>" header value, or the trimmed header value
// itself when there are no angle brackets.
func ExtractURI(header string) string {
	header = strings.TrimSpace(header)
	start := strings.Index(header, "<")
	if start < 0 {
		return header
	}
	end := strings.Index(header[start:], ">")
	if end < 0 {
		return header
	}
	return header[start+1 : start+end]
}

// SIPURI is the parsed form of a `sip:<number>@host[:port][;params]` URI.
type SIPURI struct {
	Number string
	Domain string
	Port   int
}

var sipURIPattern = regexp.MustCompile(`^sip:(\d+)@([^:;]+)(?::(\d+))?((?:;[^;]*)*)$`)

// ParseSIPURI parses a sip: URI and checks the numeric user part against
// the configured extension range. header may be either a bare URI or a
// full "display-name <uri>" header value.
func ParseSIPURI(header string, extMin, extMax int) (*SIPURI, error) {
	raw := ExtractURI(header)
	m := sipURIPattern.FindStringSubmatch(raw)
	if m == nil {
		return nil, fmt.Errorf("malformed SIP URI: %q", raw)
	}

	number := m[1]
	domain := m[2]
	port := 0
	if m[3] != "" {
		p, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("malformed port in SIP URI: %q", raw)
		}
		port = p
	}

	n, err := strconv.Atoi(number)
	if err != nil {
		return nil, fmt.Errorf("malformed extension number: %q", number)
	}
	if n < extMin || n > extMax {
		return nil, fmt.Errorf("extension %s out of range [%d, %d]", number, extMin, extMax)
	}

	return &SIPURI{Number: number, Domain: domain, Port: port}, nil
}
