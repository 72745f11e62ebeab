package sip

import (
	"regexp"
	"strconv"
	"strings"
)

// ValidationError describes one structural failure found by the
// validator. Field names the header or body section at fault.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string { return e.Field + ": " + e.Message }

// ValidationErrors aggregates every failure found during validation of
// a single message, in the order they were discovered.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return strings.Join(parts, "; ")
}

// First returns the first error's message, or "" if there are none.
// Used to build the reason phrase of a 400 response.
func (e ValidationErrors) First() string {
	if len(e) == 0 {
		return ""
	}
	return e[0].Message
}

var (
	callIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+(@[A-Za-z0-9._-]+)?(-[A-Za-z0-9._-]+)?$`)
	cseqPattern   = regexp.MustCompile(`^\d+\s+[A-Z]+$`)
	viaPattern    = regexp.MustCompile(`^SIP/2\.0/UDP\s+[^:;\s]+(?::\d+)?(;[^;]*)*$`)
)

func validateCallID(v string) *ValidationError {
	if !callIDPattern.MatchString(v) {
		return &ValidationError{Field: "Call-ID", Message: "malformed Call-ID"}
	}
	return nil
}

func validateCSeq(v string) *ValidationError {
	if !cseqPattern.MatchString(v) {
		return &ValidationError{Field: "CSeq", Message: "malformed CSeq"}
	}
	return nil
}

func validateVia(v string) *ValidationError {
	if !viaPattern.MatchString(v) {
		return &ValidationError{Field: "Via", Message: "malformed Via"}
	}
	return nil
}

// ValidateSDP checks the minimal structural requirements on an SDP
// body: at least one line each of v=, o=, s=, c=, t=, m=, and a first
// m= line describing audio on a port in [1024, 65535]. The transport
// profile of that line is not checked.
func ValidateSDP(body []byte) ValidationErrors {
	var errs ValidationErrors
	lines := strings.Split(string(body), "\n")

	required := map[string]bool{"v=": false, "o=": false, "s=": false, "c=": false, "t=": false, "m=": false}
	var firstMediaLine string

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		for prefix := range required {
			if strings.HasPrefix(line, prefix) {
				required[prefix] = true
			}
		}
		if strings.HasPrefix(line, "m=") && firstMediaLine == "" {
			firstMediaLine = line
		}
	}

	for prefix, seen := range required {
		if !seen {
			errs = append(errs, ValidationError{Field: "SDP", Message: "missing " + prefix + " line"})
		}
	}

	if firstMediaLine != "" {
		fields := strings.Fields(firstMediaLine)
		if len(fields) < 2 || fields[0] != "m=audio" {
			errs = append(errs, ValidationError{Field: "SDP", Message: "first media line must be audio"})
		} else {
			port, err := strconv.Atoi(fields[1])
			if err != nil || port < 1024 || port > 65535 {
				errs = append(errs, ValidationError{Field: "SDP", Message: "media port out of range"})
			}
		}
	}

	return errs
}

func sameUser(a, b string) bool {
	na, nb := numberOf(a), numberOf(b)
	return na != "" && na == nb
}

func numberOf(header string) string {
	uri := ExtractURI(header)
	idx := strings.Index(uri, "@")
	if idx < 0 {
		return ""
	}
	prefix := uri[:idx]
	colon := strings.LastIndex(prefix, ":")
	if colon >= 0 {
		prefix = prefix[colon+1:]
	}
	return prefix
}

func requireHeaders(msg *Message, names ...string) ValidationErrors {
	var errs ValidationErrors
	for _, name := range names {
		if _, ok := msg.Get(name); !ok {
			errs = append(errs, ValidationError{Field: name, Message: "missing " + name + " header"})
		}
	}
	return errs
}

func validateCommonHeaders(msg *Message) ValidationErrors {
	var errs ValidationErrors
	if v, ok := msg.Get("Call-ID"); ok {
		if e := validateCallID(v); e != nil {
			errs = append(errs, *e)
		}
	}
	if v, ok := msg.Get("CSeq"); ok {
		if e := validateCSeq(v); e != nil {
			errs = append(errs, *e)
		}
	}
	if v, ok := msg.Get("Via"); ok {
		if e := validateVia(v); e != nil {
			errs = append(errs, *e)
		}
	}
	return errs
}

// ValidateRegister checks the structural requirements for REGISTER
// required headers, matching To/From users within the
// extension range, and a well-formed Expires if present.
func ValidateRegister(msg *Message, extMin, extMax int) ValidationErrors {
	errs := requireHeaders(msg, "To", "From", "Call-ID", "CSeq", "Contact")
	errs = append(errs, validateCommonHeaders(msg)...)

	to, toOK := msg.Get("To")
	from, fromOK := msg.Get("From")
	if toOK && fromOK {
		if !sameUser(to, from) {
			errs = append(errs, ValidationError{Field: "To/From", Message: "To and From user parts must match"})
		}
		if _, err := ParseSIPURI(to, extMin, extMax); err != nil {
			errs = append(errs, ValidationError{Field: "To", Message: err.Error()})
		}
	}

	if v, ok := msg.Get("Expires"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 || n > 86400 {
			errs = append(errs, ValidationError{Field: "Expires", Message: "Expires must be an integer in [0, 86400]"})
		}
	}

	return errs
}

// ValidateInvite checks the structural requirements for INVITE: required
// headers, distinct and valid To/From extensions, and (if present) a
// well-formed application/sdp body.
func ValidateInvite(msg *Message, extMin, extMax int) ValidationErrors {
	errs := requireHeaders(msg, "To", "From", "Call-ID", "CSeq", "Contact")
	errs = append(errs, validateCommonHeaders(msg)...)

	to, toOK := msg.Get("To")
	from, fromOK := msg.Get("From")
	var toURI, fromURI *SIPURI
	if toOK {
		if u, err := ParseSIPURI(to, extMin, extMax); err != nil {
			errs = append(errs, ValidationError{Field: "To", Message: err.Error()})
		} else {
			toURI = u
		}
	}
	if fromOK {
		if u, err := ParseSIPURI(from, extMin, extMax); err != nil {
			errs = append(errs, ValidationError{Field: "From", Message: err.Error()})
		} else {
			fromURI = u
		}
	}
	if toURI != nil && fromURI != nil && toURI.Number == fromURI.Number {
		errs = append(errs, ValidationError{Field: "To/From", Message: "self-call: To and From must differ"})
	}

	if ct, ok := msg.Get("Content-Type"); ok && strings.Contains(ct, "application/sdp") {
		errs = append(errs, ValidateSDP(msg.Body)...)
	}

	return errs
}

// ValidateBye checks the structural requirements for BYE: required
// headers and valid To/From URIs.
func ValidateBye(msg *Message, extMin, extMax int) ValidationErrors {
	errs := requireHeaders(msg, "To", "From", "Call-ID", "CSeq")
	errs = append(errs, validateCommonHeaders(msg)...)

	if to, ok := msg.Get("To"); ok {
		if _, err := ParseSIPURI(to, extMin, extMax); err != nil {
			errs = append(errs, ValidationError{Field: "To", Message: err.Error()})
		}
	}
	if from, ok := msg.Get("From"); ok {
		if _, err := ParseSIPURI(from, extMin, extMax); err != nil {
			errs = append(errs, ValidationError{Field: "From", Message: err.Error()})
		}
	}

	return errs
}
