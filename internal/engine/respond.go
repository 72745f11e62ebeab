package engine

import (
	"strings"

	"github.com/sebas/b2bua/internal/sip"
)

// echoedHeaders are copied onto every error/trying response so the
// client can match it against the request it sent.
var echoedHeaders = []string{"Via", "From", "To", "Call-ID", "CSeq"}

func errorResponse(req *sip.Message, code int, reason string) *sip.Message {
	resp := sip.NewResponse(code, reason)
	for _, name := range echoedHeaders {
		if v, ok := req.Get(name); ok {
			resp.Add(name, v)
		}
	}
	return resp
}

// extractBranch returns the branch parameter of a Via header value, or
// "" if none is present.
func extractBranch(via string) string {
	idx := strings.Index(via, "branch=")
	if idx < 0 {
		return ""
	}
	rest := via[idx+len("branch="):]
	if semi := strings.Index(rest, ";"); semi >= 0 {
		rest = rest[:semi]
	}
	return rest
}
