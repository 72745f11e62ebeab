// Package sdp rewrites session descriptions so that media flows through
// the relay instead of directly between user agents, using
// github.com/pion/sdp/v3 to parse and re-marshal the body rather than
// patching it with line-oriented regexes.
package sdp

import (
	"errors"

	"github.com/pion/sdp/v3"
)

// ErrNoAudioMedia is returned when a body has no m=audio line, which
// should never happen for a body that already passed sip.ValidateSDP.
var ErrNoAudioMedia = errors.New("sdp: no audio media description")

// Endpoint is the server's media address/port, substituted into c=, o=,
// and the first m=audio line.
type Endpoint struct {
	Addr string
	Port int
}

// Rewrite rewrites every c=IN IP4 line, the o= line's address, and the
// port of the first m=audio line to point at endpoint. It is a pure
// function of (body, endpoint): parsing the same input twice and
// rewriting both copies produces byte-identical output, and rewriting
// an already-rewritten body is a no-op, since the second pass
// substitutes the same values again.
func Rewrite(body []byte, endpoint Endpoint) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, err
	}

	desc.Origin.UnicastAddress = endpoint.Addr

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		desc.ConnectionInformation.Address.Address = endpoint.Addr
	}

	audioRewritten := false
	for _, md := range desc.MediaDescriptions {
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			md.ConnectionInformation.Address.Address = endpoint.Addr
		}
		if !audioRewritten && md.MediaName.Media == "audio" {
			md.MediaName.Port.Value = endpoint.Port
			audioRewritten = true
		}
	}
	if !audioRewritten {
		return nil, ErrNoAudioMedia
	}

	return desc.Marshal()
}

// AudioPort returns the port of the first m=audio line in body, as
// extracted from the caller's INVITE or the callee's 200 OK (spec
// §4.D "from_rtp_port"/"to_rtp_port").
func AudioPort(body []byte) (int, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return 0, err
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return md.MediaName.Port.Value, nil
		}
	}
	return 0, ErrNoAudioMedia
}
