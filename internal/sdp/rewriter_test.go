package sdp

import (
	"strings"
	"testing"
)

const callerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func TestRewritePointsAtServer(t *testing.T) {
	out, err := Rewrite([]byte(callerSDP), Endpoint{Addr: "192.168.0.1", Port: 30000})
	if err != nil {
		t.Fatalf("Rewrite failed: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "c=IN IP4 192.168.0.1") {
		t.Fatalf("c= line not rewritten: %q", s)
	}
	if !strings.Contains(s, "o=- 1 1 IN IP4 192.168.0.1") {
		t.Fatalf("o= line not rewritten: %q", s)
	}
	if !strings.Contains(s, "m=audio 30000 RTP/AVP 0") {
		t.Fatalf("m=audio line not rewritten: %q", s)
	}
	if !strings.Contains(s, "a=rtpmap:0 PCMU/8000") {
		t.Fatalf("unrelated attribute line was dropped: %q", s)
	}
}

func TestRewriteIsIdempotent(t *testing.T) {
	endpoint := Endpoint{Addr: "192.168.0.1", Port: 30000}
	once, err := Rewrite([]byte(callerSDP), endpoint)
	if err != nil {
		t.Fatalf("first Rewrite failed: %v", err)
	}
	twice, err := Rewrite(once, endpoint)
	if err != nil {
		t.Fatalf("second Rewrite failed: %v", err)
	}
	if string(once) != string(twice) {
		t.Fatalf("rewrite not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
}

func TestRewriteRejectsMissingAudio(t *testing.T) {
	noAudio := "v=0\r\no=- 1 1 IN IP4 10.0.0.5\r\ns=-\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\nm=video 40000 RTP/AVP 96\r\n"
	if _, err := Rewrite([]byte(noAudio), Endpoint{Addr: "1.2.3.4", Port: 10000}); err != ErrNoAudioMedia {
		t.Fatalf("expected ErrNoAudioMedia, got %v", err)
	}
}

func TestAudioPort(t *testing.T) {
	port, err := AudioPort([]byte(callerSDP))
	if err != nil {
		t.Fatalf("AudioPort failed: %v", err)
	}
	if port != 40000 {
		t.Fatalf("expected port 40000, got %d", port)
	}
}
