package engine

import (
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sebas/b2bua/internal/dialog"
	"github.com/sebas/b2bua/internal/registrar"
	"github.com/sebas/b2bua/internal/rtp"
	"github.com/sebas/b2bua/internal/sip"
)

type sentMessage struct {
	msg  *sip.Message
	addr string
	port int
}

type fakeSender struct {
	sent []sentMessage
}

func (f *fakeSender) Send(msg *sip.Message, addr string, port int) {
	f.sent = append(f.sent, sentMessage{msg: msg, addr: addr, port: port})
}

func (f *fakeSender) last() sentMessage {
	return f.sent[len(f.sent)-1]
}

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func newTestRelay(t *testing.T) *rtp.Relay {
	t.Helper()
	r, err := rtp.New("127.0.0.1", 0, nil)
	if err != nil {
		t.Fatalf("rtp.New failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestScenarioRegister(t *testing.T) {
	reg := registrar.New(100, 110, time.Hour)
	sender := &fakeSender{}
	h := NewRegisterHandler(reg, 100, 110, time.Hour, sender)

	msg := sip.NewRequest("REGISTER", "sip:100@srv:5060")
	msg.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	msg.Add("From", "<sip:100@srv>")
	msg.Add("To", "<sip:100@srv>")
	msg.Add("Call-ID", "reg1@10.0.0.5")
	msg.Add("CSeq", "1 REGISTER")
	msg.Add("Contact", "<sip:100@10.0.0.5:5061>")
	msg.Add("Expires", "3600")

	h.HandleRegister(msg, udpAddr("10.0.0.5", 5061))

	resp := sender.last()
	if resp.msg.StatusCode != 200 {
		t.Fatalf("expected 200 OK, got %+v", resp.msg)
	}
	b, ok := reg.Lookup("100")
	if !ok {
		t.Fatal("expected binding for 100")
	}
	if b.ContactAddr != "10.0.0.5" || b.ContactPort != 5061 {
		t.Fatalf("unexpected transport address: %+v", b)
	}
}

func TestScenarioInvalidExtensionRejected(t *testing.T) {
	reg := registrar.New(100, 110, time.Hour)
	sender := &fakeSender{}
	h := NewRegisterHandler(reg, 100, 110, time.Hour, sender)

	msg := sip.NewRequest("REGISTER", "sip:099@srv:5060")
	msg.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	msg.Add("From", "<sip:099@srv>")
	msg.Add("To", "<sip:099@srv>")
	msg.Add("Call-ID", "reg2@10.0.0.5")
	msg.Add("CSeq", "1 REGISTER")
	msg.Add("Contact", "<sip:099@10.0.0.5:5061>")

	h.HandleRegister(msg, udpAddr("10.0.0.5", 5061))

	resp := sender.last()
	if resp.msg.StatusCode != 400 {
		t.Fatalf("expected 400 Bad Request, got %+v", resp.msg)
	}
	if _, ok := reg.Lookup("099"); ok {
		t.Fatal("expected no binding to be installed")
	}
}

type testSystem struct {
	reg     *registrar.Registrar
	dialogs *dialog.Manager
	relay   *rtp.Relay
	sender  *fakeSender

	invite   *InviteHandler
	ack      *AckHandler
	bye      *ByeHandler
	response *ResponseHandler
	cancel   *CancelHandler
}

func newTestSystem(t *testing.T, setupTimeout time.Duration) *testSystem {
	reg := registrar.New(100, 110, time.Hour)
	dialogs := dialog.New(setupTimeout)
	relay := newTestRelay(t)
	sender := &fakeSender{}

	return &testSystem{
		reg: reg, dialogs: dialogs, relay: relay, sender: sender,
		invite:   NewInviteHandler(reg, dialogs, "192.168.0.42", 5060, 10000, 100, 110, sender, slog.Default()),
		ack:      NewAckHandler(dialogs, "192.168.0.42", 5060, sender),
		bye:      NewByeHandler(dialogs, relay, 100, 110, "192.168.0.42", 5060, sender),
		response: NewResponseHandler(dialogs, relay, "192.168.0.42", 5060, 10000, sender, slog.Default()),
		cancel:   NewCancelHandler(dialogs, sender, slog.Default()),
	}
}

const callerSDP = "v=0\r\no=- 1 1 IN IP4 10.0.0.5\r\ns=-\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\nm=audio 40000 RTP/AVP 0\r\n"
const calleeSDP = "v=0\r\no=- 2 2 IN IP4 10.0.0.6\r\ns=-\r\nc=IN IP4 10.0.0.6\r\nt=0 0\r\nm=audio 41000 RTP/AVP 0\r\n"

func TestScenarioCallSuccessAckAndBye(t *testing.T) {
	sys := newTestSystem(t, 30*time.Second)
	sys.reg.Register("100", "<sip:100@10.0.0.5:5061>", "10.0.0.5", 5061, time.Hour)
	sys.reg.Register("101", "<sip:101@10.0.0.6:5061>", "10.0.0.6", 5061, time.Hour)

	invite := sip.NewRequest("INVITE", "sip:101@srv:5060")
	invite.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	invite.Add("From", "<sip:100@srv>")
	invite.Add("To", "<sip:101@srv>")
	invite.Add("Call-ID", "call-1@10.0.0.5")
	invite.Add("CSeq", "1 INVITE")
	invite.Add("Contact", "<sip:100@10.0.0.5:5061>")
	invite.Add("Content-Type", "application/sdp")
	invite.Body = []byte(callerSDP)

	sys.invite.HandleInvite(invite, udpAddr("10.0.0.5", 5061))

	if len(sys.sender.sent) != 2 {
		t.Fatalf("expected 100 Trying + downstream INVITE, got %d messages", len(sys.sender.sent))
	}
	if sys.sender.sent[0].msg.StatusCode != 100 {
		t.Fatalf("expected 100 Trying first, got %+v", sys.sender.sent[0].msg)
	}
	downInvite := sys.sender.sent[1]
	if downInvite.msg.Method != "INVITE" || downInvite.addr != "10.0.0.6" || downInvite.port != 5061 {
		t.Fatalf("unexpected downstream INVITE: %+v", downInvite)
	}
	if !strings.Contains(string(downInvite.msg.Body), "c=IN IP4 192.168.0.42") {
		t.Fatalf("expected rewritten SDP pointing at server, got %q", downInvite.msg.Body)
	}
	if !strings.Contains(string(downInvite.msg.Body), "m=audio 10000") {
		t.Fatalf("expected rewritten RTP port, got %q", downInvite.msg.Body)
	}

	ok200 := sip.NewResponse(200, "OK")
	ok200.Add("Via", "SIP/2.0/UDP 192.168.0.42:5060")
	ok200.Add("From", "<sip:100@srv>")
	ok200.Add("To", "<sip:101@srv>")
	ok200.Add("Call-ID", "call-1@10.0.0.5")
	ok200.Add("CSeq", "1 INVITE")
	ok200.Add("Content-Type", "application/sdp")
	ok200.Body = []byte(calleeSDP)

	sys.response.HandleResponse(ok200, udpAddr("10.0.0.6", 5061))

	upOK := sys.sender.last()
	if upOK.msg.StatusCode != 200 {
		t.Fatalf("expected 200 OK relayed to caller, got %+v", upOK.msg)
	}
	if upOK.addr != "10.0.0.5" || upOK.port != 5061 {
		t.Fatalf("expected 200 OK sent to caller transport, got %+v", upOK)
	}
	if got, _ := upOK.msg.Get("Contact"); got != "<sip:101@192.168.0.42:5060>" {
		t.Fatalf("expected rewritten Contact, got %q", got)
	}

	streams := sys.relay.ListStreams()
	if len(streams) != 2 {
		t.Fatalf("expected 2 RTP stream entries installed, got %d", len(streams))
	}

	d, ok := sys.dialogs.Get("call-1@10.0.0.5")
	if !ok || d.State != dialog.StateEstablished {
		t.Fatalf("expected dialog ESTABLISHED, got %+v", d)
	}

	ack := sip.NewRequest("ACK", "sip:101@192.168.0.42:5060")
	ack.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061;branch=z9hG4bK-abc")
	ack.Add("From", "<sip:100@srv>")
	ack.Add("To", "<sip:101@srv>")
	ack.Add("Call-ID", "call-1@10.0.0.5")
	ack.Add("CSeq", "1 ACK")
	sys.ack.HandleAck(ack, udpAddr("10.0.0.5", 5061))

	downAck := sys.sender.last()
	if downAck.msg.Method != "ACK" || downAck.addr != "10.0.0.6" || downAck.port != 5061 {
		t.Fatalf("unexpected forwarded ACK: %+v", downAck)
	}
	ackVia, _ := downAck.msg.Get("Via")
	if branch := extractBranch(ackVia); branch != "z9hG4bK-abc" {
		t.Fatalf("expected copied branch, got %q", branch)
	}

	bye := sip.NewRequest("BYE", "sip:101@192.168.0.42:5060")
	bye.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	bye.Add("From", "<sip:100@srv>")
	bye.Add("To", "<sip:101@srv>")
	bye.Add("Call-ID", "call-1@10.0.0.5")
	bye.Add("CSeq", "2 BYE")
	sys.bye.HandleBye(bye, udpAddr("10.0.0.5", 5061))

	if len(sys.relay.ListStreams()) != 0 {
		t.Fatal("expected RTP streams removed once BYE observed")
	}
	okToBye := sys.sender.last()
	if okToBye.msg.StatusCode != 200 {
		t.Fatalf("expected 200 OK to BYE sender, got %+v", okToBye.msg)
	}
	downBye := sys.sender.sent[len(sys.sender.sent)-2]
	if downBye.msg.Method != "BYE" || downBye.addr != "10.0.0.6" {
		t.Fatalf("expected BYE forwarded to callee, got %+v", downBye)
	}

	d, _ = sys.dialogs.Get("call-1@10.0.0.5")
	if d.State != dialog.StateTerminating {
		t.Fatalf("expected TERMINATING before the other leg's 200 OK, got %s", d.State)
	}

	byeOK := sip.NewResponse(200, "OK")
	byeOK.Add("Via", "SIP/2.0/UDP 192.168.0.42:5060")
	byeOK.Add("From", "<sip:100@srv>")
	byeOK.Add("To", "<sip:101@srv>")
	byeOK.Add("Call-ID", "call-1@10.0.0.5")
	byeOK.Add("CSeq", "2 BYE")
	sys.response.HandleResponse(byeOK, udpAddr("10.0.0.6", 5061))

	if _, ok := sys.dialogs.Get("call-1@10.0.0.5"); ok {
		t.Fatal("expected dialog fully removed after BYE's 200 OK")
	}
}

func TestScenarioBusyCalleeRejected(t *testing.T) {
	sys := newTestSystem(t, 30*time.Second)
	sys.reg.Register("100", "<sip:100@10.0.0.5:5061>", "10.0.0.5", 5061, time.Hour)
	sys.reg.Register("101", "<sip:101@10.0.0.6:5061>", "10.0.0.6", 5061, time.Hour)
	sys.reg.Register("102", "<sip:102@10.0.0.7:5061>", "10.0.0.7", 5061, time.Hour)

	first := sip.NewRequest("INVITE", "sip:101@srv:5060")
	first.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	first.Add("From", "<sip:100@srv>")
	first.Add("To", "<sip:101@srv>")
	first.Add("Call-ID", "call-1")
	first.Add("CSeq", "1 INVITE")
	first.Add("Contact", "<sip:100@10.0.0.5:5061>")
	sys.invite.HandleInvite(first, udpAddr("10.0.0.5", 5061))
	sys.dialogs.SetTarget("call-1", dialog.Transport{Addr: "10.0.0.6", Port: 5061})

	second := sip.NewRequest("INVITE", "sip:101@srv:5060")
	second.Add("Via", "SIP/2.0/UDP 10.0.0.7:5061")
	second.Add("From", "<sip:102@srv>")
	second.Add("To", "<sip:101@srv>")
	second.Add("Call-ID", "call-2")
	second.Add("CSeq", "1 INVITE")
	second.Add("Contact", "<sip:102@10.0.0.7:5061>")
	sys.invite.HandleInvite(second, udpAddr("10.0.0.7", 5061))

	last := sys.sender.last()
	if last.msg.StatusCode != 486 {
		t.Fatalf("expected 486 Busy Here, got %+v", last.msg)
	}
}

func TestScenarioSetupTimeout(t *testing.T) {
	sys := newTestSystem(t, 10*time.Millisecond)
	sys.reg.Register("100", "<sip:100@10.0.0.5:5061>", "10.0.0.5", 5061, time.Hour)
	sys.reg.Register("101", "<sip:101@10.0.0.6:5061>", "10.0.0.6", 5061, time.Hour)

	invite := sip.NewRequest("INVITE", "sip:101@srv:5060")
	invite.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	invite.Add("From", "<sip:100@srv>")
	invite.Add("To", "<sip:101@srv>")
	invite.Add("Call-ID", "call-1")
	invite.Add("CSeq", "1 INVITE")
	invite.Add("Contact", "<sip:100@10.0.0.5:5061>")
	sys.invite.HandleInvite(invite, udpAddr("10.0.0.5", 5061))

	time.Sleep(25 * time.Millisecond)
	sys.dialogs.Cleanup()

	if _, ok := sys.dialogs.Get("call-1"); ok {
		t.Fatal("expected dialog to be timed out and removed")
	}
	hist := sys.dialogs.History(0, 0)
	if len(hist) != 1 || hist[0].TerminationReason != "TIMEOUT" {
		t.Fatalf("expected TIMEOUT history record, got %+v", hist)
	}
}

func newCancel(callID string) *sip.Message {
	cancel := sip.NewRequest("CANCEL", "sip:101@srv:5060")
	cancel.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	cancel.Add("From", "<sip:100@srv>")
	cancel.Add("To", "<sip:101@srv>")
	cancel.Add("Call-ID", callID)
	cancel.Add("CSeq", "1 CANCEL")
	return cancel
}

func TestScenarioCancelRingingDialog(t *testing.T) {
	sys := newTestSystem(t, 30*time.Second)
	sys.reg.Register("100", "<sip:100@10.0.0.5:5061>", "10.0.0.5", 5061, time.Hour)
	sys.reg.Register("101", "<sip:101@10.0.0.6:5061>", "10.0.0.6", 5061, time.Hour)

	invite := sip.NewRequest("INVITE", "sip:101@srv:5060")
	invite.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	invite.Add("From", "<sip:100@srv>")
	invite.Add("To", "<sip:101@srv>")
	invite.Add("Call-ID", "call-1")
	invite.Add("CSeq", "1 INVITE")
	invite.Add("Contact", "<sip:100@10.0.0.5:5061>")
	sys.invite.HandleInvite(invite, udpAddr("10.0.0.5", 5061))

	sys.cancel.HandleCancel(newCancel("call-1"), udpAddr("10.0.0.5", 5061))

	last := sys.sender.last()
	if last.msg.StatusCode != 200 {
		t.Fatalf("expected 200 OK to CANCEL, got %+v", last.msg)
	}
	if _, ok := sys.dialogs.Get("call-1"); ok {
		t.Fatal("expected dialog to be ended by CANCEL")
	}
}

func TestScenarioCancelUnknownDialogRejected(t *testing.T) {
	sys := newTestSystem(t, 30*time.Second)
	sys.cancel.HandleCancel(newCancel("no-such-call"), udpAddr("10.0.0.5", 5061))

	last := sys.sender.last()
	if last.msg.StatusCode != 481 {
		t.Fatalf("expected 481, got %+v", last.msg)
	}
}

func TestScenarioCancelEstablishedDialogDropped(t *testing.T) {
	sys := newTestSystem(t, 30*time.Second)
	sys.reg.Register("100", "<sip:100@10.0.0.5:5061>", "10.0.0.5", 5061, time.Hour)
	sys.reg.Register("101", "<sip:101@10.0.0.6:5061>", "10.0.0.6", 5061, time.Hour)

	invite := sip.NewRequest("INVITE", "sip:101@srv:5060")
	invite.Add("Via", "SIP/2.0/UDP 10.0.0.5:5061")
	invite.Add("From", "<sip:100@srv>")
	invite.Add("To", "<sip:101@srv>")
	invite.Add("Call-ID", "call-1")
	invite.Add("CSeq", "1 INVITE")
	invite.Add("Contact", "<sip:100@10.0.0.5:5061>")
	sys.invite.HandleInvite(invite, udpAddr("10.0.0.5", 5061))
	sys.dialogs.SetTarget("call-1", dialog.Transport{Addr: "10.0.0.6", Port: 5061})
	sys.dialogs.Answer("call-1")

	sentBefore := len(sys.sender.sent)
	sys.cancel.HandleCancel(newCancel("call-1"), udpAddr("10.0.0.5", 5061))

	if len(sys.sender.sent) != sentBefore {
		t.Fatalf("expected CANCEL for an established dialog to be dropped without a reply, got %d new messages", len(sys.sender.sent)-sentBefore)
	}
	d, ok := sys.dialogs.Get("call-1")
	if !ok || d.State != dialog.StateEstablished {
		t.Fatalf("expected dialog to remain ESTABLISHED, got %+v", d)
	}
}
