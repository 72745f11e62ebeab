package engine

import (
	"fmt"
	"net"

	"github.com/sebas/b2bua/internal/dialog"
	"github.com/sebas/b2bua/internal/rtp"
	"github.com/sebas/b2bua/internal/sip"
)

// ByeHandler tears down one leg of a dialog at a time: it forwards the
// BYE to the leg that didn't send it, replies 200 OK to the sender
// immediately, and removes the dialog's RTP streams. The dialog itself
// is only fully removed once the other leg's 200 OK arrives (handled by
// ResponseHandler).
type ByeHandler struct {
	dialogs        *dialog.Manager
	relay          *rtp.Relay
	extMin, extMax int
	serverAddr     string
	sipPort        int
	sender         Sender
}

// NewByeHandler creates a BYE handler.
func NewByeHandler(dialogs *dialog.Manager, relay *rtp.Relay, extMin, extMax int, serverAddr string, sipPort int, sender Sender) *ByeHandler {
	return &ByeHandler{
		dialogs: dialogs, relay: relay,
		extMin: extMin, extMax: extMax,
		serverAddr: serverAddr, sipPort: sipPort,
		sender: sender,
	}
}

func (h *ByeHandler) HandleBye(msg *sip.Message, src *net.UDPAddr) {
	if errs := sip.ValidateBye(msg, h.extMin, h.extMax); len(errs) > 0 {
		h.sender.Send(errorResponse(msg, 400, errs.First()), src.IP.String(), src.Port)
		return
	}

	callID, _ := msg.Get("Call-ID")
	d, ok := h.dialogs.Get(callID)
	if !ok {
		return
	}

	var destNumber string
	var dest dialog.Transport
	if matches(src, d.FromTransport) {
		destNumber, dest = d.ToNumber, d.ToTransport
	} else {
		destNumber, dest = d.FromNumber, d.FromTransport
	}

	h.dialogs.MarkTerminating(callID, "BYE")
	h.relay.Remove(callID)

	downstream := sip.NewRequest("BYE", fmt.Sprintf("sip:%s@%s:%d", destNumber, dest.Addr, dest.Port))
	downstream.Add("Via", fmt.Sprintf("SIP/2.0/UDP %s:%d", h.serverAddr, h.sipPort))
	if v, ok := msg.Get("From"); ok {
		downstream.Add("From", v)
	}
	if v, ok := msg.Get("To"); ok {
		downstream.Add("To", v)
	}
	downstream.Add("Call-ID", callID)
	if v, ok := msg.Get("CSeq"); ok {
		downstream.Add("CSeq", v)
	}
	h.sender.Send(downstream, dest.Addr, dest.Port)

	h.sender.Send(errorResponse(msg, 200, "OK"), src.IP.String(), src.Port)
}

func matches(src *net.UDPAddr, t dialog.Transport) bool {
	return src.IP.String() == t.Addr && src.Port == t.Port
}
