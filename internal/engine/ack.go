package engine

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/sebas/b2bua/internal/dialog"
	"github.com/sebas/b2bua/internal/sip"
)

// AckHandler forwards an in-dialog ACK to the callee leg. It is
// forwarded even while the dialog is TERMINATING, since an ACK for the
// original INVITE may still be in flight when a BYE races it.
type AckHandler struct {
	dialogs    *dialog.Manager
	serverAddr string
	sipPort    int
	sender     Sender
}

// NewAckHandler creates an ACK handler.
func NewAckHandler(dialogs *dialog.Manager, serverAddr string, sipPort int, sender Sender) *AckHandler {
	return &AckHandler{dialogs: dialogs, serverAddr: serverAddr, sipPort: sipPort, sender: sender}
}

func (h *AckHandler) HandleAck(msg *sip.Message, src *net.UDPAddr) {
	callID, _ := msg.Get("Call-ID")
	d, ok := h.dialogs.Get(callID)
	if !ok {
		return
	}

	via, _ := msg.Get("Via")
	branch := extractBranch(via)
	if branch == "" {
		branch = "z9hG4bK-" + uuid.New().String()
	}

	downstream := sip.NewRequest("ACK", fmt.Sprintf("sip:%s@%s:%d", d.ToNumber, d.ToTransport.Addr, d.ToTransport.Port))
	downstream.Add("Via", fmt.Sprintf("SIP/2.0/UDP %s:%d;branch=%s", h.serverAddr, h.sipPort, branch))
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
	if v, ok := msg.Get("Contact"); ok {
		downstream.Add("Contact", v)
	}
	downstream.Body = msg.Body

	h.sender.Send(downstream, d.ToTransport.Addr, d.ToTransport.Port)
}
