package engine

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/sebas/b2bua/internal/dialog"
	"github.com/sebas/b2bua/internal/rtp"
	"github.com/sebas/b2bua/internal/sdp"
	"github.com/sebas/b2bua/internal/sip"
)

// ResponseHandler relays responses from the callee leg back to the
// caller, disambiguating a BYE's 200 OK from the final 200 OK to the
// original INVITE by the dialog's current state rather than a flag
// flag.
type ResponseHandler struct {
	dialogs *dialog.Manager
	relay   *rtp.Relay

	serverAddr string
	sipPort    int
	rtpPort    int

	sender Sender
	log    *slog.Logger
}

// NewResponseHandler creates a response handler.
func NewResponseHandler(dialogs *dialog.Manager, relay *rtp.Relay, serverAddr string, sipPort, rtpPort int, sender Sender, logger *slog.Logger) *ResponseHandler {
	return &ResponseHandler{
		dialogs: dialogs, relay: relay,
		serverAddr: serverAddr, sipPort: sipPort, rtpPort: rtpPort,
		sender: sender, log: logger,
	}
}

func (h *ResponseHandler) HandleResponse(msg *sip.Message, src *net.UDPAddr) {
	callID, _ := msg.Get("Call-ID")
	d, ok := h.dialogs.Get(callID)
	if !ok {
		if h.dialogs.WasRecentlyEnded(callID) {
			h.log.Debug("engine: response for recently terminated dialog", "call_id", callID)
		} else {
			h.log.Warn("engine: response for unknown dialog", "call_id", callID)
		}
		return
	}

	switch {
	case msg.StatusCode == 200 && d.State == dialog.StateTerminating:
		h.dialogs.End(callID, "BYE")

	case msg.StatusCode == 200:
		h.relayFinalOK(msg, d)

	case msg.StatusCode == 404 || msg.StatusCode == 486 || msg.StatusCode == 487:
		h.relayFailure(msg, d)

	default:
		h.log.Warn("engine: dropping unsupported response status", "status", msg.StatusCode, "call_id", callID)
	}
}

func (h *ResponseHandler) relayFinalOK(msg *sip.Message, d *dialog.Dialog) {
	body := msg.Body
	contentType, hasSDP := msg.Get("Content-Type")
	hasSDP = hasSDP && strings.Contains(contentType, "application/sdp")
	if hasSDP {
		toRTPPort, err := sdp.AudioPort(msg.Body)
		if err == nil {
			h.dialogs.SetRTPPorts(d.CallID, 0, toRTPPort)
		}
		if rewritten, err := sdp.Rewrite(msg.Body, sdp.Endpoint{Addr: h.serverAddr, Port: h.rtpPort}); err == nil {
			body = rewritten
		}
	}

	h.dialogs.Answer(d.CallID)

	up := sip.NewResponse(200, "OK")
	up.Add("Via", d.OriginalVia)
	up.Add("From", d.OriginalFrom)
	up.Add("To", d.OriginalTo)
	up.Add("Call-ID", d.CallID)
	up.Add("CSeq", d.OriginalCSeq)
	up.Add("Contact", fmt.Sprintf("<sip:%s@%s:%d>", d.ToNumber, h.serverAddr, h.sipPort))
	if hasSDP {
		up.Add("Content-Type", contentType)
	}
	up.Body = body
	h.sender.Send(up, d.FromTransport.Addr, d.FromTransport.Port)

	updated, ok := h.dialogs.Get(d.CallID)
	if ok && updated.FromRTPPort > 0 && updated.ToRTPPort > 0 {
		h.relay.Install(d.CallID,
			rtp.Endpoint{Addr: updated.FromTransport.Addr, Port: updated.FromRTPPort},
			rtp.Endpoint{Addr: updated.ToTransport.Addr, Port: updated.ToRTPPort},
		)
	}
}

func (h *ResponseHandler) relayFailure(msg *sip.Message, d *dialog.Dialog) {
	up := sip.NewResponse(msg.StatusCode, msg.Reason)
	up.Add("Via", d.OriginalVia)
	up.Add("From", d.OriginalFrom)
	up.Add("To", d.OriginalTo)
	up.Add("Call-ID", d.CallID)
	up.Add("CSeq", d.OriginalCSeq)
	h.sender.Send(up, d.FromTransport.Addr, d.FromTransport.Port)

	h.dialogs.End(d.CallID, fmt.Sprintf("%d", msg.StatusCode))
}
