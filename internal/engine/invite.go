package engine

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/sebas/b2bua/internal/dialog"
	"github.com/sebas/b2bua/internal/registrar"
	"github.com/sebas/b2bua/internal/sdp"
	"github.com/sebas/b2bua/internal/sip"
)

// InviteHandler creates a dialog for a new call, records the caller's
// media port, rewrites the SDP, and forwards the INVITE downstream.
type InviteHandler struct {
	registrar *registrar.Registrar
	dialogs   *dialog.Manager

	serverAddr     string
	sipPort        int
	rtpPort        int
	extMin, extMax int

	sender Sender
	log    *slog.Logger
}

// NewInviteHandler creates an INVITE handler.
func NewInviteHandler(reg *registrar.Registrar, dialogs *dialog.Manager, serverAddr string, sipPort, rtpPort, extMin, extMax int, sender Sender, logger *slog.Logger) *InviteHandler {
	return &InviteHandler{
		registrar: reg, dialogs: dialogs,
		serverAddr: serverAddr, sipPort: sipPort, rtpPort: rtpPort,
		extMin: extMin, extMax: extMax,
		sender: sender, log: logger,
	}
}

func (h *InviteHandler) HandleInvite(msg *sip.Message, src *net.UDPAddr) {
	if errs := sip.ValidateInvite(msg, h.extMin, h.extMax); len(errs) > 0 {
		h.sender.Send(errorResponse(msg, 400, errs.First()), src.IP.String(), src.Port)
		return
	}

	to, _ := msg.Get("To")
	from, _ := msg.Get("From")
	toURI, err := sip.ParseSIPURI(to, h.extMin, h.extMax)
	if err != nil {
		h.sender.Send(errorResponse(msg, 400, err.Error()), src.IP.String(), src.Port)
		return
	}
	fromURI, err := sip.ParseSIPURI(from, h.extMin, h.extMax)
	if err != nil {
		h.sender.Send(errorResponse(msg, 400, err.Error()), src.IP.String(), src.Port)
		return
	}

	if !h.registrar.IsRegistered(fromURI.Number) || !h.registrar.IsRegistered(toURI.Number) {
		h.sender.Send(errorResponse(msg, 404, "Not Found"), src.IP.String(), src.Port)
		return
	}
	if h.dialogs.IsNumberBusy(toURI.Number) {
		h.sender.Send(errorResponse(msg, 486, "Busy Here"), src.IP.String(), src.Port)
		return
	}
	callee, _ := h.registrar.Lookup(toURI.Number)

	callID, _ := msg.Get("Call-ID")
	cseq, _ := msg.Get("CSeq")
	via, _ := msg.Get("Via")
	contact, _ := msg.Get("Contact")

	h.dialogs.Create(callID, fromURI.Number, toURI.Number, dialog.Transport{Addr: src.IP.String(), Port: src.Port})
	h.dialogs.SetOriginalHeaders(callID, via, from, to, cseq, contact)

	trying := sip.NewResponse(100, "Trying")
	for _, name := range echoedHeaders {
		if v, ok := msg.Get(name); ok {
			trying.Add(name, v)
		}
	}
	h.sender.Send(trying, src.IP.String(), src.Port)

	body := msg.Body
	contentType, hasSDP := msg.Get("Content-Type")
	hasSDP = hasSDP && strings.Contains(contentType, "application/sdp")
	if hasSDP {
		fromRTPPort, err := sdp.AudioPort(msg.Body)
		if err != nil {
			h.sender.Send(errorResponse(msg, 500, "Internal Server Error"), src.IP.String(), src.Port)
			return
		}
		h.dialogs.SetRTPPorts(callID, fromRTPPort, 0)

		rewritten, err := sdp.Rewrite(msg.Body, sdp.Endpoint{Addr: h.serverAddr, Port: h.rtpPort})
		if err != nil {
			h.sender.Send(errorResponse(msg, 500, "Internal Server Error"), src.IP.String(), src.Port)
			return
		}
		body = rewritten
	}

	h.dialogs.SetTarget(callID, dialog.Transport{Addr: callee.ContactAddr, Port: callee.ContactPort})

	downstream := sip.NewRequest("INVITE", fmt.Sprintf("sip:%s@%s:%d", toURI.Number, callee.ContactAddr, callee.ContactPort))
	if via != "" {
		downstream.Add("Via", via)
	}
	downstream.Prepend("Via", fmt.Sprintf("SIP/2.0/UDP %s:%d", h.serverAddr, h.sipPort))
	downstream.Add("From", from)
	downstream.Add("To", to)
	downstream.Add("Call-ID", callID)
	downstream.Add("CSeq", cseq)
	downstream.Add("Contact", contact)
	if hasSDP {
		downstream.Add("Content-Type", contentType)
	}
	downstream.Body = body

	h.sender.Send(downstream, callee.ContactAddr, callee.ContactPort)
}
