package engine

import (
	"log/slog"
	"net"

	"github.com/sebas/b2bua/internal/dialog"
	"github.com/sebas/b2bua/internal/sip"
)

// CancelHandler handles CANCEL minimally: a dialog still being set up
// is ended, and CANCEL is acknowledged. No 487 is sent upstream — the
// original INVITE's own response path is what the caller observes
// (forking is out of scope, so there is exactly one callee leg to
// retract, and it simply gets no further forwarding once the dialog
// ends).
type CancelHandler struct {
	dialogs *dialog.Manager
	sender  Sender
	log     *slog.Logger
}

// NewCancelHandler creates a CANCEL handler.
func NewCancelHandler(dialogs *dialog.Manager, sender Sender, logger *slog.Logger) *CancelHandler {
	return &CancelHandler{dialogs: dialogs, sender: sender, log: logger}
}

func (h *CancelHandler) HandleCancel(msg *sip.Message, src *net.UDPAddr) {
	callID, _ := msg.Get("Call-ID")
	d, ok := h.dialogs.Get(callID)
	if !ok {
		h.sender.Send(errorResponse(msg, 481, "Call/Transaction Does Not Exist"), src.IP.String(), src.Port)
		return
	}

	if d.State != dialog.StateInitiated && d.State != dialog.StateRinging {
		h.log.Warn("engine: dropping CANCEL for dialog past RINGING", "call_id", callID, "state", d.State)
		return
	}

	h.dialogs.End(callID, "CANCELLED")
	h.sender.Send(errorResponse(msg, 200, "OK"), src.IP.String(), src.Port)
}
