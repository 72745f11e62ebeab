package engine

import (
	"net"
	"strconv"
	"time"

	"github.com/sebas/b2bua/internal/registrar"
	"github.com/sebas/b2bua/internal/sip"
)

// RegisterHandler processes REGISTER requests against the registrar.
type RegisterHandler struct {
	registrar      *registrar.Registrar
	extMin, extMax int
	defaultExpires time.Duration
	sender         Sender
}

// NewRegisterHandler creates a REGISTER handler.
func NewRegisterHandler(reg *registrar.Registrar, extMin, extMax int, defaultExpires time.Duration, sender Sender) *RegisterHandler {
	return &RegisterHandler{registrar: reg, extMin: extMin, extMax: extMax, defaultExpires: defaultExpires, sender: sender}
}

// HandleRegister validates the request, installs or removes the
// binding, and replies 200 OK echoing the headers the UA expects back.
func (h *RegisterHandler) HandleRegister(msg *sip.Message, src *net.UDPAddr) {
	if errs := sip.ValidateRegister(msg, h.extMin, h.extMax); len(errs) > 0 {
		h.sender.Send(errorResponse(msg, 400, errs.First()), src.IP.String(), src.Port)
		return
	}

	to, _ := msg.Get("To")
	uri, err := sip.ParseSIPURI(to, h.extMin, h.extMax)
	if err != nil {
		h.sender.Send(errorResponse(msg, 400, err.Error()), src.IP.String(), src.Port)
		return
	}

	contactHeader, _ := msg.Get("Contact")
	contactURI := sip.ExtractURI(contactHeader)

	expires := h.defaultExpires
	expiresHeader, hasExpires := msg.Get("Expires")
	if hasExpires {
		n, convErr := strconv.Atoi(expiresHeader)
		if convErr == nil {
			expires = time.Duration(n) * time.Second
		}
	}

	if expires <= 0 {
		h.registrar.Unregister(uri.Number)
	} else {
		h.registrar.Register(uri.Number, contactURI, src.IP.String(), src.Port, expires)
	}

	resp := sip.NewResponse(200, "OK")
	for _, name := range []string{"Via", "From", "To", "Call-ID", "CSeq", "Contact"} {
		if v, ok := msg.Get(name); ok {
			resp.Add(name, v)
		}
	}
	if hasExpires {
		resp.Add("Expires", expiresHeader)
	} else {
		resp.Add("Expires", strconv.Itoa(int(expires.Seconds())))
	}
	h.sender.Send(resp, src.IP.String(), src.Port)
}
