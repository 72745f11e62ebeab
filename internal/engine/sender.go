package engine

import "github.com/sebas/b2bua/internal/sip"

// Sender delivers a SIP message to a destination. The Engine implements
// it over its UDP socket; tests substitute a fake that records sends.
type Sender interface {
	Send(msg *sip.Message, addr string, port int)
}
