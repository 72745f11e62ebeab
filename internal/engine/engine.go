// Package engine dispatches inbound SIP datagrams to per-method
// handlers and drives the dialog/registrar cleanup ticker, orchestrating
// the codec, validator, registrar, dialog manager, RTP relay, and SDP
// rewriter components.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sebas/b2bua/internal/config"
	"github.com/sebas/b2bua/internal/dialog"
	"github.com/sebas/b2bua/internal/registrar"
	"github.com/sebas/b2bua/internal/rtp"
	"github.com/sebas/b2bua/internal/sip"
)

// Engine owns the SIP socket and every domain component, and implements
// Sender by writing serialized messages to that socket.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	registrar *registrar.Registrar
	dialogs   *dialog.Manager
	relay     *rtp.Relay

	conn *net.UDPConn

	registerHandler *RegisterHandler
	inviteHandler   *InviteHandler
	ackHandler      *AckHandler
	byeHandler      *ByeHandler
	responseHandler *ResponseHandler
	cancelHandler   *CancelHandler
}

// New binds the SIP and RTP sockets and wires every handler. Returns an
// error without leaking either socket if either bind fails.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sipAddr := &net.UDPAddr{IP: net.ParseIP(cfg.SIPHost), Port: cfg.SIPPort}
	conn, err := net.ListenUDP("udp", sipAddr)
	if err != nil {
		return nil, fmt.Errorf("engine: listen sip %s:%d: %w", cfg.SIPHost, cfg.SIPPort, err)
	}

	relay, err := rtp.New(cfg.RTPHost, cfg.RTPPort, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	reg := registrar.New(cfg.ExtMin, cfg.ExtMax, cfg.CleanupInterval)
	dialogs := dialog.New(cfg.CallSetupTimeout)

	e := &Engine{
		cfg:       cfg,
		log:       logger,
		registrar: reg,
		dialogs:   dialogs,
		relay:     relay,
		conn:      conn,
	}

	e.registerHandler = NewRegisterHandler(reg, cfg.ExtMin, cfg.ExtMax, cfg.RegistrationTimeout, e)
	e.inviteHandler = NewInviteHandler(reg, dialogs, cfg.ServerAddress, cfg.SIPPort, cfg.RTPPort, cfg.ExtMin, cfg.ExtMax, e, logger)
	e.ackHandler = NewAckHandler(dialogs, cfg.ServerAddress, cfg.SIPPort, e)
	e.byeHandler = NewByeHandler(dialogs, relay, cfg.ExtMin, cfg.ExtMax, cfg.ServerAddress, cfg.SIPPort, e)
	e.responseHandler = NewResponseHandler(dialogs, relay, cfg.ServerAddress, cfg.SIPPort, cfg.RTPPort, e, logger)
	e.cancelHandler = NewCancelHandler(dialogs, e, logger)

	return e, nil
}

// Send implements Sender by serializing msg and writing it to the SIP
// socket. Failures are logged, not returned, matching the "no retry"
// policy — the caller is responsible for retransmission.
func (e *Engine) Send(msg *sip.Message, addr string, port int) {
	dst := &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
	if _, err := e.conn.WriteToUDP(msg.Serialize(), dst); err != nil {
		e.log.Warn("engine: send failed", "dst", dst.String(), "error", err)
	}
}

// Run starts the SIP listener, the RTP relay listener, and the cleanup
// ticker, blocking until ctx is cancelled. On cancellation both sockets
// are closed and in-flight handler goroutines are left to run to
// completion.
func (e *Engine) Run(ctx context.Context) error {
	sipErrs := make(chan error, 1)
	rtpErrs := make(chan error, 1)

	go func() { sipErrs <- e.serveSIP(ctx) }()
	go func() { rtpErrs <- e.relay.Serve() }()

	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.conn.Close()
			e.relay.Close()
			return nil

		case <-ticker.C:
			e.registrar.Cleanup()
			e.dialogs.Cleanup()

		case err := <-sipErrs:
			if ctx.Err() != nil {
				return nil
			}
			return err

		case err := <-rtpErrs:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (e *Engine) serveSIP(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		go e.handleDatagram(data, src)
	}
}

func (e *Engine) handleDatagram(data []byte, src *net.UDPAddr) {
	var msg *sip.Message
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine: recovered panic handling datagram", "src", src.String(), "error", r)
			if msg != nil && msg.IsRequest {
				if _, ok := msg.Get("Call-ID"); ok {
					e.Send(errorResponse(msg, 500, "Internal Server Error"), src.IP.String(), src.Port)
				}
			}
		}
	}()

	var err error
	msg, err = sip.Parse(data)
	if err != nil {
		e.log.Warn("engine: dropping malformed datagram", "src", src.String(), "error", err)
		return
	}

	if !msg.IsRequest {
		e.responseHandler.HandleResponse(msg, src)
		return
	}

	switch msg.Method {
	case "REGISTER":
		e.registerHandler.HandleRegister(msg, src)
	case "INVITE":
		e.inviteHandler.HandleInvite(msg, src)
	case "ACK":
		e.ackHandler.HandleAck(msg, src)
	case "BYE":
		e.byeHandler.HandleBye(msg, src)
	case "CANCEL":
		e.cancelHandler.HandleCancel(msg, src)
	default:
		e.log.Warn("engine: unsupported method", "method", msg.Method)
	}
}

// Registrar exposes the registrar for the administration surface.
func (e *Engine) Registrar() *registrar.Registrar { return e.registrar }

// Dialogs exposes the dialog manager for the administration surface.
func (e *Engine) Dialogs() *dialog.Manager { return e.dialogs }

// RTPRelay exposes the RTP relay for the administration surface.
func (e *Engine) RTPRelay() *rtp.Relay { return e.relay }

// Statistics aggregates counts across every component, for the admin
// "statistics" operation.
type Statistics struct {
	Extensions []registrar.ExtensionStatus
	Dialogs    dialog.Statistics
	RTP        rtp.Statistics
}

// Statistics reports the current aggregate counts.
func (e *Engine) Statistics() Statistics {
	return Statistics{
		Extensions: e.registrar.ListExtensions(),
		Dialogs:    e.dialogs.Statistics(),
		RTP:        e.relay.Statistics(),
	}
}
