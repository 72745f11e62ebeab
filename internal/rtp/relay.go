// Package rtp implements the media relay: a single UDP socket that
// forwards datagrams between the two legs of a call by matching the
// packet's source address against a stream table. It never
// inspects RTP headers, payload type, or SSRC.
package rtp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Endpoint is one side of a media stream.
type Endpoint struct {
	Addr string
	Port int
}

func (e Endpoint) key() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// StreamInfo is a read-only view of one direction of a relayed stream,
// named the way the admin surface expects: a forward entry keyed by
// Call-ID and a reverse entry keyed by Call-ID + "_reverse",
// even though internally both directions share one record.
type StreamInfo struct {
	Key     string
	CallID  string
	From    Endpoint
	To      Endpoint
	Packets int64
	Bytes   int64
}

// stream holds both directions of one call's media, plus independent
// counters for each direction.
type stream struct {
	callID string
	a, b   Endpoint

	aToBPackets atomic.Int64
	aToBBytes   atomic.Int64
	bToAPackets atomic.Int64
	bToABytes   atomic.Int64
}

// Relay owns the shared UDP socket and the stream table. Safe for
// concurrent use; Serve and the mutating methods may be called
// from different goroutines.
type Relay struct {
	conn *net.UDPConn
	log  *slog.Logger

	mu        sync.RWMutex
	byCallID  map[string]*stream
	byAddrKey map[string]*stream
}

// New creates a Relay bound to host:port. The socket is opened
// immediately so callers can fail fast on a bind error.
func New(host string, port int, logger *slog.Logger) (*Relay, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen %s:%d: %w", host, port, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		conn:      conn,
		log:       logger,
		byCallID:  make(map[string]*stream),
		byAddrKey: make(map[string]*stream),
	}, nil
}

// LocalAddr returns the socket's bound address.
func (r *Relay) LocalAddr() net.Addr { return r.conn.LocalAddr() }

// Close closes the underlying socket, unblocking Serve.
func (r *Relay) Close() error { return r.conn.Close() }

// Install installs a bidirectional stream for callID, bridging a and b.
// Replaces any prior stream under the same Call-ID.
func (r *Relay) Install(callID string, a, b Endpoint) {
	s := &stream{callID: callID, a: a, b: b}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byCallID[callID]; ok {
		delete(r.byAddrKey, old.a.key())
		delete(r.byAddrKey, old.b.key())
	}
	r.byCallID[callID] = s
	r.byAddrKey[a.key()] = s
	r.byAddrKey[b.key()] = s
}

// Remove tears down the stream for callID, if any.
func (r *Relay) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCallID[callID]
	if !ok {
		return
	}
	delete(r.byCallID, callID)
	delete(r.byAddrKey, s.a.key())
	delete(r.byAddrKey, s.b.key())
}

// Serve reads datagrams until the socket is closed, forwarding each one
// per the source-address lookup rule. It never returns nil;
// callers should treat net.ErrClosed as a clean shutdown.
func (r *Relay) Serve() error {
	buf := make([]byte, 65535)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		r.forward(src, buf[:n])
	}
}

func (r *Relay) forward(src *net.UDPAddr, payload []byte) {
	key := (Endpoint{Addr: src.IP.String(), Port: src.Port}).key()

	r.mu.RLock()
	s, ok := r.byAddrKey[key]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("rtp: no stream for source", "addr", src.String())
		return
	}

	var dst Endpoint
	var forward, fromA bool
	switch key {
	case s.a.key():
		dst, forward, fromA = s.b, true, true
	case s.b.key():
		dst, forward, fromA = s.a, true, false
	}
	if !forward {
		return
	}

	out := &net.UDPAddr{IP: net.ParseIP(dst.Addr), Port: dst.Port}
	n, err := r.conn.WriteToUDP(payload, out)
	if err != nil {
		r.log.Warn("rtp: forward failed", "call_id", s.callID, "dst", out.String(), "error", err)
		return
	}
	if fromA {
		s.aToBPackets.Add(1)
		s.aToBBytes.Add(int64(n))
	} else {
		s.bToAPackets.Add(1)
		s.bToABytes.Add(int64(n))
	}
}

// ListStreams returns both logical directions of every active stream.
func (r *Relay) ListStreams() []StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StreamInfo, 0, 2*len(r.byCallID))
	for _, s := range r.byCallID {
		out = append(out,
			StreamInfo{
				Key: s.callID, CallID: s.callID, From: s.a, To: s.b,
				Packets: s.aToBPackets.Load(), Bytes: s.aToBBytes.Load(),
			},
			StreamInfo{
				Key: s.callID + "_reverse", CallID: s.callID, From: s.b, To: s.a,
				Packets: s.bToAPackets.Load(), Bytes: s.bToABytes.Load(),
			},
		)
	}
	return out
}

// Statistics summarizes the relay's current state for the admin view.
type Statistics struct {
	ActiveStreams int
	TotalPackets  int64
	TotalBytes    int64
}

// Statistics reports aggregate counts across every active stream.
func (r *Relay) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Statistics{ActiveStreams: len(r.byCallID)}
	for _, s := range r.byCallID {
		stats.TotalPackets += s.aToBPackets.Load() + s.bToAPackets.Load()
		stats.TotalBytes += s.aToBBytes.Load() + s.bToABytes.Load()
	}
	return stats
}
