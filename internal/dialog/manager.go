package dialog

import (
	"sync"
	"time"

	"github.com/sebas/b2bua/internal/store"
)

const historyLimit = 1000

// recentlyTerminatedGrace is how long after End() a Call-ID is still
// recognized as "recently terminated" for logging purposes, so a
// retransmitted BYE/200 OK arriving just after teardown is logged as a
// late retransmission rather than an unknown dialog.
const recentlyTerminatedGrace = 1 * time.Second

// busyGrace is how long after a dialog enters TERMINATING its numbers
// still count as busy, closing the race between an in-flight BYE and a
// near-simultaneous new INVITE for the same extension.
const busyGrace = 1 * time.Second

// Manager owns every active Dialog, keyed by Call-ID, plus a bounded
// call history and the setup-timeout sweep.
type Manager struct {
	setupTimeout time.Duration

	active *store.TTLStore[string, *Dialog]
	recent *store.TTLStore[string, struct{}]

	mu      sync.Mutex
	history []CallRecord
}

// New creates a Manager whose Cleanup ends dialogs that are still being
// set up more than setupTimeout after their INVITE.
func New(setupTimeout time.Duration) *Manager {
	return &Manager{
		setupTimeout: setupTimeout,
		active:       store.NewTTLStore[string, *Dialog](0),
		recent:       store.NewTTLStore[string, struct{}](0),
	}
}

// activeTTL bounds how long any dialog can remain in the active store
// absent an explicit transition; generous relative to setupTimeout so it
// never fires before the engine's own cleanup does.
func (m *Manager) activeTTL() time.Duration {
	return m.setupTimeout * 4
}

// Create installs a new dialog in state INITIATED.
func (m *Manager) Create(callID, fromNumber, toNumber string, fromTransport Transport) *Dialog {
	d := &Dialog{
		CallID:        callID,
		FromNumber:    fromNumber,
		ToNumber:      toNumber,
		FromTransport: fromTransport,
		State:         StateInitiated,
		InviteTime:    time.Now(),
	}
	m.active.Set(callID, d, m.activeTTL())
	return d.clone()
}

// Get returns a snapshot of the dialog for callID.
func (m *Manager) Get(callID string) (*Dialog, bool) {
	d, ok := m.active.Get(callID)
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// mutate applies fn to the live dialog under the store's lock and
// refreshes its TTL, or returns ErrUnknownDialog if it is gone.
func (m *Manager) mutate(callID string, fn func(d *Dialog)) (*Dialog, error) {
	if !m.active.Has(callID) {
		return nil, ErrUnknownDialog
	}
	var found bool
	result := m.active.Update(callID, m.activeTTL(), func(current *Dialog, ok bool) *Dialog {
		if !ok {
			return nil
		}
		found = true
		fn(current)
		return current
	})
	if !found {
		m.active.Delete(callID)
		return nil, ErrUnknownDialog
	}
	return result.clone(), nil
}

// SetTarget records the callee's signalling transport and transitions
// to RINGING.
func (m *Manager) SetTarget(callID string, toTransport Transport) (*Dialog, error) {
	return m.mutate(callID, func(d *Dialog) {
		d.ToTransport = toTransport
		d.State = StateRinging
	})
}

// SetRTPPorts records the media ports extracted from the caller's
// INVITE and the callee's 200 OK.
func (m *Manager) SetRTPPorts(callID string, fromRTP, toRTP int) (*Dialog, error) {
	return m.mutate(callID, func(d *Dialog) {
		if fromRTP > 0 {
			d.FromRTPPort = fromRTP
		}
		if toRTP > 0 {
			d.ToRTPPort = toRTP
		}
	})
}

// SetOriginalHeaders records the originator's headers at INVITE time,
// for verbatim replay to the caller when the callee's final response
// is relayed back.
func (m *Manager) SetOriginalHeaders(callID, via, from, to, cseq, contact string) (*Dialog, error) {
	return m.mutate(callID, func(d *Dialog) {
		d.OriginalVia = via
		d.OriginalFrom = from
		d.OriginalTo = to
		d.OriginalCSeq = cseq
		d.OriginalContact = contact
	})
}

// Answer transitions to ESTABLISHED and records AnswerTime.
func (m *Manager) Answer(callID string) (*Dialog, error) {
	return m.mutate(callID, func(d *Dialog) {
		d.State = StateEstablished
		d.AnswerTime = time.Now()
		d.WaitingForACK = true
	})
}

// SetWaitingForACK updates the WaitingForACK flag, bookkeeping for the
// admin view. It plays no part in telling a BYE's 200 OK from the final
// 200 OK to the original INVITE: the dialog state (ESTABLISHED vs
// TERMINATING) does that.
func (m *Manager) SetWaitingForACK(callID string, waiting bool) (*Dialog, error) {
	return m.mutate(callID, func(d *Dialog) {
		d.WaitingForACK = waiting
	})
}

// MarkTerminating transitions to TERMINATING when a BYE is observed
// from either leg. The dialog remains in the active set (it is not
// ended yet) and its numbers still count as busy for busyGrace from
// this call, or until End removes it if that comes sooner.
func (m *Manager) MarkTerminating(callID, reason string) (*Dialog, error) {
	return m.mutate(callID, func(d *Dialog) {
		d.State = StateTerminating
		d.TerminatingAt = time.Now()
		d.TerminationReason = reason
	})
}

// End finalizes a dialog: transitions to TERMINATED, computes duration,
// appends a history record, and removes it from the active set. A short
// marker is kept so a retransmission arriving moments later is
// recognized as "late" rather than "unknown" (see WasRecentlyEnded).
func (m *Manager) End(callID, reason string) (*Dialog, error) {
	if !m.active.Has(callID) {
		return nil, ErrUnknownDialog
	}
	var d *Dialog
	var found bool
	m.active.Update(callID, time.Millisecond, func(current *Dialog, ok bool) *Dialog {
		if ok {
			current.State = StateTerminated
			current.EndTime = time.Now()
			current.TerminationReason = reason
			d = current
			found = true
		}
		return current
	})
	if !found {
		m.active.Delete(callID)
		return nil, ErrUnknownDialog
	}
	m.active.Delete(callID)
	m.recent.Set(callID, struct{}{}, recentlyTerminatedGrace)

	m.mu.Lock()
	m.history = append(m.history, CallRecord{
		CallID:            d.CallID,
		FromNumber:        d.FromNumber,
		ToNumber:          d.ToNumber,
		State:             d.State,
		InviteTime:        d.InviteTime,
		AnswerTime:        d.AnswerTime,
		EndTime:           d.EndTime,
		DurationSeconds:   d.DurationSeconds(),
		TerminationReason: d.TerminationReason,
	})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.mu.Unlock()

	return d.clone(), nil
}

// WasRecentlyEnded reports whether callID was ended within the last
// recentlyTerminatedGrace window.
func (m *Manager) WasRecentlyEnded(callID string) bool {
	return m.recent.Has(callID)
}

// IsNumberBusy reports whether number is a party to any dialog in
// RINGING or ESTABLISHED, or in TERMINATING within the last busyGrace
// window (closing the race between an in-flight BYE and a fresh INVITE
// for the same line).
func (m *Manager) IsNumberBusy(number string) bool {
	busy := false
	m.active.ForEach(func(_ string, d *Dialog) bool {
		if d.FromNumber != number && d.ToNumber != number {
			return true
		}
		switch d.State {
		case StateRinging, StateEstablished:
			busy = true
			return false
		case StateTerminating:
			if time.Since(d.TerminatingAt) < busyGrace {
				busy = true
				return false
			}
		}
		return true
	})
	return busy
}

// CallsByNumber returns every active dialog naming number in either role.
func (m *Manager) CallsByNumber(number string) []*Dialog {
	var out []*Dialog
	m.active.ForEach(func(_ string, d *Dialog) bool {
		if d.FromNumber == number || d.ToNumber == number {
			out = append(out, d.clone())
		}
		return true
	})
	return out
}

// ActiveCalls returns a snapshot of every active dialog.
func (m *Manager) ActiveCalls() []*Dialog {
	var out []*Dialog
	m.active.ForEach(func(_ string, d *Dialog) bool {
		out = append(out, d.clone())
		return true
	})
	return out
}

// History returns up to limit past calls starting at offset, most
// recent first. limit<=0 means no bound.
func (m *Manager) History(limit, offset int) []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return nil
	}
	avail := n - offset
	if limit <= 0 || limit > avail {
		limit = avail
	}

	out := make([]CallRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.history[n-1-offset-i]
	}
	return out
}

// Statistics summarizes the manager's current state for the admin view.
type Statistics struct {
	ActiveCalls int
	TotalCalls  int
}

// Statistics reports aggregate counts.
func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	total := len(m.history)
	m.mu.Unlock()
	return Statistics{ActiveCalls: m.active.Len(), TotalCalls: total}
}

// ClearAll removes every active dialog, for the admin reset operation.
func (m *Manager) ClearAll() {
	m.active.Clear()
}

// Cleanup ends, with reason TIMEOUT, any dialog still in INITIATED or
// RINGING (never answered) more than setupTimeout after its INVITE.
func (m *Manager) Cleanup() {
	var timedOut []string
	now := time.Now()
	m.active.ForEach(func(callID string, d *Dialog) bool {
		settingUp := d.State == StateInitiated || d.State == StateRinging
		if settingUp && now.Sub(d.InviteTime) > m.setupTimeout {
			timedOut = append(timedOut, callID)
		}
		return true
	})
	for _, callID := range timedOut {
		m.End(callID, "TIMEOUT")
	}
}
