// Package registrar tracks which extensions are currently bound to a
// contact address, the way a SIP registrar maintains its location
// service.
package registrar

import (
	"errors"
	"sync"
	"time"

	"github.com/sebas/b2bua/internal/store"
)

// ErrUnknownExtension is returned when a number outside the configured
// dial plan range is registered.
var ErrUnknownExtension = errors.New("registrar: unknown extension")

// Binding is the current contact for one extension.
type Binding struct {
	Number      string
	ContactURI  string // as presented by the UA in the Contact header
	ContactAddr string // transport_address: observed source IP of the REGISTER
	ContactPort int    // transport_address: observed source port of the REGISTER
	LastSeen    time.Time

	RegisteredAt      time.Time
	ExpiresAt         time.Time
	RegistrationCount int
}

// HistoryEntry records one completed registration or unregistration, for
// the admin surface's registration history.
type HistoryEntry struct {
	Number string
	Event  string // "register" or "unregister"
	At     time.Time
}

const historyLimit = 1000

// Registrar is the location service mapping extension number to current
// contact, built on a TTLStore so an expired binding is never returned
// and is swept by the background loop without registrar-specific code.
type Registrar struct {
	extMin, extMax int

	store *store.TTLStore[string, *Binding]

	mu         sync.Mutex
	history    []HistoryEntry
	lastErrors map[string]error
}

// New creates a Registrar for extensions in [extMin, extMax], sweeping
// expired bindings every cleanupInterval.
func New(extMin, extMax int, cleanupInterval time.Duration) *Registrar {
	r := &Registrar{
		extMin:     extMin,
		extMax:     extMax,
		store:      store.NewTTLStore[string, *Binding](cleanupInterval),
		lastErrors: make(map[string]error),
	}
	r.store.SetOnEvict(func(number string, _ *Binding) {
		r.appendHistory(number, "unregister")
	})
	return r
}

func (r *Registrar) inRange(number string) bool {
	n, err := parseExtension(number)
	return err == nil && n >= r.extMin && n <= r.extMax
}

// Register binds number to the given contact for ttl, merging
// registration bookkeeping (registered_at, registration_count) with any
// prior binding under the store's single write lock, so a concurrent
// lookup never observes a half-updated binding.
func (r *Registrar) Register(number, contactURI, contactAddr string, contactPort int, ttl time.Duration) (*Binding, error) {
	if !r.inRange(number) {
		r.recordError(number, ErrUnknownExtension)
		return nil, ErrUnknownExtension
	}

	now := time.Now()
	result := r.store.Update(number, ttl, func(current *Binding, ok bool) *Binding {
		b := &Binding{
			Number:            number,
			ContactURI:        contactURI,
			ContactAddr:       contactAddr,
			ContactPort:       contactPort,
			LastSeen:          now,
			RegisteredAt:      now,
			ExpiresAt:         now.Add(ttl),
			RegistrationCount: 1,
		}
		if ok {
			b.RegisteredAt = current.RegisteredAt
			b.RegistrationCount = current.RegistrationCount + 1
		}
		return b
	})

	r.clearError(number)
	r.appendHistory(number, "register")
	return result, nil
}

// Unregister removes number's binding immediately (e.g. on REGISTER with
// Expires: 0), returning whether a binding existed.
func (r *Registrar) Unregister(number string) bool {
	removed := r.store.Delete(number)
	if removed {
		r.appendHistory(number, "unregister")
	}
	return removed
}

// Lookup returns the current binding for number, or ok=false if it is
// unregistered or its binding has expired.
func (r *Registrar) Lookup(number string) (*Binding, bool) {
	return r.store.Get(number)
}

// IsRegistered reports whether number currently has a non-expired binding.
func (r *Registrar) IsRegistered(number string) bool {
	return r.store.Has(number)
}

// UpdateLastSeen bumps the binding's LastSeen without disturbing its
// expiry, registration count, or registered_at.
func (r *Registrar) UpdateLastSeen(number string) {
	if b, ok := r.store.Get(number); ok {
		if ttl, ok := r.store.ExpiresAt(number); ok {
			r.store.SetWithExpiry(number, &Binding{
				Number: b.Number, ContactURI: b.ContactURI,
				ContactAddr: b.ContactAddr, ContactPort: b.ContactPort,
				LastSeen: time.Now(), RegisteredAt: b.RegisteredAt,
				ExpiresAt: ttl, RegistrationCount: b.RegistrationCount,
			}, ttl)
		}
	}
}

// Cleanup sweeps expired bindings. Safe to call from the engine's ticker
// in addition to the store's own background loop.
func (r *Registrar) Cleanup() {
	r.store.CleanupNow()
}

// ListUsers returns every currently registered binding.
func (r *Registrar) ListUsers() []Binding {
	var out []Binding
	r.store.ForEach(func(_ string, b *Binding) bool {
		out = append(out, *b)
		return true
	})
	return out
}

// ListExtensions returns every extension in the configured range, each
// reporting whether it currently has a binding.
func (r *Registrar) ListExtensions() []ExtensionStatus {
	out := make([]ExtensionStatus, 0, r.extMax-r.extMin+1)
	for n := r.extMin; n <= r.extMax; n++ {
		number := formatExtension(n)
		out = append(out, ExtensionStatus{Number: number, Registered: r.store.Has(number)})
	}
	return out
}

// ExtensionStatus reports one extension's current registration state.
type ExtensionStatus struct {
	Number     string
	Registered bool
}

// ClearAll removes every binding, for the admin reset operation.
func (r *Registrar) ClearAll() {
	r.store.Clear()
}

// History returns the most recent registration/unregistration events,
// most recent first, bounded by limit (0 means no bound).
func (r *Registrar) History(limit int) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = r.history[n-1-i]
	}
	return out
}

// LastError returns the error from the most recent failed registration
// attempt for number, if any.
func (r *Registrar) LastError(number string) (error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err, ok := r.lastErrors[number]
	return err, ok
}

func (r *Registrar) recordError(number string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErrors[number] = err
}

func (r *Registrar) clearError(number string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lastErrors, number)
}

func (r *Registrar) appendHistory(number, event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, HistoryEntry{Number: number, Event: event, At: time.Now()})
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
}
