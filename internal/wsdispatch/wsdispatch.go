// Package wsdispatch is an optional secondary push channel: Registry.Push
// writes an offer view to a driver's open websocket connection. The offer
// emission path (offers.Service.Emit, the matcher) does not call Push, so
// connected drivers still learn of new offers through the offersActive
// poll.
package wsdispatch

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ridellite/internal/offers"
)

// ErrNoSession means the driver has no open socket; callers fall back to
// the REST offersActive poll, which remains the source of truth.
var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no websocket session for driver" }

type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(view offers.ActiveOfferView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(view)
}

// Registry holds one active websocket per driver. It is additive: the
// REST surface never depends on a driver being registered here.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*session)}
}

// Add registers a driver's live connection, replacing any previous one.
func (r *Registry) Add(driverID uuid.UUID, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &session{conn: conn}
}

// Remove drops a driver's connection, e.g. on socket close.
func (r *Registry) Remove(driverID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

// Push sends a fresh offer to a connected driver, or ErrNoSession if none.
func (r *Registry) Push(driverID uuid.UUID, view offers.ActiveOfferView) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(view)
}
