package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrRegistryFull = errors.New("server: client registry full")
	ErrDuplicateID  = errors.New("server: client id already registered")
	ErrNotInList    = errors.New("server: client not in registry")
)

// ClientRegistry is the fixed-capacity table of connected sessions and
// the rendezvous point for reconnection. A single mutex guards
// structural changes; iteration happens over snapshot copies.
type ClientRegistry struct {
	mu               sync.Mutex
	slots            []*Client
	reconnectTimeout time.Duration
	idCounter        atomic.Int64
}

func NewClientRegistry(capacity int, reconnectTimeout time.Duration) *ClientRegistry {
	return &ClientRegistry{
		slots:            make([]*Client, capacity),
		reconnectTimeout: reconnectTimeout,
	}
}

// NextID issues a fresh client id. IDs start at 1 and are never reused.
func (r *ClientRegistry) NextID() int64 {
	return r.idCounter.Add(1)
}

// Add places the client in a free slot. When the table is full it may
// evict an occupant whose reconnect window has already expired; the
// evicted record is returned so the caller can run its room cleanup.
func (r *ClientRegistry) Add(c *Client, now time.Time) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	free := -1
	for i, occ := range r.slots {
		if occ == nil {
			if free == -1 {
				free = i
			}
			continue
		}
		if occ.ID() == id {
			return nil, ErrDuplicateID
		}
	}

	if free == -1 {
		for i, occ := range r.slots {
			if occ.isDisconnected() && now.Sub(occ.disconnectedAt()) > r.reconnectTimeout {
				evicted := occ
				r.slots[i] = c
				return evicted, nil
			}
		}
		return nil, ErrRegistryFull
	}

	r.slots[free] = c
	return nil, nil
}

// Remove clears every slot holding this record. More than one slot is
// an invariant violation; it is logged and repaired regardless.
func (r *ClientRegistry) Remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i, occ := range r.slots {
		if occ == c {
			r.slots[i] = nil
			n++
		}
	}
	if n > 1 {
		slog.Error("client occupied multiple registry slots", "client_id", c.ID(), "slots", n)
	}
}

// Replace atomically swaps old for new in old's slot, clearing any slot
// new already occupies. Only one of the racing reconnect and expiry
// paths can find old present, so only one wins.
func (r *ClientRegistry) Replace(old, new *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, occ := range r.slots {
		if occ == new {
			r.slots[i] = nil
		}
	}
	for i, occ := range r.slots {
		if occ == old {
			r.slots[i] = new
			return nil
		}
	}
	return ErrNotInList
}

func (r *ClientRegistry) FindByID(id int64) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, occ := range r.slots {
		if occ != nil && occ.ID() == id {
			return occ
		}
	}
	return nil
}

// Snapshot copies out the current occupants so callers can iterate
// without holding the registry lock.
func (r *ClientRegistry) Snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.slots))
	for _, occ := range r.slots {
		if occ != nil {
			out = append(out, occ)
		}
	}
	return out
}

func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, occ := range r.slots {
		if occ != nil {
			n++
		}
	}
	return n
}

// Clear empties the table during server shutdown.
func (r *ClientRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		r.slots[i] = nil
	}
}
