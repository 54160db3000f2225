package deps

import (
	"sync"

	"github.com/burrowd/burrow/internal/onion"
)

// Handles tracks the live ephemeral service handles created through
// the API, keyed by hostname, so removal can detach their event
// listeners. Manifest-created services keep their handles in the
// publisher.
type Handles struct {
	mu sync.Mutex
	m  map[string]*onion.EphemeralService
}

func NewHandles() *Handles {
	return &Handles{m: make(map[string]*onion.EphemeralService)}
}

func (h *Handles) Put(hostname string, svc *onion.EphemeralService) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[hostname] = svc
}

// Get returns the handle without removing it. Nil when the service
// was not created through the API in this process.
func (h *Handles) Get(hostname string) *onion.EphemeralService {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.m[hostname]
}

func (h *Handles) Delete(hostname string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.m, hostname)
}
